package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/allsmog/zkid-go/pkg/identity"
	"github.com/allsmog/zkid-go/pkg/ledger"
	mw "github.com/allsmog/zkid-go/pkg/middleware"
)

// Header names set by Register.
const (
	HeaderNIDHash      = "X-NID-Hash"
	HeaderRegisteredAt = "X-Registered-At"
)

// RegisterResponse is the JSON form of a registration, returned when the
// client asks for application/json instead of the PNG.
type RegisterResponse struct {
	Record   *ledger.Record `json:"record"`
	Envelope string         `json:"envelope"` // base64 sealed blob
	QR       string         `json:"qr"`       // base64 PNG
}

// UsersResponse lists registered identities.
type UsersResponse struct {
	Count int      `json:"count"`
	Users []string `json:"users"`
}

// MeResponse describes the holder of a bearer token.
type MeResponse struct {
	Subject   string `json:"sub"`
	NIDHash   string `json:"nidHash"`
	Curve     string `json:"curve"`
	ProofID   string `json:"proofId,omitempty"`
	ExpiresAt int64  `json:"exp"`
}

// Register handles identity registration. The form carries nid, password
// and an image file; the response is the envelope QR as PNG.
func (h *Handlers) Register(w http.ResponseWriter, r *http.Request) {
	if err := h.parseMultipart(w, r); err != nil {
		writeError(w, r, err)
		return
	}
	image, err := formFile(r, "image")
	if err != nil {
		writeError(w, r, err)
		return
	}

	reg, err := h.svc.Register(r.Context(), identity.RegisterRequest{
		NIDNumber: r.FormValue("nid"),
		Image:     image,
		Password:  r.FormValue("password"),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set(HeaderNIDHash, reg.Record.NIDHash)
	w.Header().Set(HeaderRegisteredAt, reg.Record.RegisteredAt.UTC().Format(time.RFC3339Nano))

	if wantsJSON(r) {
		writeJSON(w, http.StatusCreated, RegisterResponse{
			Record:   reg.Record,
			Envelope: base64.StdEncoding.EncodeToString(reg.Envelope),
			QR:       base64.StdEncoding.EncodeToString(reg.QR),
		})
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="identity-%s.png"`, reg.Record.NIDHash[:12]))
	w.WriteHeader(http.StatusCreated)
	w.Write(reg.QR)
}

// Login opens the envelope and returns a proof for /verify. The envelope is
// either a QR image in the "envelope" file part or the base64 blob in the
// "envelope_b64" field.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	req, err := h.loginRequest(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	proof, err := h.svc.Login(r.Context(), *req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, proof)
}

// LoginDirect is the single-call login; it answers 403 unless enabled.
func (h *Handlers) LoginDirect(w http.ResponseWriter, r *http.Request) {
	req, err := h.loginRequest(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	v, err := h.svc.LoginDirect(r.Context(), *req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *Handlers) loginRequest(w http.ResponseWriter, r *http.Request) (*identity.LoginRequest, error) {
	if err := h.parseMultipart(w, r); err != nil {
		return nil, err
	}
	image, err := formFile(r, "image")
	if err != nil {
		return nil, err
	}

	req := &identity.LoginRequest{Password: r.FormValue("password"), Image: image}
	if raw := r.FormValue("envelope_b64"); raw != "" {
		if req.Envelope, err = base64.StdEncoding.DecodeString(raw); err != nil {
			return nil, fmt.Errorf("%w: envelope_b64: %v", identity.ErrInvalidInput, err)
		}
		return req, nil
	}
	if req.QR, err = formFile(r, "envelope"); err != nil {
		return nil, err
	}
	return req, nil
}

// Verify checks a proof produced by Login.
func (h *Handlers) Verify(w http.ResponseWriter, r *http.Request) {
	var proof identity.Proof
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&proof); err != nil {
		writeError(w, r, fmt.Errorf("%w: invalid JSON: %v", identity.ErrInvalidInput, err))
		return
	}

	v, err := h.svc.Verify(r.Context(), proof)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// Users lists registered nidHashes in registration order.
func (h *Handlers) Users(w http.ResponseWriter, r *http.Request) {
	users, err := ledger.Collect(h.svc.Users(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if users == nil {
		users = []string{}
	}
	writeJSON(w, http.StatusOK, UsersResponse{Count: len(users), Users: users})
}

// User returns the public record of one identity.
func (h *Handlers) User(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.Lookup(r.Context(), chi.URLParam(r, "nidHash"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// History returns the change history of one identity.
func (h *Handlers) History(w http.ResponseWriter, r *http.Request) {
	nidHash := chi.URLParam(r, "nidHash")
	history, err := ledger.Collect(h.svc.History(r.Context(), nidHash))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if len(history) == 0 {
		writeError(w, r, identity.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

// Me describes the bearer of a valid identity token.
func (h *Handlers) Me(w http.ResponseWriter, r *http.Request) {
	claims, ok := mw.GetJWTClaims(r)
	if !ok {
		writeError(w, r, errors.New("claims missing from context"))
		return
	}
	resp := MeResponse{
		Subject: claims.Subject,
		NIDHash: claims.ZK.NIDHash,
		Curve:   claims.ZK.Group,
		ProofID: claims.ID,
	}
	if claims.ExpiresAt != nil {
		resp.ExpiresAt = claims.ExpiresAt.Unix()
	}
	writeJSON(w, http.StatusOK, resp)
}

// JWKS returns the public keys for JWT verification
func (h *Handlers) JWKS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, h.jwks)
}

// Health reports the state of the collaborators.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string)
	for name, err := range h.svc.Health(ctx) {
		if err != nil {
			status = http.StatusServiceUnavailable
			checks[name] = err.Error()
			continue
		}
		checks[name] = "ok"
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	writeJSON(w, status, map[string]any{
		"status": overall,
		"curve":  h.svc.Curve().Name(),
		"checks": checks,
	})
}

func (h *Handlers) parseMultipart(w http.ResponseWriter, r *http.Request) error {
	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxUploadBytes)
	if err := r.ParseMultipartForm(h.config.MaxUploadBytes); err != nil {
		return fmt.Errorf("%w: multipart form: %v", identity.ErrInvalidInput, err)
	}
	return nil
}

func formFile(r *http.Request, field string) ([]byte, error) {
	f, _, err := r.FormFile(field)
	if err != nil {
		return nil, fmt.Errorf("%w: %s file is required", identity.ErrInvalidInput, field)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", identity.ErrInvalidInput, field, err)
	}
	return data, nil
}

func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}
