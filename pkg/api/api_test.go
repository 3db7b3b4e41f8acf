package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allsmog/zkid-go/pkg/biometric"
	"github.com/allsmog/zkid-go/pkg/crypto/curve"
	"github.com/allsmog/zkid-go/pkg/envelope"
	"github.com/allsmog/zkid-go/pkg/identity"
	"github.com/allsmog/zkid-go/pkg/jwt"
	"github.com/allsmog/zkid-go/pkg/ledger"
	"github.com/allsmog/zkid-go/pkg/replay"
)

const (
	testAudience = "zkid-api-test"
	testIssuer   = "https://id.example.com"
)

// faces maps uploaded image bytes to embeddings.
type faces map[string]biometric.Embedding

func (f faces) Embed(ctx context.Context, image []byte) (biometric.Embedding, error) {
	if e, ok := f[string(image)]; ok {
		return e, nil
	}
	return nil, biometric.ErrRejected
}

func newTestServer(t *testing.T, mutate func(*identity.Dependencies, *Config)) http.Handler {
	t.Helper()

	sealer, err := envelope.NewSealer(envelope.Params{Time: 1, MemoryKB: 1024, Threads: 1})
	require.NoError(t, err)
	key, err := jwt.GenerateES256KeyPair()
	require.NoError(t, err)
	signer, err := jwt.NewES256Signer(key, "api-key", testIssuer)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	metrics, err := identity.NewMetrics(reg)
	require.NoError(t, err)

	bio := biometric.Combine(faces{
		"alice.jpg":       {0.9, 0.1, 0.3, 0.2, 0.5, 0.1, 0.4, 0.3},
		"alice-later.jpg": {0.85, 0.12, 0.31, 0.18, 0.52, 0.09, 0.41, 0.28},
		"bob.jpg":         {-0.9, 0.1, -0.3, 0.2, -0.5, 0.1, -0.4, 0.3},
	}, biometric.NewCosineComparer(0))

	deps := identity.Dependencies{
		Curve:     curve.NewSecp256k1(),
		Ledger:    ledger.NewMemoryLedger(),
		Biometric: bio,
		Sealer:    sealer,
		Replay:    replay.NewMemoryStore(time.Minute, 0),
		Signer:    signer,
		Metrics:   metrics,
		Config: identity.Config{
			TokenAudience: testAudience,
			TokenTTL:      5 * time.Minute,
		},
	}
	cfg := Config{
		Issuer:   testIssuer,
		Audience: testAudience,
		Gatherer: reg,
	}
	if mutate != nil {
		mutate(&deps, &cfg)
	}

	svc, err := identity.NewService(deps)
	require.NoError(t, err)

	router, _ := NewHandlers(svc, deps.Signer, cfg).Router()
	return router
}

func multipartBody(t *testing.T, fields map[string]string, files map[string][]byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	for k, v := range files {
		part, err := mw.CreateFormFile(k, k+".bin")
		require.NoError(t, err)
		_, err = part.Write(v)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func do(t *testing.T, h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	if req.RemoteAddr == "" {
		req.RemoteAddr = "192.0.2.1:1234"
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func postForm(t *testing.T, h http.Handler, path string, fields map[string]string, files map[string][]byte) *httptest.ResponseRecorder {
	t.Helper()
	body, ct := multipartBody(t, fields, files)
	req := httptest.NewRequest(http.MethodPost, path, body)
	req.Header.Set("Content-Type", ct)
	return do(t, h, req)
}

func postJSON(t *testing.T, h http.Handler, path string, v any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	return do(t, h, req)
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	return do(t, h, httptest.NewRequest(http.MethodGet, path, nil))
}

func register(t *testing.T, h http.Handler, nid, image, password string) (qr []byte, nidHash string) {
	t.Helper()
	rr := postForm(t, h, "/register",
		map[string]string{"nid": nid, "password": password},
		map[string][]byte{"image": []byte(image)})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	return rr.Body.Bytes(), rr.Header().Get(HeaderNIDHash)
}

func login(t *testing.T, h http.Handler, qr []byte, image, password string) *httptest.ResponseRecorder {
	t.Helper()
	return postForm(t, h, "/login",
		map[string]string{"password": password},
		map[string][]byte{"envelope": qr, "image": []byte(image)})
}

func errorBody(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body), rr.Body.String())
	return body.Error
}

func TestFullFlow(t *testing.T) {
	h := newTestServer(t, nil)

	qr, nidHash := register(t, h, "123456789", "alice.jpg", "pw1")
	require.Len(t, nidHash, 64)
	_, err := envelope.DecodeQR(qr)
	require.NoError(t, err, "register returns a scannable QR")

	rr := login(t, h, qr, "alice-later.jpg", "pw1")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var proof identity.Proof
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &proof))
	assert.Equal(t, nidHash, proof.NIDHash)

	rr = postJSON(t, h, "/verify", proof)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var v identity.Verification
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v))
	assert.True(t, v.Valid)
	require.NotEmpty(t, v.Token)

	t.Run("Me", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		req.Header.Set("Authorization", "Bearer "+v.Token)
		rr := do(t, h, req)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		var me MeResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &me))
		assert.Equal(t, nidHash, me.NIDHash)
		assert.Equal(t, "secp256k1", me.Curve)
		assert.Equal(t, proof.ID, me.ProofID)
	})

	t.Run("MeWithoutToken", func(t *testing.T) {
		rr := get(t, h, "/me")
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("JWKS", func(t *testing.T) {
		rr := get(t, h, "/.well-known/jwks.json")
		require.Equal(t, http.StatusOK, rr.Code)
		var set struct {
			Keys []map[string]any `json:"keys"`
		}
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &set))
		require.Len(t, set.Keys, 1)
		assert.Equal(t, "api-key", set.Keys[0]["kid"])
		assert.NotContains(t, set.Keys[0], "d", "private key material must not be published")
	})

	t.Run("UniformAuthenticationFailure", func(t *testing.T) {
		replayed := postJSON(t, h, "/verify", proof)
		mismatch := login(t, h, qr, "bob.jpg", "pw1")

		require.Equal(t, http.StatusUnauthorized, replayed.Code)
		require.Equal(t, http.StatusUnauthorized, mismatch.Code)
		assert.Equal(t, errAuthenticationFailed, errorBody(t, replayed))
		assert.Equal(t, errorBody(t, replayed), errorBody(t, mismatch))
	})

	t.Run("WrongPassword", func(t *testing.T) {
		rr := login(t, h, qr, "alice.jpg", "wrong")
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.NotEqual(t, errAuthenticationFailed, errorBody(t, rr))
	})

	t.Run("Duplicate", func(t *testing.T) {
		rr := postForm(t, h, "/register",
			map[string]string{"nid": "123456789", "password": "other"},
			map[string][]byte{"image": []byte("bob.jpg")})
		assert.Equal(t, http.StatusConflict, rr.Code)
	})

	t.Run("Users", func(t *testing.T) {
		rr := get(t, h, "/users")
		require.Equal(t, http.StatusOK, rr.Code)
		var users UsersResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &users))
		assert.Equal(t, 1, users.Count)
		assert.Equal(t, []string{nidHash}, users.Users)

		rr = get(t, h, "/users/"+nidHash)
		require.Equal(t, http.StatusOK, rr.Code)
		var rec ledger.Record
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rec))
		assert.Equal(t, nidHash, rec.NIDHash)
		assert.NotEmpty(t, rec.Sx)

		rr = get(t, h, "/users/"+nidHash+"/history")
		require.Equal(t, http.StatusOK, rr.Code)
		var history []ledger.Modification
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &history))
		assert.Len(t, history, 1)

		assert.Equal(t, http.StatusBadRequest, get(t, h, "/users/not-a-hash").Code)
		assert.Equal(t, http.StatusNotFound, get(t, h, "/users/"+strings.Repeat("ab", 32)).Code)
		assert.Equal(t, http.StatusNotFound, get(t, h, "/users/"+strings.Repeat("ab", 32)+"/history").Code)
	})

	t.Run("Metrics", func(t *testing.T) {
		rr := get(t, h, "/metrics")
		require.Equal(t, http.StatusOK, rr.Code)
		body := rr.Body.String()
		assert.Contains(t, body, `zkid_registrations_total{result="ok"} 1`)
		assert.Contains(t, body, `zkid_verifications_total{result="ok"} 1`)
	})
}

func TestRegisterJSON(t *testing.T) {
	h := newTestServer(t, nil)

	body, ct := multipartBody(t,
		map[string]string{"nid": "42", "password": "pw"},
		map[string][]byte{"image": []byte("bob.jpg")})
	req := httptest.NewRequest(http.MethodPost, "/register", body)
	req.Header.Set("Content-Type", ct)
	req.Header.Set("Accept", "application/json")
	rr := do(t, h, req)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var resp RegisterResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, rr.Header().Get(HeaderNIDHash), resp.Record.NIDHash)
	assert.NotEmpty(t, rr.Header().Get(HeaderRegisteredAt))

	// The raw envelope logs in without a QR.
	rr = postForm(t, h, "/login",
		map[string]string{"password": "pw", "envelope_b64": resp.Envelope},
		map[string][]byte{"image": []byte("bob.jpg")})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	_, err := base64.StdEncoding.DecodeString(resp.QR)
	assert.NoError(t, err)
}

func TestBadRequests(t *testing.T) {
	h := newTestServer(t, nil)

	tests := []struct {
		name   string
		rr     func() *httptest.ResponseRecorder
		status int
	}{
		{"RegisterNoImage", func() *httptest.ResponseRecorder {
			return postForm(t, h, "/register", map[string]string{"nid": "1", "password": "pw"}, nil)
		}, http.StatusBadRequest},
		{"RegisterNoPassword", func() *httptest.ResponseRecorder {
			return postForm(t, h, "/register", map[string]string{"nid": "1"}, map[string][]byte{"image": []byte("alice.jpg")})
		}, http.StatusBadRequest},
		{"RegisterNotMultipart", func() *httptest.ResponseRecorder {
			return postJSON(t, h, "/register", map[string]string{"nid": "1"})
		}, http.StatusBadRequest},
		{"RegisterNoFace", func() *httptest.ResponseRecorder {
			return postForm(t, h, "/register", map[string]string{"nid": "1", "password": "pw"}, map[string][]byte{"image": []byte("cat.jpg")})
		}, http.StatusBadRequest},
		{"LoginNoEnvelope", func() *httptest.ResponseRecorder {
			return postForm(t, h, "/login", map[string]string{"password": "pw"}, map[string][]byte{"image": []byte("alice.jpg")})
		}, http.StatusBadRequest},
		{"LoginBadBase64", func() *httptest.ResponseRecorder {
			return postForm(t, h, "/login", map[string]string{"password": "pw", "envelope_b64": "%%%"}, map[string][]byte{"image": []byte("alice.jpg")})
		}, http.StatusBadRequest},
		{"LoginNotAQR", func() *httptest.ResponseRecorder {
			return postForm(t, h, "/login", map[string]string{"password": "pw"}, map[string][]byte{"image": []byte("alice.jpg"), "envelope": []byte("png?")})
		}, http.StatusBadRequest},
		{"VerifyGarbage", func() *httptest.ResponseRecorder {
			req := httptest.NewRequest(http.MethodPost, "/verify", strings.NewReader("{"))
			return do(t, h, req)
		}, http.StatusBadRequest},
		{"VerifyUnknownField", func() *httptest.ResponseRecorder {
			return postJSON(t, h, "/verify", map[string]string{"extra": "1"})
		}, http.StatusBadRequest},
		{"VerifyIncomplete", func() *httptest.ResponseRecorder {
			return postJSON(t, h, "/verify", identity.Proof{NIDHash: strings.Repeat("ab", 32)})
		}, http.StatusBadRequest},
		{"LoginDirectDisabled", func() *httptest.ResponseRecorder {
			return postForm(t, h, "/login/direct", map[string]string{"password": "pw", "envelope_b64": "AAAA"}, map[string][]byte{"image": []byte("alice.jpg")})
		}, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := tt.rr()
			assert.Equal(t, tt.status, rr.Code, rr.Body.String())
			assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
		})
	}
}

func TestUploadLimit(t *testing.T) {
	h := newTestServer(t, func(_ *identity.Dependencies, cfg *Config) {
		cfg.MaxUploadBytes = 1024
	})
	rr := postForm(t, h, "/register",
		map[string]string{"nid": "1", "password": "pw"},
		map[string][]byte{"image": bytes.Repeat([]byte{0xff}, 4096)})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestLoginDirectEnabled(t *testing.T) {
	h := newTestServer(t, func(deps *identity.Dependencies, _ *Config) {
		deps.Config.AllowDirectLogin = true
	})
	qr, nidHash := register(t, h, "7", "alice.jpg", "pw")

	rr := postForm(t, h, "/login/direct",
		map[string]string{"password": "pw"},
		map[string][]byte{"envelope": qr, "image": []byte("alice.jpg")})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var v identity.Verification
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v))
	assert.True(t, v.Valid)
	assert.Equal(t, nidHash, v.NIDHash)
	assert.NotEmpty(t, v.Token)
}

func TestWithoutSigner(t *testing.T) {
	h := newTestServer(t, func(deps *identity.Dependencies, _ *Config) {
		deps.Signer = nil
	})
	qr, _ := register(t, h, "8", "alice.jpg", "pw")

	rr := login(t, h, qr, "alice.jpg", "pw")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var proof identity.Proof
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &proof))

	rr = postJSON(t, h, "/verify", proof)
	require.Equal(t, http.StatusOK, rr.Code)
	var v identity.Verification
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v))
	assert.True(t, v.Valid)
	assert.Empty(t, v.Token)

	assert.Equal(t, http.StatusNotFound, get(t, h, "/.well-known/jwks.json").Code)
	assert.Equal(t, http.StatusNotFound, get(t, h, "/me").Code)
}

func TestHealth(t *testing.T) {
	t.Run("OK", func(t *testing.T) {
		rr := get(t, newTestServer(t, nil), "/health")
		require.Equal(t, http.StatusOK, rr.Code)
		var body map[string]any
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
		assert.Equal(t, "ok", body["status"])
		assert.Equal(t, "secp256k1", body["curve"])
	})

	t.Run("LedgerClosed", func(t *testing.T) {
		l := ledger.NewMemoryLedger()
		h := newTestServer(t, func(deps *identity.Dependencies, _ *Config) { deps.Ledger = l })
		require.NoError(t, l.Close())

		rr := get(t, h, "/health")
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
		assert.Contains(t, rr.Body.String(), "degraded")
	})
}

func TestRateLimited(t *testing.T) {
	h := newTestServer(t, func(_ *identity.Dependencies, cfg *Config) {
		cfg.RateLimit = 2
	})
	for i := 0; i < 2; i++ {
		rr := postJSON(t, h, "/verify", map[string]string{})
		require.NotEqual(t, http.StatusTooManyRequests, rr.Code)
	}
	rr := postJSON(t, h, "/verify", map[string]string{})
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)

	// Reads are not limited.
	assert.Equal(t, http.StatusOK, get(t, h, "/users").Code)
}

func TestRequestIDInErrors(t *testing.T) {
	h := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/users/nope", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rr := do(t, h, req)

	var body errorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "req-123", body.RequestID)
	assert.Equal(t, "req-123", rr.Header().Get("X-Request-ID"))
}
