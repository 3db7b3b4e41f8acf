package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/allsmog/zkid-go/pkg/identity"
	mw "github.com/allsmog/zkid-go/pkg/middleware"
)

// errAuthenticationFailed is the single body for a biometric mismatch and a
// failed proof, so a caller cannot tell which check rejected them.
const errAuthenticationFailed = "authentication failed"

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warnf("encode response: %v", err)
	}
}

// writeError maps the identity error taxonomy to HTTP.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := http.StatusInternalServerError, "internal error"

	switch {
	case errors.Is(err, identity.ErrInvalidInput):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, identity.ErrAlreadyExists):
		status, msg = http.StatusConflict, "identity already registered"
	case errors.Is(err, identity.ErrNotFound):
		status, msg = http.StatusNotFound, "identity not found"
	case errors.Is(err, identity.ErrDecryptionFailure):
		status, msg = http.StatusUnauthorized, "envelope could not be opened"
	case errors.Is(err, identity.ErrBiometricMismatch), errors.Is(err, identity.ErrProofInvalid):
		status, msg = http.StatusUnauthorized, errAuthenticationFailed
	case errors.Is(err, identity.ErrDirectLoginDisabled):
		status, msg = http.StatusForbidden, "direct login is disabled"
	case errors.Is(err, identity.ErrCollaboratorUnavailable),
		errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		w.Header().Set("Retry-After", "5")
		status, msg = http.StatusServiceUnavailable, "service temporarily unavailable"
	case errors.Is(err, identity.ErrEnvelopeDelivery):
		msg = "identity registered but the envelope could not be delivered; recover it out of band"
	}

	reqID := mw.GetRequestID(r.Context())
	if status >= http.StatusInternalServerError {
		log.Errorw("request failed", "path", r.URL.Path, "status", status, "request_id", reqID, "err", err)
	} else {
		log.Debugw("request rejected", "path", r.URL.Path, "status", status, "request_id", reqID, "err", err)
	}

	writeJSON(w, status, errorResponse{Error: msg, RequestID: reqID})
}
