package identity

import (
	"errors"
	"fmt"

	"github.com/allsmog/zkid-go/pkg/biometric"
	"github.com/allsmog/zkid-go/pkg/envelope"
	"github.com/allsmog/zkid-go/pkg/ledger"
)

// Error taxonomy. Every error returned by Service matches exactly one of
// these with errors.Is; the underlying cause stays reachable as well.
var (
	// ErrInvalidInput covers missing fields and malformed hashes, points and
	// scalars. It is raised before any cryptographic work.
	ErrInvalidInput = errors.New("invalid input")

	// ErrAlreadyExists is a duplicate nidHash at registration.
	ErrAlreadyExists = errors.New("identity already registered")

	// ErrNotFound is an unknown nidHash.
	ErrNotFound = errors.New("identity not found")

	// ErrDecryptionFailure is a wrong password or a tampered envelope.
	ErrDecryptionFailure = errors.New("envelope decryption failed")

	// ErrBiometricMismatch means the live face does not match the enrolled
	// one. The proof engine is not engaged.
	ErrBiometricMismatch = errors.New("biometric mismatch")

	// ErrProofInvalid means a well-formed proof failed verification.
	ErrProofInvalid = errors.New("proof invalid")

	// ErrCollaboratorUnavailable means the ledger or the biometric service
	// could not answer. Callers may retry.
	ErrCollaboratorUnavailable = errors.New("collaborator unavailable")

	// ErrEnvelopeDelivery means the identity was committed to the ledger but
	// its envelope could not be produced. The record stays; re-registration
	// reports ErrAlreadyExists.
	ErrEnvelopeDelivery = errors.New("identity registered but envelope delivery failed")

	// ErrDirectLoginDisabled is returned by LoginDirect unless enabled.
	ErrDirectLoginDisabled = errors.New("direct login disabled")
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

func ledgerErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ledger.ErrAlreadyExists):
		return fmt.Errorf("%w: %w", ErrAlreadyExists, err)
	case errors.Is(err, ledger.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, ledger.ErrInvalidRecord):
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	default:
		return fmt.Errorf("%w: ledger: %w", ErrCollaboratorUnavailable, err)
	}
}

func biometricErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, biometric.ErrDimensionMismatch):
		return fmt.Errorf("%w: %w", ErrBiometricMismatch, err)
	case errors.Is(err, biometric.ErrRejected), errors.Is(err, biometric.ErrEmptyEmbedding):
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	default:
		return fmt.Errorf("%w: biometric: %w", ErrCollaboratorUnavailable, err)
	}
}

func envelopeErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, envelope.ErrQRDecode):
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	default:
		return fmt.Errorf("%w: %w", ErrDecryptionFailure, err)
	}
}

// result labels an outcome for metrics and logs.
func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrDecryptionFailure):
		return "decryption_failure"
	case errors.Is(err, ErrBiometricMismatch):
		return "biometric_mismatch"
	case errors.Is(err, ErrProofInvalid):
		return "proof_invalid"
	case errors.Is(err, ErrCollaboratorUnavailable):
		return "unavailable"
	case errors.Is(err, ErrEnvelopeDelivery):
		return "envelope_delivery"
	case errors.Is(err, ErrDirectLoginDisabled):
		return "disabled"
	default:
		return "error"
	}
}
