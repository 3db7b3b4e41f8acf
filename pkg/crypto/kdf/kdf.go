// Package kdf maps biometric material to the identity's secret scalar.
//
// The mapping must be a pure function: registration and every later login
// re-derive the same k from (faceHash, salt) and k itself is never stored.
//
//	k = HKDF-SHA256(ikm = biometricHash, salt = salt, info = "zkid/1/secret/<curve>") mod n
//
// The HKDF output is 16 bytes wider than the group order so the modular
// reduction bias stays below 2^-128. A zero result is remapped to 1.
package kdf

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"

	"github.com/allsmog/zkid-go/pkg/crypto/curve"
)

const (
	// DomainSecret is the HKDF info prefix for secret derivation.
	DomainSecret = "zkid/1/secret/"

	// SaltSize is the number of random bytes in a per-identity salt.
	SaltSize = 32

	reductionMargin = 16
)

var (
	// ErrEmptyInput indicates missing derivation material.
	ErrEmptyInput = errors.New("kdf: empty input")
)

// DeriveSecret deterministically derives the secret scalar k.
func DeriveSecret(crv curve.Curve, biometricHash, salt []byte) (curve.Scalar, error) {
	if len(biometricHash) == 0 || len(salt) == 0 {
		return nil, ErrEmptyInput
	}

	out := make([]byte, curve.ScalarSize(crv)+reductionMargin)
	defer zero(out)

	reader := hkdf.New(sha256.New, biometricHash, salt, []byte(DomainSecret+crv.Name()))
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, fmt.Errorf("kdf: expand: %w", err)
	}

	k := curve.ReduceScalar(crv, out)
	if k.Sign() == 0 {
		k.SetInt64(1)
	}
	return curve.ScalarFromBigInt(crv, k)
}

// DeriveSecretHex is DeriveSecret over the hex strings carried by the
// envelope and the ledger.
func DeriveSecretHex(crv curve.Curve, faceHash, salt string) (curve.Scalar, error) {
	fh, err := hex.DecodeString(faceHash)
	if err != nil {
		return nil, fmt.Errorf("kdf: face hash: %w", err)
	}
	s, err := hex.DecodeString(salt)
	if err != nil {
		return nil, fmt.Errorf("kdf: salt: %w", err)
	}
	return DeriveSecret(crv, fh, s)
}

// PublicKey returns S = k*G for a derived secret.
func PublicKey(crv curve.Curve, k curve.Scalar) (curve.Point, error) {
	S := crv.ScalarBaseMult(k)
	if S == nil {
		return nil, fmt.Errorf("kdf: %w", curve.ErrInvalidPoint)
	}
	if err := crv.ValidatePoint(S); err != nil {
		return nil, fmt.Errorf("kdf: %w", err)
	}
	return S, nil
}

// NewSalt returns SaltSize fresh random bytes, hex encoded.
func NewSalt() (string, error) {
	b := make([]byte, SaltSize)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("kdf: salt: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// HashNID returns the SHA-256 hex digest of a national identity number.
func HashNID(nidNumber string) (string, error) {
	nid := strings.TrimSpace(nidNumber)
	if nid == "" {
		return "", ErrEmptyInput
	}
	sum := sha256.Sum256([]byte(nid))
	return hex.EncodeToString(sum[:]), nil
}

// IsDigestHex reports whether s looks like a SHA-256 hex digest.
func IsDigestHex(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
