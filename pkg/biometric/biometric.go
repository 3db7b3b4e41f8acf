// Package biometric talks to the face embedding service and compares
// embeddings.
//
// The service is a black box: it turns an image into a fixed-length float
// vector and decides whether two vectors belong to the same person. The
// identity core only depends on the Embedder and Comparer interfaces.
package biometric

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"math"
)

var (
	// ErrUnavailable indicates the embedding service could not be reached
	// or failed internally. Callers may retry.
	ErrUnavailable = errors.New("biometric: service unavailable")

	// ErrRejected indicates the service refused the input, for example an
	// image without a detectable face.
	ErrRejected = errors.New("biometric: input rejected")

	// ErrDimensionMismatch indicates embeddings of different length.
	ErrDimensionMismatch = errors.New("biometric: embedding dimension mismatch")

	// ErrEmptyEmbedding indicates a zero-length or all-zero embedding.
	ErrEmptyEmbedding = errors.New("biometric: empty embedding")
)

// Embedding is a face feature vector.
type Embedding []float64

// Hash returns the SHA-256 hex digest of the embedding: every component as
// big-endian IEEE 754 float64 bits, in order. It is the faceHash that keys
// secret derivation, so it must be stable across encode/decode round trips.
func (e Embedding) Hash() string {
	h := sha256.New()
	var buf [8]byte
	for _, v := range e {
		binary.BigEndian.PutUint64(buf[:], math.Float64bits(v))
		h.Write(buf[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Validate rejects empty vectors and non-finite components.
func (e Embedding) Validate() error {
	if len(e) == 0 {
		return ErrEmptyEmbedding
	}
	nonZero := false
	for _, v := range e {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.New("biometric: non-finite embedding component")
		}
		if v != 0 {
			nonZero = true
		}
	}
	if !nonZero {
		return ErrEmptyEmbedding
	}
	return nil
}

// Comparison is the outcome of matching a live embedding against the
// enrolled one.
type Comparison struct {
	CosineSimilarity  float64 `json:"cosine_similarity"`
	EuclideanDistance float64 `json:"euclidean_distance"`
	SamePerson        bool    `json:"is_same_person"`
}

// Embedder turns an image into an embedding.
type Embedder interface {
	Embed(ctx context.Context, image []byte) (Embedding, error)
}

// Comparer decides whether two embeddings belong to the same person.
type Comparer interface {
	Compare(ctx context.Context, live, enrolled Embedding) (*Comparison, error)
}

// Service is the full biometric collaborator.
type Service interface {
	Embedder
	Comparer
}

// combined joins an Embedder with a separate Comparer.
type combined struct {
	Embedder
	Comparer
}

// Ping forwards to the embedder when it can report health.
func (c combined) Ping(ctx context.Context) error {
	if p, ok := c.Embedder.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Combine builds a Service from independent parts, for example the remote
// embedder with a local CosineComparer.
func Combine(e Embedder, c Comparer) Service {
	return combined{Embedder: e, Comparer: c}
}
