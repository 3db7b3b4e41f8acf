// Package ledger defines the durable store of public identity records and
// its adapters.
//
// A record is written once, at registration, and never updated. The ledger
// owns the nidHash uniqueness constraint and assigns RegisteredAt itself;
// any value supplied by the caller is ignored.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"
)

// Record is the public part of an identity.
type Record struct {
	NIDHash      string    `json:"nidHash"`
	Sx           string    `json:"Sx"`
	Sy           string    `json:"Sy"`
	Salt         string    `json:"salt"`
	Curve        string    `json:"curve"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// Validate checks the fields a caller must supply.
func (r *Record) Validate() error {
	switch {
	case r == nil:
		return fmt.Errorf("%w: nil record", ErrInvalidRecord)
	case r.NIDHash == "":
		return fmt.Errorf("%w: missing nidHash", ErrInvalidRecord)
	case r.Sx == "":
		return fmt.Errorf("%w: missing public key", ErrInvalidRecord)
	case r.Salt == "":
		return fmt.Errorf("%w: missing salt", ErrInvalidRecord)
	case r.Curve == "":
		return fmt.Errorf("%w: missing curve", ErrInvalidRecord)
	}
	return nil
}

// Modification is one entry of a key's change history.
type Modification struct {
	TxID      string    `json:"txId"`
	Timestamp time.Time `json:"timestamp"`
	Value     *Record   `json:"value,omitempty"`
	IsDelete  bool      `json:"isDelete"`
}

// Ledger stores identity records.
//
// NIDHashes and History return lazy, finite sequences. Each range over the
// returned sequence starts a fresh scan; an error is yielded as the final
// element.
type Ledger interface {
	// Register writes a new record and returns it as stored.
	// Fails with ErrAlreadyExists if nidHash is present.
	Register(ctx context.Context, rec Record) (*Record, error)

	// GetPublicKey returns the record for nidHash or ErrNotFound.
	GetPublicKey(ctx context.Context, nidHash string) (*Record, error)

	// Exists reports whether nidHash is registered.
	Exists(ctx context.Context, nidHash string) (bool, error)

	// NIDHashes enumerates registered identities in insertion order.
	NIDHashes(ctx context.Context) iter.Seq2[string, error]

	// History enumerates the modifications of nidHash, oldest first.
	// An unknown key yields an empty sequence.
	History(ctx context.Context, nidHash string) iter.Seq2[Modification, error]

	// Ping checks the ledger is reachable.
	Ping(ctx context.Context) error

	// Close releases the ledger's resources.
	Close() error
}

var (
	// ErrAlreadyExists indicates nidHash is already registered
	ErrAlreadyExists = errors.New("ledger: identity already exists")

	// ErrNotFound indicates nidHash is not registered
	ErrNotFound = errors.New("ledger: identity not found")

	// ErrInvalidRecord indicates a record missing required fields
	ErrInvalidRecord = errors.New("ledger: invalid record")

	// ErrClosed indicates use after Close
	ErrClosed = errors.New("ledger: closed")
)

// Collect drains a sequence into a slice, stopping at the first error.
func Collect[T any](seq iter.Seq2[T, error]) ([]T, error) {
	var out []T
	for v, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
	return out, nil
}
