package ledger

import (
	"context"
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLedger implements Ledger using in-memory storage
// This is suitable for development and testing, but not for production
type MemoryLedger struct {
	mu      sync.RWMutex
	records map[string]*Record
	order   []string
	history map[string][]Modification
	closed  bool

	now func() time.Time
}

// NewMemoryLedger creates a new in-memory ledger
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		records: make(map[string]*Record),
		history: make(map[string][]Modification),
		now:     time.Now,
	}
}

// Register writes a new record
func (l *MemoryLedger) Register(ctx context.Context, rec Record) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrClosed
	}
	if _, exists := l.records[rec.NIDHash]; exists {
		return nil, ErrAlreadyExists
	}

	rec.RegisteredAt = l.now().UTC()
	stored := rec
	l.records[rec.NIDHash] = &stored
	l.order = append(l.order, rec.NIDHash)

	value := rec
	l.history[rec.NIDHash] = append(l.history[rec.NIDHash], Modification{
		TxID:      uuid.NewString(),
		Timestamp: rec.RegisteredAt,
		Value:     &value,
	})

	// Return a copy to avoid race conditions
	return &rec, nil
}

// GetPublicKey retrieves a record by nidHash
func (l *MemoryLedger) GetPublicKey(ctx context.Context, nidHash string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return nil, ErrClosed
	}
	rec, exists := l.records[nidHash]
	if !exists {
		return nil, ErrNotFound
	}

	recCopy := *rec
	return &recCopy, nil
}

// Exists checks if nidHash is registered
func (l *MemoryLedger) Exists(ctx context.Context, nidHash string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return false, ErrClosed
	}
	_, exists := l.records[nidHash]
	return exists, nil
}

// NIDHashes enumerates identities in insertion order. Each range takes a
// snapshot of the order so callers may read the ledger while iterating.
func (l *MemoryLedger) NIDHashes(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		l.mu.RLock()
		if l.closed {
			l.mu.RUnlock()
			yield("", ErrClosed)
			return
		}
		snapshot := make([]string, len(l.order))
		copy(snapshot, l.order)
		l.mu.RUnlock()

		for _, h := range snapshot {
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}
			if !yield(h, nil) {
				return
			}
		}
	}
}

// History enumerates modifications of nidHash
func (l *MemoryLedger) History(ctx context.Context, nidHash string) iter.Seq2[Modification, error] {
	return func(yield func(Modification, error) bool) {
		l.mu.RLock()
		if l.closed {
			l.mu.RUnlock()
			yield(Modification{}, ErrClosed)
			return
		}
		mods := make([]Modification, len(l.history[nidHash]))
		for i, m := range l.history[nidHash] {
			mods[i] = m
			if m.Value != nil {
				v := *m.Value
				mods[i].Value = &v
			}
		}
		l.mu.RUnlock()

		for _, m := range mods {
			if err := ctx.Err(); err != nil {
				yield(Modification{}, err)
				return
			}
			if !yield(m, nil) {
				return
			}
		}
	}
}

// Ping checks if the ledger is healthy
func (l *MemoryLedger) Ping(ctx context.Context) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return ErrClosed
	}
	return ctx.Err()
}

// Close marks the ledger closed; later calls fail with ErrClosed
func (l *MemoryLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.closed = true
	return nil
}

// Stats returns ledger statistics for monitoring
func (l *MemoryLedger) Stats() map[string]int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return map[string]int{
		"identities": len(l.records),
	}
}
