// Package replay remembers verified proof transcripts so the same
// transcript is never accepted twice.
package replay

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"
)

// DefaultTTL is how long a verified transcript is remembered.
const DefaultTTL = 10 * time.Minute

// Store records transcripts. Seen reports whether key was already recorded
// and records it otherwise, atomically.
type Store interface {
	Seen(key string) bool
	Cleanup()
}

// TranscriptKey identifies a proof by identity and commitment. The
// challenge and response are functions of these two for an honest prover,
// so the commitment alone pins the transcript. commitment must be the
// canonical point encoding.
func TranscriptKey(nidHash string, commitment []byte) string {
	h := sha256.New()
	h.Write([]byte(strings.ToLower(nidHash)))
	h.Write([]byte{0})
	h.Write(commitment)
	return hex.EncodeToString(h.Sum(nil))
}

// MemoryStore keeps transcripts in a map with per-entry expiry. It suits a
// single verifier instance.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]time.Time
	ttl     time.Duration
	now     func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// NewMemoryStore creates a store remembering entries for ttl and sweeps
// expired ones every interval. A zero interval disables the sweeper.
func NewMemoryStore(ttl, interval time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &MemoryStore{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	if interval > 0 {
		go s.cleanupLoop(interval)
	}
	return s
}

// Seen checks if key has been recorded and not yet expired, and records it
// if not.
func (s *MemoryStore) Seen(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if exp, ok := s.entries[key]; ok && now.Before(exp) {
		return true
	}
	s.entries[key] = now.Add(s.ttl)
	return false
}

// Cleanup removes expired entries.
func (s *MemoryStore) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, exp := range s.entries {
		if !now.Before(exp) {
			delete(s.entries, key)
		}
	}
}

func (s *MemoryStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Cleanup()
		case <-s.stop:
			return
		}
	}
}

// Size returns the number of entries, expired ones included until the next
// sweep.
func (s *MemoryStore) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close stops the sweeper.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

// NoOpStore never reports a replay.
type NoOpStore struct{}

// Seen always returns false.
func (NoOpStore) Seen(string) bool { return false }

// Cleanup does nothing.
func (NoOpStore) Cleanup() {}
