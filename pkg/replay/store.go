// Package replay provides one-time-use nonce ledgers keyed by (session, nonce).
package replay

import (
	"context"
	"strings"
	"sync"
	"time"
)

// NonceStore atomically consumes a nonce. Use returns false when the
// (session, nonce) pair was already consumed; at most one concurrent caller
// observes true for the same pair.
type NonceStore interface {
	Use(ctx context.Context, session, nonce string) (bool, error)
}

func key(session, nonce string) string {
	return strings.ToLower(session) + ":" + nonce
}

// MemoryStore is a process-local NonceStore.
// Entries older than the retention window are pruned lazily.
type MemoryStore struct {
	mu        sync.Mutex
	seen      map[string]time.Time
	retention time.Duration
	lastPrune time.Time
	now       func() time.Time
}

// NewMemoryStore creates a store. A zero retention keeps every nonce forever.
func NewMemoryStore(retention time.Duration) *MemoryStore {
	return &MemoryStore{
		seen:      make(map[string]time.Time),
		retention: retention,
		now:       time.Now,
	}
}

// WithClock overrides the time source.
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.now = now
	return m
}

func (m *MemoryStore) Use(_ context.Context, session, nonce string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.prune(now)

	k := key(session, nonce)
	if _, used := m.seen[k]; used {
		return false, nil
	}
	m.seen[k] = now
	return true, nil
}

// prune drops expired entries at most once per retention window. Caller holds mu.
func (m *MemoryStore) prune(now time.Time) {
	if m.retention <= 0 || now.Sub(m.lastPrune) < m.retention {
		return
	}
	for k, at := range m.seen {
		if now.Sub(at) > m.retention {
			delete(m.seen, k)
		}
	}
	m.lastPrune = now
}
