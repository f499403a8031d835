// Package quote persists issued payment challenges keyed by action id.
package quote

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/Mindburn-Labs/paygate/pkg/payment"
)

var (
	// ErrNotFound is returned by MarkSettled for an action with no saved quote.
	ErrNotFound = errors.New("quote not found")
	// ErrAlreadySettled is returned by MarkSettled when the quote was settled before.
	ErrAlreadySettled = errors.New("quote already settled")
	// ErrPaymentReused is returned by MarkSettled when the settlement ref or tx
	// hash already settled a different action.
	ErrPaymentReused = errors.New("payment already used")
)

// Record is a saved challenge with its binding and settlement state.
type Record struct {
	Challenge     payment.Challenge
	RouteID       string
	Agent         string
	Settled       bool
	SettlementRef string
	TxHash        string
	SettledAt     time.Time
}

// Store persists quotes. Get returns nil, nil for an unknown action id.
// MarkSettled is a compare-and-set: only the first settlement succeeds, and a
// settlement ref or tx hash settles at most one action.
type Store interface {
	Get(ctx context.Context, actionID string) (*Record, error)
	Save(ctx context.Context, actionID string, c *payment.Challenge, routeID, agent string) error
	MarkSettled(ctx context.Context, actionID, settlementRef, txHash string) error
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	used    map[string]string // payment key -> action id
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record), used: make(map[string]string), now: time.Now}
}

func (m *MemoryStore) Get(_ context.Context, actionID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[actionID]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

// Save stores or replaces the quote for actionID. A settled quote is never replaced.
func (m *MemoryStore) Save(_ context.Context, actionID string, c *payment.Challenge, routeID, agent string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.records[actionID]; ok && r.Settled {
		return ErrAlreadySettled
	}
	m.records[actionID] = &Record{Challenge: *c, RouteID: routeID, Agent: agent}
	return nil
}

func (m *MemoryStore) MarkSettled(_ context.Context, actionID, settlementRef, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[actionID]
	if !ok {
		return ErrNotFound
	}
	if r.Settled {
		return ErrAlreadySettled
	}
	keys := paymentKeys(settlementRef, txHash)
	for _, k := range keys {
		if owner, ok := m.used[k]; ok && owner != actionID {
			return ErrPaymentReused
		}
	}
	for _, k := range keys {
		m.used[k] = actionID
	}
	r.Settled = true
	r.SettlementRef = settlementRef
	r.TxHash = txHash
	r.SettledAt = m.now()
	return nil
}

// paymentKeys returns the uniqueness keys of a settlement. Tx hashes compare
// case-insensitively; facilitator refs are opaque.
func paymentKeys(settlementRef, txHash string) []string {
	var keys []string
	if txHash != "" {
		keys = append(keys, "tx:"+strings.ToLower(txHash))
	}
	if settlementRef != "" && !strings.EqualFold(settlementRef, txHash) {
		keys = append(keys, "ref:"+settlementRef)
	}
	return keys
}
