package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Mindburn-Labs/paygate/pkg/canonicalize"
)

// MemorySink keeps every event in memory, chained by hash in append order.
type MemorySink struct {
	mu       sync.RWMutex
	events   []Event
	byAction map[string][]int
	lastHash string
	clock    func() time.Time
}

func NewMemorySink() *MemorySink {
	return &MemorySink{byAction: make(map[string][]int), clock: time.Now}
}

// WithClock overrides the clock used to stamp events.
func (m *MemorySink) WithClock(clock func() time.Time) *MemorySink {
	m.clock = clock
	return m
}

func (m *MemorySink) Append(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e = stamp(e, m.clock())
	e.Details = cloneDetails(e.Details)
	e.PrevHash = m.lastHash
	h, err := hashEvent(e)
	if err != nil {
		return err
	}
	e.Hash = h
	m.lastHash = h

	m.byAction[e.ActionID] = append(m.byAction[e.ActionID], len(m.events))
	m.events = append(m.events, e)
	return nil
}

func (m *MemorySink) ListByAction(_ context.Context, actionID string) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx := m.byAction[actionID]
	out := make([]Event, 0, len(idx))
	for _, i := range idx {
		out = append(out, copyEvent(m.events[i]))
	}
	return out, nil
}

// All returns a copy of the full trail.
func (m *MemorySink) All() []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Event, len(m.events))
	for i, e := range m.events {
		out[i] = copyEvent(e)
	}
	return out
}

// VerifyChain recomputes every hash. It returns the index of the first broken
// link, or -1 when the chain is intact.
func (m *MemorySink) VerifyChain() (bool, int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return VerifyChain(m.events)
}

// VerifyChain checks that events form an unbroken hash chain.
func VerifyChain(events []Event) (bool, int) {
	prev := ""
	for i, e := range events {
		if e.PrevHash != prev {
			return false, i
		}
		h, err := hashEvent(e)
		if err != nil || h != e.Hash {
			return false, i
		}
		prev = e.Hash
	}
	return true, -1
}

func hashEvent(e Event) (string, error) {
	e.Hash = ""
	h, err := canonicalize.SHA256Hex(e)
	if err != nil {
		return "", fmt.Errorf("failed to hash event: %w", err)
	}
	return h, nil
}

func copyEvent(e Event) Event {
	e.Details = cloneDetails(e.Details)
	return e
}

func cloneDetails(d map[string]any) map[string]any {
	if d == nil {
		return nil
	}
	out := make(map[string]any, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}
