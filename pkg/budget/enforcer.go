// Package budget tracks verified spend per agent against a daily cap.
// Days are UTC calendar days.
package budget

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"
)

// Service answers whether an agent may spend more today and records spend.
// Reserve holds cost against the cap until the reservation is committed or
// released, so concurrent requests cannot both pass the same remaining budget.
type Service interface {
	CanSpend(ctx context.Context, agent string, cost, dailyCap *big.Int) (bool, error)
	Reserve(ctx context.Context, agent string, cost, dailyCap *big.Int) (*Reservation, bool, error)
	RecordSpend(ctx context.Context, agent string, amount *big.Int) error
}

// Storage persists per-agent spend by UTC day (formatted "2006-01-02").
type Storage interface {
	SpentOn(ctx context.Context, agent, day string) (*big.Int, error)
	Add(ctx context.Context, agent, day string, amount *big.Int) error
}

// Enforcer implements fail-closed budget checks over a Storage.
type Enforcer struct {
	storage Storage
	now     func() time.Time
	logger  *slog.Logger

	mu   sync.Mutex
	held map[string]*big.Int // agent@day -> reserved, not yet recorded
}

// NewEnforcer creates an enforcer over s.
func NewEnforcer(s Storage) *Enforcer {
	return &Enforcer{
		storage: s,
		now:     time.Now,
		logger:  slog.Default().With("component", "budget"),
		held:    make(map[string]*big.Int),
	}
}

// WithClock overrides the time source.
func (e *Enforcer) WithClock(now func() time.Time) *Enforcer {
	e.now = now
	return e
}

// Day returns the UTC day key for t.
func Day(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// CanSpend reports whether spentToday + held + cost <= dailyCap. A cost above
// the cap is denied without consulting storage. Storage errors deny.
func (e *Enforcer) CanSpend(ctx context.Context, agent string, cost, dailyCap *big.Int) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok, err := e.check(ctx, agent, cost, dailyCap)
	return ok, err
}

// Reserve checks like CanSpend and, when the spend fits, holds cost until the
// returned reservation is committed or released.
func (e *Enforcer) Reserve(ctx context.Context, agent string, cost, dailyCap *big.Int) (*Reservation, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key, ok, err := e.check(ctx, agent, cost, dailyCap)
	if err != nil || !ok {
		return nil, false, err
	}
	held, found := e.held[key]
	if !found {
		held = new(big.Int)
		e.held[key] = held
	}
	held.Add(held, cost)
	return &Reservation{enforcer: e, agent: agent, key: key, amount: new(big.Int).Set(cost)}, true, nil
}

// check must be called with e.mu held.
func (e *Enforcer) check(ctx context.Context, agent string, cost, dailyCap *big.Int) (string, bool, error) {
	if cost == nil || dailyCap == nil || cost.Sign() < 0 {
		return "", false, fmt.Errorf("budget: invalid cost or cap")
	}
	if cost.Cmp(dailyCap) > 0 {
		return "", false, nil
	}

	day := Day(e.now())
	spent, err := e.storage.SpentOn(ctx, agent, day)
	if err != nil {
		// FAIL-CLOSED
		e.logger.ErrorContext(ctx, "spend lookup failed", "agent", agent, "error", err)
		return "", false, err
	}

	key := strings.ToLower(agent) + "@" + day
	next := new(big.Int).Add(spent, cost)
	if held, ok := e.held[key]; ok {
		next.Add(next, held)
	}
	if next.Cmp(dailyCap) > 0 {
		e.logger.InfoContext(ctx, "daily cap exceeded", "agent", agent, "next", next.String(), "cap", dailyCap.String())
		return key, false, nil
	}
	return key, true, nil
}

// releaseLocked must be called with e.mu held.
func (e *Enforcer) releaseLocked(key string, amount *big.Int) {
	held, ok := e.held[key]
	if !ok {
		return
	}
	held.Sub(held, amount)
	if held.Sign() <= 0 {
		delete(e.held, key)
	}
}

// Reservation is budget held for one in-flight request.
type Reservation struct {
	enforcer *Enforcer
	agent    string
	key      string
	amount   *big.Int

	once sync.Once
}

// Amount returns the reserved cost.
func (r *Reservation) Amount() *big.Int { return new(big.Int).Set(r.amount) }

// Commit records amount as spent and drops the hold in one step. The hold is
// dropped even when recording fails. Only the first Commit or Release counts.
func (r *Reservation) Commit(ctx context.Context, amount *big.Int) error {
	var err error
	r.once.Do(func() {
		e := r.enforcer
		e.mu.Lock()
		defer e.mu.Unlock()
		err = e.RecordSpend(ctx, r.agent, amount)
		e.releaseLocked(r.key, r.amount)
	})
	return err
}

// Release drops the hold without recording spend. Safe to call on nil, more
// than once, and after Commit.
func (r *Reservation) Release() {
	if r == nil {
		return
	}
	r.once.Do(func() {
		e := r.enforcer
		e.mu.Lock()
		defer e.mu.Unlock()
		e.releaseLocked(r.key, r.amount)
	})
}

// RecordSpend adds amount to today's spend for agent.
func (e *Enforcer) RecordSpend(ctx context.Context, agent string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return nil
	}
	if err := e.storage.Add(ctx, agent, Day(e.now()), amount); err != nil {
		return fmt.Errorf("failed to record spend: %w", err)
	}
	return nil
}
