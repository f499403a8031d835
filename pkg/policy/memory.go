package policy

import (
	"context"
	"math/big"
	"sync"
	"time"
)

// MemoryStore is an in-memory PassportClient and SessionClient.
// It backs tests and local development from a seed file.
type MemoryStore struct {
	mu        sync.RWMutex
	passports map[string]*Passport
	sessions  map[string]*Session
	now       func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		passports: make(map[string]*Passport),
		sessions:  make(map[string]*Session),
		now:       time.Now,
	}
}

// WithClock overrides the time source used for liveness checks.
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.now = now
	return m
}

// PutPassport adds or replaces the passport for p.Agent.
func (m *MemoryStore) PutPassport(p *Passport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.passports[NormalizeAddress(p.Agent)] = clonePassport(p)
}

// PutSession adds or replaces the session for s.Session.
func (m *MemoryStore) PutSession(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[NormalizeAddress(s.Session)] = cloneSession(s)
}

// RevokePassport marks the agent's passport revoked. Unknown agents are ignored.
func (m *MemoryStore) RevokePassport(agent string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.passports[NormalizeAddress(agent)]; ok {
		p.Revoked = true
	}
}

// RevokeSession marks a session revoked. Unknown sessions are ignored.
func (m *MemoryStore) RevokeSession(session string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[NormalizeAddress(session)]; ok {
		s.Revoked = true
	}
}

func (m *MemoryStore) GetPassport(_ context.Context, agent string) (*Passport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.passports[NormalizeAddress(agent)]
	if !ok {
		return nil, nil
	}
	return clonePassport(p), nil
}

func (m *MemoryStore) IsScopeAllowed(ctx context.Context, agent, scope string) (bool, error) {
	p, err := m.GetPassport(ctx, agent)
	if err != nil || p == nil {
		return false, err
	}
	return p.AllowsScope(scope), nil
}

func (m *MemoryStore) IsServiceAllowed(ctx context.Context, agent, service string) (bool, error) {
	p, err := m.GetPassport(ctx, agent)
	if err != nil || p == nil {
		return false, err
	}
	return p.AllowsService(service), nil
}

func (m *MemoryStore) GetSession(_ context.Context, session string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[NormalizeAddress(session)]
	if !ok {
		return nil, nil
	}
	return cloneSession(s), nil
}

func (m *MemoryStore) IsSessionActive(ctx context.Context, session string) (bool, error) {
	s, err := m.GetSession(ctx, session)
	if err != nil || s == nil {
		return false, err
	}
	return s.Active(m.now()), nil
}

func (m *MemoryStore) HasScope(ctx context.Context, session, scope string) (bool, error) {
	s, err := m.GetSession(ctx, session)
	if err != nil || s == nil {
		return false, err
	}
	return s.HasScope(scope), nil
}

func clonePassport(p *Passport) *Passport {
	cp := *p
	if p.PerCallCap != nil {
		cp.PerCallCap = new(big.Int).Set(p.PerCallCap)
	}
	if p.DailyCap != nil {
		cp.DailyCap = new(big.Int).Set(p.DailyCap)
	}
	cp.Scopes = cloneSet(p.Scopes)
	cp.Services = cloneSet(p.Services)
	return &cp
}

func cloneSession(s *Session) *Session {
	cp := *s
	cp.Scopes = cloneSet(s.Scopes)
	return &cp
}

func cloneSet(in map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(in))
	for k := range in {
		out[NormalizeName(k)] = struct{}{}
	}
	return out
}
