// Package policy provides read-only views over externally governed
// authorization state: passports (owner to agent grants) and sessions
// (agent to signing key delegations), plus the static route policy table.
package policy

import (
	"context"
	"math/big"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Passport is an owner's standing, revocable grant of capability to an agent.
type Passport struct {
	Owner           string
	Agent           string
	ExpiresAt       int64 // unix seconds
	PerCallCap      *big.Int
	DailyCap        *big.Int
	RateLimitPerMin int
	Revoked         bool
	Scopes          map[string]struct{}
	Services        map[string]struct{}
}

// Expired reports whether the passport is past its expiry at now.
func (p *Passport) Expired(now time.Time) bool {
	return p.ExpiresAt <= now.Unix()
}

// AllowsScope reports whether scope is in the passport's scopes.
func (p *Passport) AllowsScope(scope string) bool {
	_, ok := p.Scopes[NormalizeName(scope)]
	return ok
}

// AllowsService reports whether service is in the passport's allow-list.
func (p *Passport) AllowsService(service string) bool {
	_, ok := p.Services[NormalizeName(service)]
	return ok
}

// Session is a time-boxed delegation from an agent to a session signing key.
// An empty Scopes set inherits every scope of the passport.
type Session struct {
	Owner     string
	Agent     string
	Session   string
	ExpiresAt int64
	Revoked   bool
	Scopes    map[string]struct{}
}

// Expired reports whether the session is past its expiry at now.
func (s *Session) Expired(now time.Time) bool {
	return s.ExpiresAt <= now.Unix()
}

// Active reports whether the session is neither revoked nor expired.
func (s *Session) Active(now time.Time) bool {
	return !s.Revoked && !s.Expired(now)
}

// HasScope reports whether the session permits scope.
func (s *Session) HasScope(scope string) bool {
	if len(s.Scopes) == 0 {
		return true
	}
	_, ok := s.Scopes[NormalizeName(scope)]
	return ok
}

// PassportClient reads passports by agent address.
// GetPassport returns nil, nil when the agent has no passport.
type PassportClient interface {
	GetPassport(ctx context.Context, agent string) (*Passport, error)
	IsScopeAllowed(ctx context.Context, agent, scope string) (bool, error)
	IsServiceAllowed(ctx context.Context, agent, service string) (bool, error)
}

// SessionClient reads sessions by session address.
// GetSession returns nil, nil when the session is unknown.
type SessionClient interface {
	GetSession(ctx context.Context, session string) (*Session, error)
	IsSessionActive(ctx context.Context, session string) (bool, error)
	HasScope(ctx context.Context, session, scope string) (bool, error)
}

// NormalizeName canonicalizes a scope or service name: trimmed, NFC, case folded.
// A Caser is stateful, so one is created per call.
func NormalizeName(s string) string {
	return cases.Fold().String(norm.NFC.String(strings.TrimSpace(s)))
}

// NormalizeAddress canonicalizes a hex address for map keys and comparisons.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// NameSet builds a normalized set from a list of names.
func NameSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		if n = NormalizeName(n); n != "" {
			set[n] = struct{}{}
		}
	}
	return set
}

// SetNames returns the members of a set. Order is unspecified.
func SetNames(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	return out
}
