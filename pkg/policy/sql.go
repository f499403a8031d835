package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"
)

const policySchema = `
CREATE TABLE IF NOT EXISTS passports (
	agent TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	expires_at BIGINT NOT NULL,
	per_call_cap TEXT NOT NULL,
	daily_cap TEXT NOT NULL,
	rate_limit_per_min INTEGER NOT NULL DEFAULT 0,
	revoked BOOLEAN NOT NULL DEFAULT FALSE,
	scopes TEXT NOT NULL DEFAULT '[]',
	services TEXT NOT NULL DEFAULT '[]'
);
CREATE TABLE IF NOT EXISTS sessions (
	session_address TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	agent TEXT NOT NULL,
	expires_at BIGINT NOT NULL,
	revoked BOOLEAN NOT NULL DEFAULT FALSE,
	scopes TEXT NOT NULL DEFAULT '[]'
);
`

// SQLStore reads passports and sessions from a relational mirror of the
// authorization ledger. Works with both lib/pq and modernc sqlite.
type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLStore creates a store over db.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, now: time.Now}
}

// Init creates the policy tables.
func (s *SQLStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, policySchema); err != nil {
		return fmt.Errorf("failed to init policy schema: %w", err)
	}
	return nil
}

// UpsertPassport writes a passport row, replacing any existing one for the agent.
func (s *SQLStore) UpsertPassport(ctx context.Context, p *Passport) error {
	scopes, _ := json.Marshal(SetNames(p.Scopes))
	services, _ := json.Marshal(SetNames(p.Services))
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO passports (agent, owner, expires_at, per_call_cap, daily_cap, rate_limit_per_min, revoked, scopes, services)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (agent) DO UPDATE SET
			owner = EXCLUDED.owner,
			expires_at = EXCLUDED.expires_at,
			per_call_cap = EXCLUDED.per_call_cap,
			daily_cap = EXCLUDED.daily_cap,
			rate_limit_per_min = EXCLUDED.rate_limit_per_min,
			revoked = EXCLUDED.revoked,
			scopes = EXCLUDED.scopes,
			services = EXCLUDED.services`,
		NormalizeAddress(p.Agent), NormalizeAddress(p.Owner), p.ExpiresAt,
		bigString(p.PerCallCap), bigString(p.DailyCap), p.RateLimitPerMin, p.Revoked,
		string(scopes), string(services))
	if err != nil {
		return fmt.Errorf("failed to upsert passport: %w", err)
	}
	return nil
}

// UpsertSession writes a session row, replacing any existing one.
func (s *SQLStore) UpsertSession(ctx context.Context, sess *Session) error {
	scopes, _ := json.Marshal(SetNames(sess.Scopes))
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_address, owner, agent, expires_at, revoked, scopes)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (session_address) DO UPDATE SET
			owner = EXCLUDED.owner,
			agent = EXCLUDED.agent,
			expires_at = EXCLUDED.expires_at,
			revoked = EXCLUDED.revoked,
			scopes = EXCLUDED.scopes`,
		NormalizeAddress(sess.Session), NormalizeAddress(sess.Owner), NormalizeAddress(sess.Agent),
		sess.ExpiresAt, sess.Revoked, string(scopes))
	if err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}
	return nil
}

func (s *SQLStore) GetPassport(ctx context.Context, agent string) (*Passport, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT agent, owner, expires_at, per_call_cap, daily_cap, rate_limit_per_min, revoked, scopes, services FROM passports WHERE agent = $1",
		NormalizeAddress(agent))

	var (
		p                Passport
		perCall, daily   string
		scopes, services string
	)
	err := row.Scan(&p.Agent, &p.Owner, &p.ExpiresAt, &perCall, &daily, &p.RateLimitPerMin, &p.Revoked, &scopes, &services)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get passport: %w", err)
	}

	var ok bool
	if p.PerCallCap, ok = new(big.Int).SetString(perCall, 10); !ok {
		return nil, fmt.Errorf("passport %s: invalid per_call_cap %q", p.Agent, perCall)
	}
	if p.DailyCap, ok = new(big.Int).SetString(daily, 10); !ok {
		return nil, fmt.Errorf("passport %s: invalid daily_cap %q", p.Agent, daily)
	}
	if p.Scopes, err = decodeNames(scopes); err != nil {
		return nil, fmt.Errorf("passport %s: %w", p.Agent, err)
	}
	if p.Services, err = decodeNames(services); err != nil {
		return nil, fmt.Errorf("passport %s: %w", p.Agent, err)
	}
	return &p, nil
}

func (s *SQLStore) IsScopeAllowed(ctx context.Context, agent, scope string) (bool, error) {
	p, err := s.GetPassport(ctx, agent)
	if err != nil || p == nil {
		return false, err
	}
	return p.AllowsScope(scope), nil
}

func (s *SQLStore) IsServiceAllowed(ctx context.Context, agent, service string) (bool, error) {
	p, err := s.GetPassport(ctx, agent)
	if err != nil || p == nil {
		return false, err
	}
	return p.AllowsService(service), nil
}

func (s *SQLStore) GetSession(ctx context.Context, session string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT session_address, owner, agent, expires_at, revoked, scopes FROM sessions WHERE session_address = $1",
		NormalizeAddress(session))

	var (
		sess   Session
		scopes string
	)
	err := row.Scan(&sess.Session, &sess.Owner, &sess.Agent, &sess.ExpiresAt, &sess.Revoked, &scopes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if sess.Scopes, err = decodeNames(scopes); err != nil {
		return nil, fmt.Errorf("session %s: %w", sess.Session, err)
	}
	return &sess, nil
}

func (s *SQLStore) IsSessionActive(ctx context.Context, session string) (bool, error) {
	sess, err := s.GetSession(ctx, session)
	if err != nil || sess == nil {
		return false, err
	}
	return sess.Active(s.now()), nil
}

func (s *SQLStore) HasScope(ctx context.Context, session, scope string) (bool, error) {
	sess, err := s.GetSession(ctx, session)
	if err != nil || sess == nil {
		return false, err
	}
	return sess.HasScope(scope), nil
}

func decodeNames(raw string) (map[string]struct{}, error) {
	var names []string
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &names); err != nil {
			return nil, fmt.Errorf("invalid name list: %w", err)
		}
	}
	return NameSet(names), nil
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
