package quote

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/paygate/pkg/payment"
)

const quoteSchema = `
CREATE TABLE IF NOT EXISTS payment_quotes (
	action_id TEXT PRIMARY KEY,
	route_id TEXT NOT NULL,
	agent TEXT NOT NULL,
	asset TEXT NOT NULL,
	amount_atomic TEXT NOT NULL,
	pay_to TEXT NOT NULL,
	expires_at BIGINT NOT NULL,
	facilitator_url TEXT NOT NULL DEFAULT '',
	protocol_mode TEXT NOT NULL,
	settled BOOLEAN NOT NULL DEFAULT FALSE,
	settlement_ref TEXT NOT NULL DEFAULT '',
	tx_hash TEXT NOT NULL DEFAULT '',
	settled_at BIGINT NOT NULL DEFAULT 0
)`

const paymentRefSchema = `
CREATE TABLE IF NOT EXISTS payment_refs (
	ref TEXT PRIMARY KEY,
	action_id TEXT NOT NULL,
	used_at BIGINT NOT NULL
)`

// SQLStore implements Store on a relational table.
type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, now: time.Now}
}

// Init creates the quotes and payment refs tables.
func (s *SQLStore) Init(ctx context.Context) error {
	for _, stmt := range []string{quoteSchema, paymentRefSchema} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to init quote schema: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, actionID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT action_id, route_id, agent, asset, amount_atomic, pay_to, expires_at, facilitator_url, protocol_mode,
			settled, settlement_ref, tx_hash, settled_at
		FROM payment_quotes WHERE action_id = $1`, actionID)

	var (
		r         Record
		c         = &r.Challenge
		settledAt int64
	)
	err := row.Scan(&c.ActionID, &r.RouteID, &r.Agent, &c.Asset, &c.AmountAtomic, &c.PayTo, &c.ExpiresAt,
		&c.FacilitatorURL, &c.ProtocolMode, &r.Settled, &r.SettlementRef, &r.TxHash, &settledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get quote: %w", err)
	}
	c.RouteID = r.RouteID
	if settledAt > 0 {
		r.SettledAt = time.Unix(settledAt, 0)
	}
	return &r, nil
}

// Save upserts the quote for actionID. Settled rows are left untouched.
func (s *SQLStore) Save(ctx context.Context, actionID string, c *payment.Challenge, routeID, agent string) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO payment_quotes (action_id, route_id, agent, asset, amount_atomic, pay_to, expires_at, facilitator_url, protocol_mode)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (action_id) DO UPDATE SET
			route_id = EXCLUDED.route_id,
			agent = EXCLUDED.agent,
			asset = EXCLUDED.asset,
			amount_atomic = EXCLUDED.amount_atomic,
			pay_to = EXCLUDED.pay_to,
			expires_at = EXCLUDED.expires_at,
			facilitator_url = EXCLUDED.facilitator_url,
			protocol_mode = EXCLUDED.protocol_mode
		WHERE payment_quotes.settled = FALSE`,
		actionID, routeID, agent, c.Asset, c.AmountAtomic, c.PayTo, c.ExpiresAt, c.FacilitatorURL, c.ProtocolMode)
	if err != nil {
		return fmt.Errorf("failed to save quote: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrAlreadySettled
	}
	return nil
}

// MarkSettled flips the quote to settled and claims its payment refs in one
// transaction. A ref already held by another action rolls the whole settlement back.
func (s *SQLStore) MarkSettled(ctx context.Context, actionID, settlementRef, txHash string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin settlement: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now().Unix()
	res, err := tx.ExecContext(ctx,
		"UPDATE payment_quotes SET settled = TRUE, settlement_ref = $2, tx_hash = $3, settled_at = $4 WHERE action_id = $1 AND settled = FALSE",
		actionID, settlementRef, txHash, now)
	if err != nil {
		return fmt.Errorf("failed to settle quote: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to settle quote: %w", err)
	}
	if n == 0 {
		_ = tx.Rollback()
		existing, err := s.Get(ctx, actionID)
		if err != nil {
			return err
		}
		if existing == nil {
			return ErrNotFound
		}
		return ErrAlreadySettled
	}

	for _, key := range paymentKeys(settlementRef, txHash) {
		res, err := tx.ExecContext(ctx,
			"INSERT INTO payment_refs (ref, action_id, used_at) VALUES ($1, $2, $3) ON CONFLICT (ref) DO NOTHING",
			key, actionID, now)
		if err != nil {
			return fmt.Errorf("failed to claim payment ref: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("failed to claim payment ref: %w", err)
		} else if n == 0 {
			return ErrPaymentReused
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit settlement: %w", err)
	}
	return nil
}
