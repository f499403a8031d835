package receipts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const receiptSchema = `
CREATE TABLE IF NOT EXISTS payment_receipts (
	receipt_id TEXT PRIMARY KEY,
	action_id TEXT NOT NULL UNIQUE,
	agent TEXT NOT NULL,
	payer TEXT NOT NULL,
	amount_atomic TEXT NOT NULL,
	asset TEXT NOT NULL,
	route_id TEXT NOT NULL,
	payment_ref TEXT NOT NULL,
	metadata_hash TEXT NOT NULL,
	tx_hash TEXT NOT NULL DEFAULT '',
	recorded_at BIGINT NOT NULL
);
`

// SQLStore is the relational receipt mirror. The unique action_id column
// makes it usable as the ledger in single-node deployments.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Init creates the receipts table.
func (s *SQLStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, receiptSchema); err != nil {
		return fmt.Errorf("failed to init receipt schema: %w", err)
	}
	return nil
}

func (s *SQLStore) Write(ctx context.Context, r *Receipt) (string, error) {
	id := r.ReceiptID
	if id == "" {
		id = NewReceiptID()
	}
	recordedAt := r.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO payment_receipts (receipt_id, action_id, agent, payer, amount_atomic, asset, route_id, payment_ref, metadata_hash, tx_hash, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (action_id) DO NOTHING`,
		id, r.ActionID, r.Agent, r.Payer, r.AmountAtomic, r.Asset, r.RouteID, r.PaymentRef, r.MetadataHash, r.TxHash, recordedAt.Unix())
	if err != nil {
		return "", fmt.Errorf("failed to store receipt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("failed to store receipt: %w", err)
	}
	if n == 0 {
		return "", ErrDuplicateReceipt
	}
	return id, nil
}

// GetByAction returns the receipt recorded for actionID, or nil.
func (s *SQLStore) GetByAction(ctx context.Context, actionID string) (*Receipt, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT receipt_id, action_id, agent, payer, amount_atomic, asset, route_id, payment_ref, metadata_hash, tx_hash, recorded_at
		FROM payment_receipts WHERE action_id = $1`, actionID)

	var (
		r          Receipt
		recordedAt int64
	)
	err := row.Scan(&r.ReceiptID, &r.ActionID, &r.Agent, &r.Payer, &r.AmountAtomic, &r.Asset, &r.RouteID,
		&r.PaymentRef, &r.MetadataHash, &r.TxHash, &recordedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get receipt: %w", err)
	}
	r.RecordedAt = time.Unix(recordedAt, 0).UTC()
	return &r, nil
}
