package replay

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const nonceSchema = `
CREATE TABLE IF NOT EXISTS used_nonces (
	session_address TEXT NOT NULL,
	nonce TEXT NOT NULL,
	used_at BIGINT NOT NULL,
	PRIMARY KEY (session_address, nonce)
);
`

// SQLStore implements NonceStore on a relational table. The primary key makes
// the insert the atomic check-and-set.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a store over db.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Init creates the nonce table.
func (s *SQLStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, nonceSchema); err != nil {
		return fmt.Errorf("failed to init nonce schema: %w", err)
	}
	return nil
}

func (s *SQLStore) Use(ctx context.Context, session, nonce string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO used_nonces (session_address, nonce, used_at) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING",
		strings.ToLower(session), nonce, time.Now().Unix())
	if err != nil {
		return false, fmt.Errorf("failed to record nonce: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to record nonce: %w", err)
	}
	return n == 1, nil
}
