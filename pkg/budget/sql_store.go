package budget

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
)

const spendSchema = `
CREATE TABLE IF NOT EXISTS budget_spend (
	id TEXT PRIMARY KEY,
	agent TEXT NOT NULL,
	day TEXT NOT NULL,
	amount_atomic TEXT NOT NULL,
	created_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_budget_spend_agent_day ON budget_spend (agent, day);
`

// SQLStorage records each spend as a row and sums the day's rows on read.
// Amounts exceed 64 bits, so summing happens in Go.
type SQLStorage struct {
	db *sql.DB
}

func NewSQLStorage(db *sql.DB) *SQLStorage {
	return &SQLStorage{db: db}
}

// Init creates the spend table.
func (s *SQLStorage) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, spendSchema); err != nil {
		return fmt.Errorf("failed to init budget schema: %w", err)
	}
	return nil
}

func (s *SQLStorage) SpentOn(ctx context.Context, agent, day string) (*big.Int, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT amount_atomic FROM budget_spend WHERE agent = $1 AND day = $2",
		strings.ToLower(agent), day)
	if err != nil {
		return nil, fmt.Errorf("failed to query spend: %w", err)
	}
	defer func() { _ = rows.Close() }()

	total := new(big.Int)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan spend: %w", err)
		}
		v, ok := new(big.Int).SetString(raw, 10)
		if !ok {
			return nil, fmt.Errorf("invalid spend amount %q", raw)
		}
		total.Add(total, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read spend: %w", err)
	}
	return total, nil
}

func (s *SQLStorage) Add(ctx context.Context, agent, day string, amount *big.Int) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO budget_spend (id, agent, day, amount_atomic, created_at) VALUES ($1, $2, $3, $4, $5)",
		uuid.NewString(), strings.ToLower(agent), day, amount.String(), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to persist spend: %w", err)
	}
	return nil
}
