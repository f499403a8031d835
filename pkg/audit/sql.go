package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"
)

const eventSchema = `
CREATE TABLE IF NOT EXISTS enforcement_events (
	event_id TEXT PRIMARY KEY,
	action_id TEXT NOT NULL,
	agent_address TEXT NOT NULL DEFAULT '',
	route_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	details TEXT NOT NULL DEFAULT '{}',
	created_at BIGINT NOT NULL,
	seq BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_enforcement_events_action ON enforcement_events (action_id, created_at, seq);
`

// SQLSink persists events to the enforcement_events table. seq orders
// events written by this process within the same instant.
type SQLSink struct {
	db    *sql.DB
	clock func() time.Time
	seq   atomic.Int64
}

func NewSQLSink(db *sql.DB) *SQLSink {
	return &SQLSink{db: db, clock: time.Now}
}

// Init creates the events table.
func (s *SQLSink) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, eventSchema); err != nil {
		return fmt.Errorf("failed to init event schema: %w", err)
	}
	return nil
}

func (s *SQLSink) Append(ctx context.Context, e Event) error {
	e = stamp(e, s.clock())
	details := []byte("{}")
	if len(e.Details) > 0 {
		b, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("failed to encode event details: %w", err)
		}
		details = b
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO enforcement_events (event_id, action_id, agent_address, route_id, event_type, details, created_at, seq)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.EventID, e.ActionID, e.AgentAddress, e.RouteID, string(e.EventType), string(details), e.CreatedAt.UnixNano(), s.seq.Add(1))
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func (s *SQLSink) ListByAction(ctx context.Context, actionID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, action_id, agent_address, route_id, event_type, details, created_at
		FROM enforcement_events WHERE action_id = $1 ORDER BY created_at, seq`, actionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e         Event
			eventType string
			details   string
			createdAt int64
		)
		if err := rows.Scan(&e.EventID, &e.ActionID, &e.AgentAddress, &e.RouteID, &eventType, &details, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.EventType = EventType(eventType)
		e.CreatedAt = time.Unix(0, createdAt).UTC()
		if details != "" && details != "{}" {
			if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
				return nil, fmt.Errorf("failed to decode event details: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
