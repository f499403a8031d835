// Package audit records the append-only trail of enforcement decisions.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventType names one enforcement decision.
type EventType string

const (
	EventIdentityVerified  EventType = "IDENTITY_VERIFIED"
	EventSessionVerified   EventType = "SESSION_VERIFIED"
	EventPassportVerified  EventType = "PASSPORT_VERIFIED"
	EventScopeVerified     EventType = "SCOPE_VERIFIED"
	EventServiceVerified   EventType = "SERVICE_VERIFIED"
	EventRateLimitVerified EventType = "RATE_LIMIT_VERIFIED"
	EventBudgetVerified    EventType = "BUDGET_VERIFIED"
	EventQuoteIssued       EventType = "QUOTE_ISSUED"
	EventPaymentVerified   EventType = "PAYMENT_VERIFIED"
	EventReceiptRecorded   EventType = "RECEIPT_RECORDED"
	EventRequestBlocked    EventType = "REQUEST_BLOCKED"
)

// Event is one entry of an action's audit trail.
type Event struct {
	EventID      string         `json:"eventId"`
	ActionID     string         `json:"actionId"`
	AgentAddress string         `json:"agentAddress,omitempty"`
	RouteID      string         `json:"routeId"`
	EventType    EventType      `json:"eventType"`
	Details      map[string]any `json:"details,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	PrevHash     string         `json:"prevHash,omitempty"`
	Hash         string         `json:"hash,omitempty"`
}

// Sink accepts events. Append must not mutate the caller's event.
type Sink interface {
	Append(ctx context.Context, e Event) error
}

// Reader exposes the trail of a single action in append order.
type Reader interface {
	ListByAction(ctx context.Context, actionID string) ([]Event, error)
}

func stamp(e Event, now time.Time) Event {
	if e.EventID == "" {
		e.EventID = "evt_" + uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now.UTC()
	}
	return e
}
