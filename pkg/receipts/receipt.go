// Package receipts durably records verified settlements. Every writer rejects
// a second receipt for the same action id with ErrDuplicateReceipt.
package receipts

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrDuplicateReceipt is returned when a receipt for the action already exists.
var ErrDuplicateReceipt = errors.New("receipt already recorded for action")

// Receipt is the record of one completed, paid action.
type Receipt struct {
	ReceiptID    string    `json:"receiptId,omitempty"`
	ActionID     string    `json:"actionId"`
	Agent        string    `json:"agent"`
	Payer        string    `json:"payer"`
	AmountAtomic string    `json:"amountAtomic"`
	Asset        string    `json:"asset"`
	RouteID      string    `json:"routeId"`
	PaymentRef   string    `json:"paymentRef"`
	MetadataHash string    `json:"metadataHash"`
	TxHash       string    `json:"txHash,omitempty"`
	RecordedAt   time.Time `json:"recordedAt"`
}

// Writer records a receipt and returns its durable identifier.
type Writer interface {
	Write(ctx context.Context, r *Receipt) (string, error)
}

// NewReceiptID mints an opaque receipt identifier.
func NewReceiptID() string {
	return "rcpt_" + uuid.NewString()
}

// MemoryWriter keeps receipts in memory.
type MemoryWriter struct {
	mu       sync.RWMutex
	byAction map[string]Receipt
}

func NewMemoryWriter() *MemoryWriter {
	return &MemoryWriter{byAction: make(map[string]Receipt)}
}

func (m *MemoryWriter) Write(_ context.Context, r *Receipt) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byAction[r.ActionID]; ok {
		return "", ErrDuplicateReceipt
	}
	rec := *r
	if rec.ReceiptID == "" {
		rec.ReceiptID = NewReceiptID()
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}
	m.byAction[rec.ActionID] = rec
	return rec.ReceiptID, nil
}

// Get returns the receipt for actionID.
func (m *MemoryWriter) Get(actionID string) (Receipt, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.byAction[actionID]
	return r, ok
}

// Composite writes to the ledger first, then mirrors the receipt under the
// ledger's identifier. The ledger decides duplicates.
type Composite struct {
	ledger Writer
	mirror Writer
	logger *slog.Logger
}

// NewComposite creates a composite writer. mirror may be nil.
func NewComposite(ledger, mirror Writer) *Composite {
	return &Composite{ledger: ledger, mirror: mirror, logger: slog.Default().With("component", "receipts")}
}

func (c *Composite) Write(ctx context.Context, r *Receipt) (string, error) {
	id, err := c.ledger.Write(ctx, r)
	if err != nil {
		return "", err
	}
	if c.mirror == nil {
		return id, nil
	}

	mirrored := *r
	mirrored.ReceiptID = id
	if _, err := c.mirror.Write(ctx, &mirrored); err != nil {
		// The ledger is authoritative; the mirror is rebuilt from it.
		c.logger.ErrorContext(ctx, "receipt mirror write failed", "action_id", r.ActionID, "receipt_id", id, "error", err)
	}
	return id, nil
}
