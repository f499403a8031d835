//go:build gcp

package receipts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// GCSLedgerConfig holds configuration for GCSLedger.
type GCSLedgerConfig struct {
	Bucket string
	Prefix string // Optional object prefix
}

// GCSLedger writes one immutable object per action with a DoesNotExist
// precondition, so a second write for the same action fails.
type GCSLedger struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSLedger creates a GCS-backed receipt ledger (uses ADC).
func NewGCSLedger(ctx context.Context, cfg GCSLedgerConfig) (*GCSLedger, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSLedger{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (l *GCSLedger) Write(ctx context.Context, r *Receipt) (string, error) {
	rec := *r
	if rec.ReceiptID == "" {
		rec.ReceiptID = NewReceiptID()
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("failed to encode receipt: %w", err)
	}

	obj := l.client.Bucket(l.bucket).Object(l.prefix + "receipts/" + rec.ActionID + ".json")
	w := obj.If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = "application/json"
	w.Metadata = map[string]string{"receipt-id": rec.ReceiptID}

	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed {
			return "", ErrDuplicateReceipt
		}
		return "", fmt.Errorf("gcs close failed: %w", err)
	}
	return rec.ReceiptID, nil
}

// Close releases the GCS client.
func (l *GCSLedger) Close() error {
	return l.client.Close()
}
