//go:build gcp

package receipts

import "context"

func newGCSLedger(ctx context.Context, cfg LedgerConfig) (Writer, error) {
	return NewGCSLedger(ctx, GCSLedgerConfig{Bucket: cfg.Bucket, Prefix: cfg.Prefix})
}
