//go:build !gcp

package receipts

import (
	"context"
	"fmt"
)

func newGCSLedger(ctx context.Context, cfg LedgerConfig) (Writer, error) {
	return nil, fmt.Errorf("GCS receipt ledger is not enabled in this build (use -tags gcp)")
}
