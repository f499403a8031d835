package receipts

import (
	"context"
	"fmt"
)

// LedgerType selects the receipt ledger backend.
type LedgerType string

const (
	LedgerTypeSQL LedgerType = "sql"
	LedgerTypeS3  LedgerType = "s3"
	LedgerTypeGCS LedgerType = "gcs"
)

// LedgerConfig configures NewWriter.
type LedgerConfig struct {
	Type     LedgerType
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

// NewWriter builds the receipt writer for cfg. The SQL mirror is always
// written; with an object-store ledger it holds the mirrored copy.
func NewWriter(ctx context.Context, cfg LedgerConfig, mirror *SQLStore) (Writer, error) {
	var m Writer
	if mirror != nil {
		m = mirror
	}

	switch cfg.Type {
	case "", LedgerTypeSQL:
		if m == nil {
			return nil, fmt.Errorf("the sql receipt ledger requires a database")
		}
		return m, nil
	case LedgerTypeS3:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("a bucket is required for the s3 receipt ledger")
		}
		region := cfg.Region
		if region == "" {
			region = "us-east-1"
		}
		ledger, err := NewS3Ledger(ctx, S3LedgerConfig{Bucket: cfg.Bucket, Region: region, Endpoint: cfg.Endpoint, Prefix: cfg.Prefix})
		if err != nil {
			return nil, err
		}
		return NewComposite(ledger, m), nil
	case LedgerTypeGCS:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("a bucket is required for the gcs receipt ledger")
		}
		ledger, err := newGCSLedger(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return NewComposite(ledger, m), nil
	default:
		return nil, fmt.Errorf("unsupported receipt ledger type: %s", cfg.Type)
	}
}
