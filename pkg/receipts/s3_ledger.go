package receipts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// s3API is the subset of the S3 client the ledger uses.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3LedgerConfig holds configuration for S3Ledger.
type S3LedgerConfig struct {
	Bucket   string
	Region   string
	Endpoint string // Optional custom endpoint (MinIO, LocalStack)
	Prefix   string // Optional key prefix
}

// S3Ledger writes one immutable object per action. Conditional writes
// (If-None-Match: *) make the object key the duplicate guard.
type S3Ledger struct {
	client s3API
	bucket string
	prefix string
}

// NewS3Ledger creates an S3-backed receipt ledger.
func NewS3Ledger(ctx context.Context, cfg S3LedgerConfig) (*S3Ledger, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Required for MinIO/LocalStack
		}
	})
	return newS3Ledger(client, cfg.Bucket, cfg.Prefix), nil
}

func newS3Ledger(client s3API, bucket, prefix string) *S3Ledger {
	return &S3Ledger{client: client, bucket: bucket, prefix: prefix}
}

func (l *S3Ledger) key(actionID string) string {
	return l.prefix + "receipts/" + actionID + ".json"
}

func (l *S3Ledger) Write(ctx context.Context, r *Receipt) (string, error) {
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

	key := l.key(rec.ActionID)
	_, err = l.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(l.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		IfNoneMatch: aws.String("*"),
		Metadata:    map[string]string{"receipt-id": rec.ReceiptID},
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			switch apiErr.ErrorCode() {
			case "PreconditionFailed", "ConditionalRequestConflict":
				return "", ErrDuplicateReceipt
			}
		}
		return "", fmt.Errorf("s3 put failed: %w", err)
	}
	return rec.ReceiptID, nil
}
