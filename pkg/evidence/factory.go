package evidence

import (
	"context"
	"fmt"
	"os"
)

// StoreType selects the evidence storage backend.
type StoreType string

const (
	StoreTypeFS  StoreType = "fs"
	StoreTypeS3  StoreType = "s3"
	StoreTypeGCS StoreType = "gcs"
)

// NewStoreFromEnv creates an evidence store from environment variables.
//
//   - EVIDENCE_STORAGE_TYPE: "fs" (default), "s3", or "gcs"
//   - EVIDENCE_DIR: base directory for the fs store (default "artifacts")
//
// For S3:
//   - EVIDENCE_S3_BUCKET (required), EVIDENCE_S3_REGION or AWS_REGION
//   - EVIDENCE_S3_ENDPOINT (optional, MinIO/LocalStack), EVIDENCE_S3_PREFIX
//
// For GCS (requires -tags gcp):
//   - EVIDENCE_GCS_BUCKET (required), EVIDENCE_GCS_PREFIX
func NewStoreFromEnv(ctx context.Context) (Store, error) {
	storeType := StoreType(os.Getenv("EVIDENCE_STORAGE_TYPE"))
	if storeType == "" {
		storeType = StoreTypeFS
	}
	switch storeType {
	case StoreTypeFS:
		dir := os.Getenv("EVIDENCE_DIR")
		if dir == "" {
			dir = "artifacts"
		}
		return NewFileStore(dir)
	case StoreTypeS3:
		bucket := os.Getenv("EVIDENCE_S3_BUCKET")
		if bucket == "" {
			return nil, fmt.Errorf("evidence: EVIDENCE_S3_BUCKET is required for s3 storage")
		}
		region := os.Getenv("EVIDENCE_S3_REGION")
		if region == "" {
			region = os.Getenv("AWS_REGION")
		}
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3StoreConfig{
			Bucket:   bucket,
			Region:   region,
			Endpoint: os.Getenv("EVIDENCE_S3_ENDPOINT"),
			Prefix:   os.Getenv("EVIDENCE_S3_PREFIX"),
		})
	case StoreTypeGCS:
		return newGCSStoreFromEnv(ctx)
	default:
		return nil, fmt.Errorf("evidence: unsupported storage type %q", storeType)
	}
}
