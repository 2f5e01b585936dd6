package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Backend selects the bundle store implementation.
type Backend string

const (
	BackendFS  Backend = "fs"
	BackendS3  Backend = "s3"
	BackendGCS Backend = "gcs"
)

// NewFromEnv creates a bundle store based on environment variables.
//
//   - BUNDLE_STORE_BACKEND: "fs" (default), "s3", or "gcs"
//   - DATA_DIR: base directory for the filesystem store (default "data")
//
// For S3:
//   - BUNDLE_S3_BUCKET (required)
//   - BUNDLE_S3_REGION or AWS_REGION
//   - BUNDLE_S3_ENDPOINT (optional, MinIO/LocalStack)
//   - BUNDLE_S3_PREFIX (optional)
//
// For GCS:
//   - BUNDLE_GCS_BUCKET (required)
//   - BUNDLE_GCS_PREFIX (optional)
func NewFromEnv(ctx context.Context) (Store, error) {
	backend := Backend(os.Getenv("BUNDLE_STORE_BACKEND"))
	if backend == "" {
		backend = BackendFS
	}

	switch backend {
	case BackendFS:
		dataDir := os.Getenv("DATA_DIR")
		if dataDir == "" {
			dataDir = "data"
		}
		return NewFileStore(filepath.Join(dataDir, "bundles"))
	case BackendS3:
		return newS3FromEnv(ctx)
	case BackendGCS:
		return newGCSFromEnv(ctx)
	default:
		return nil, fmt.Errorf("store: unsupported backend: %s", backend)
	}
}

func newS3FromEnv(ctx context.Context) (Store, error) {
	bucket := os.Getenv("BUNDLE_S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("store: BUNDLE_S3_BUCKET is required for the s3 backend")
	}

	region := os.Getenv("BUNDLE_S3_REGION")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}

	return NewS3Store(ctx, S3Config{
		Bucket:   bucket,
		Region:   region,
		Endpoint: os.Getenv("BUNDLE_S3_ENDPOINT"),
		Prefix:   os.Getenv("BUNDLE_S3_PREFIX"),
	})
}
