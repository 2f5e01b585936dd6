//go:build gcp

package store

import (
	"context"
	"fmt"
	"os"
)

func newGCSFromEnv(ctx context.Context) (Store, error) {
	bucket := os.Getenv("BUNDLE_GCS_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("store: BUNDLE_GCS_BUCKET is required for the gcs backend")
	}
	return NewGCSStore(ctx, GCSConfig{
		Bucket: bucket,
		Prefix: os.Getenv("BUNDLE_GCS_PREFIX"),
	})
}
