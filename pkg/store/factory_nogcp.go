//go:build !gcp

package store

import (
	"context"
	"fmt"
)

func newGCSFromEnv(ctx context.Context) (Store, error) {
	return nil, fmt.Errorf("store: GCS backend is not enabled in this build (use -tags gcp)")
}
