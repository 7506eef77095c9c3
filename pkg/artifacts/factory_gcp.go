//go:build gcp

package artifacts

import (
	"context"
	"fmt"
	"os"
)

func newGCSStoreFromEnv(ctx context.Context) (Store, error) {
	bucket := os.Getenv("KEEL_ARTIFACT_GCS_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("artifacts: KEEL_ARTIFACT_GCS_BUCKET is required when KEEL_ARTIFACT_STORE=gcs")
	}
	return NewGCSStore(ctx, GCSStoreConfig{
		Bucket: bucket,
		Prefix: os.Getenv("KEEL_ARTIFACT_GCS_PREFIX"),
	})
}
