package artifacts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// NewStoreFromEnv builds the blob store a node was configured for.
// KEEL_ARTIFACT_STORE selects the backend: "fs" (default), "s3" or
// "gcs".
//
//	fs:  KEEL_ARTIFACT_DIR (default "data/artifacts")
//	s3:  KEEL_ARTIFACT_S3_BUCKET (required),
//	     KEEL_ARTIFACT_S3_REGION (falls back to AWS_REGION, then
//	     us-east-1), KEEL_ARTIFACT_S3_ENDPOINT for MinIO/LocalStack,
//	     KEEL_ARTIFACT_S3_PREFIX
//	gcs: KEEL_ARTIFACT_GCS_BUCKET (required), KEEL_ARTIFACT_GCS_PREFIX;
//	     needs a binary built with the gcp tag
func NewStoreFromEnv(ctx context.Context) (Store, error) {
	switch backend := envDefault("KEEL_ARTIFACT_STORE", "fs"); backend {
	case "fs":
		return NewFileStore(envDefault("KEEL_ARTIFACT_DIR", filepath.Join("data", "artifacts")))
	case "s3":
		bucket := os.Getenv("KEEL_ARTIFACT_S3_BUCKET")
		if bucket == "" {
			return nil, fmt.Errorf("artifacts: KEEL_ARTIFACT_S3_BUCKET is required when KEEL_ARTIFACT_STORE=s3")
		}
		region := envDefault("KEEL_ARTIFACT_S3_REGION", os.Getenv("AWS_REGION"))
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3StoreConfig{
			Bucket:   bucket,
			Region:   region,
			Endpoint: os.Getenv("KEEL_ARTIFACT_S3_ENDPOINT"),
			Prefix:   os.Getenv("KEEL_ARTIFACT_S3_PREFIX"),
		})
	case "gcs":
		return newGCSStoreFromEnv(ctx)
	default:
		return nil, fmt.Errorf("artifacts: unknown store backend %q", backend)
	}
}

func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
