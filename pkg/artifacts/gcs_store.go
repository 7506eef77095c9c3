//go:build gcp

package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"

	"github.com/Mindburn-Labs/keel/pkg/canonicalize"
)

// GCSStore implements Store using Google Cloud Storage. Blobs are
// stored with their sha256 hash as the object name.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string // Optional key prefix (e.g., "artifacts/")
}

// GCSStoreConfig holds configuration for GCSStore.
type GCSStoreConfig struct {
	Bucket string
	Prefix string // Optional key prefix
}

// NewGCSStore creates a new GCS-backed artifact store. The client uses
// application default credentials.
func NewGCSStore(ctx context.Context, cfg GCSStoreConfig) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	return &GCSStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// Put persists data to GCS and returns its content hash.
func (s *GCSStore) Put(ctx context.Context, data []byte) (string, error) {
	hash := canonicalize.HashBytes(data)
	objectPath := s.prefix + hash + ".blob"

	// idempotent: skip the upload when the object already exists
	obj := s.client.Bucket(s.bucket).Object(objectPath)
	_, err := obj.Attrs(ctx)
	if err == nil {
		return hash, nil
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("gcs close failed: %w", err)
	}

	return hash, nil
}

// Get retrieves data from GCS by its content hash.
func (s *GCSStore) Get(ctx context.Context, hash string) ([]byte, error) {
	hash, err := validateHash(hash)
	if err != nil {
		return nil, err
	}
	objectPath := s.prefix + hash + ".blob"

	obj := s.client.Bucket(s.bucket).Object(objectPath)
	reader, err := obj.NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs get failed for %s: %w", hash, err)
	}
	defer func() { _ = reader.Close() }()

	return io.ReadAll(reader)
}

// Exists checks if a blob exists in GCS.
func (s *GCSStore) Exists(ctx context.Context, hash string) (bool, error) {
	hash, err := validateHash(hash)
	if err != nil {
		return false, err
	}
	objectPath := s.prefix + hash + ".blob"

	obj := s.client.Bucket(s.bucket).Object(objectPath)
	_, err = obj.Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("gcs attrs error: %w", err)
	}
	return true, nil
}

// Delete removes a blob from GCS.
func (s *GCSStore) Delete(ctx context.Context, hash string) error {
	hash, err := validateHash(hash)
	if err != nil {
		return err
	}
	objectPath := s.prefix + hash + ".blob"

	obj := s.client.Bucket(s.bucket).Object(objectPath)
	err = obj.Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("gcs delete failed for %s: %w", hash, err)
	}
	return nil
}

// Close closes the GCS client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}
