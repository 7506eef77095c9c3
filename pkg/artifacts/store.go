// Package artifacts provides content-addressed storage for canonical
// artifact JSON and the worker that renders derived documents off
// settled job streams.
package artifacts

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/Mindburn-Labs/keel/pkg/canonicalize"
)

// Store defines the contract for content-addressed storage (CAS) of
// artifact blobs. Keys are bare lowercase sha256 hex, the same form the
// rest of the system uses for artifact hashes.
type Store interface {
	// Put persists data and returns its content hash.
	Put(ctx context.Context, data []byte) (string, error)
	// Get retrieves data by its content hash.
	Get(ctx context.Context, hash string) ([]byte, error)
	// Exists checks if a blob exists by its content hash.
	Exists(ctx context.Context, hash string) (bool, error)
	// Delete removes a blob by its content hash.
	Delete(ctx context.Context, hash string) error
}

func validateHash(hash string) (string, error) {
	if len(hash) != 64 {
		return "", fmt.Errorf("artifacts: invalid hash %q: want 64 hex characters", hash)
	}
	if _, err := hex.DecodeString(hash); err != nil {
		return "", fmt.Errorf("artifacts: invalid hash hex: %w", err)
	}
	return hash, nil
}

// FileStore is a filesystem-backed implementation of Store.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates a new CAS store at the specified directory.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to ensure artifact dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) Put(ctx context.Context, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash := canonicalize.HashBytes(data)
	path := filepath.Join(s.baseDir, hash+".blob")

	// idempotent: the blob is already content-addressed
	if _, err := os.Stat(path); err == nil {
		return hash, nil
	}

	// write to temp, then rename
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return "", fmt.Errorf("failed to commit blob: %w", err)
	}

	return hash, nil
}

func (s *FileStore) Get(ctx context.Context, hash string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hash, err := validateHash(hash)
	if err != nil {
		return nil, err
	}

	path := filepath.Join(s.baseDir, hash+".blob")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("artifacts: blob not found: %s", hash)
		}
		return nil, err
	}
	defer f.Close()

	return io.ReadAll(f)
}

func (s *FileStore) Exists(ctx context.Context, hash string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hash, err := validateHash(hash)
	if err != nil {
		return false, err
	}

	_, err = os.Stat(filepath.Join(s.baseDir, hash+".blob"))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (s *FileStore) Delete(ctx context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash, err := validateHash(hash)
	if err != nil {
		return err
	}

	err = os.Remove(filepath.Join(s.baseDir, hash+".blob"))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}
