package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrConflict is the sentinel all conflict errors unwrap to.
	ErrConflict = errors.New("ledger: conflict")
	// ErrNotFound is returned for unknown streams.
	ErrNotFound = errors.New("ledger: not found")
)

// Conflict reasons surfaced to callers so they can rebase-and-retry.
const (
	ConflictStaleHead      = "stale_prev_chain_hash"
	ConflictKeyReuse       = "idempotency_key_reuse"
	ConflictChainHashReuse = "chain_hash_reuse"
)

// ConflictError carries the machine-readable reason and, for stale-head
// conflicts, the current head so the caller can refinalize against it.
type ConflictError struct {
	Reason string
	Head   *string
}

func (e *ConflictError) Error() string {
	if e.Head != nil {
		return fmt.Sprintf("ledger: conflict (%s), head=%s", e.Reason, *e.Head)
	}
	return fmt.Sprintf("ledger: conflict (%s)", e.Reason)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// StreamStore persists event streams with optimistic concurrency.
//
// Append is conditioned on the event's PrevChainHash matching the current
// head of (tenantID, streamID). A replay under the same idempotency key
// returns the stored event without appending again; the same key with a
// different chain hash is a conflict, never silently accepted.
type StreamStore interface {
	Append(ctx context.Context, tenantID string, e Event, idempotencyKey string) (Event, error)
	Events(ctx context.Context, tenantID, streamID string) ([]Event, error)
	Head(ctx context.Context, tenantID, streamID string) (*string, error)
}

// MemoryStreamStore is the in-process StreamStore used by tests and
// single-node deployments.
type MemoryStreamStore struct {
	mu      sync.Mutex
	streams map[string][]Event // key: tenant/stream
	byKey   map[string]Event   // key: tenant/idempotencyKey
}

func NewMemoryStreamStore() *MemoryStreamStore {
	return &MemoryStreamStore{
		streams: make(map[string][]Event),
		byKey:   make(map[string]Event),
	}
}

func streamKey(tenantID, streamID string) string { return tenantID + "/" + streamID }

func (s *MemoryStreamStore) Append(ctx context.Context, tenantID string, e Event, idempotencyKey string) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keyIdx := tenantID + "/" + idempotencyKey
	if prev, ok := s.byKey[keyIdx]; ok {
		if prev.ChainHash == e.ChainHash {
			return prev, nil
		}
		return Event{}, &ConflictError{Reason: ConflictKeyReuse}
	}

	events := s.streams[streamKey(tenantID, e.StreamID)]
	var head *string
	if len(events) > 0 {
		h := events[len(events)-1].ChainHash
		head = &h
	}

	if !prevMatches(e.PrevChainHash, head) {
		return Event{}, &ConflictError{Reason: ConflictStaleHead, Head: head}
	}

	s.streams[streamKey(tenantID, e.StreamID)] = append(events, e)
	s.byKey[keyIdx] = e
	return e, nil
}

func (s *MemoryStreamStore) Events(ctx context.Context, tenantID, streamID string) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	events, ok := s.streams[streamKey(tenantID, streamID)]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]Event, len(events))
	copy(out, events)
	return out, nil
}

func (s *MemoryStreamStore) Head(ctx context.Context, tenantID, streamID string) (*string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := s.streams[streamKey(tenantID, streamID)]
	if len(events) == 0 {
		return nil, nil
	}
	h := events[len(events)-1].ChainHash
	return &h, nil
}

func prevMatches(expected, head *string) bool {
	if expected == nil || head == nil {
		return expected == nil && head == nil
	}
	return *expected == *head
}
