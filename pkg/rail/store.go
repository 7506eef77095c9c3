package rail

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrNotFound = errors.New("rail: operation not found")
	// ErrConflict covers idempotency-key reuse with a different request
	// body and invalid state transitions.
	ErrConflict = errors.New("rail: conflict")
)

// Store persists operations and provider-event outcomes.
type Store interface {
	Insert(ctx context.Context, op Operation) error
	Get(ctx context.Context, tenantID, operationID string) (Operation, error)
	// ByIdempotencyKey looks up the operation created under
	// (tenant, direction, key); ok is false when none exists.
	ByIdempotencyKey(ctx context.Context, tenantID string, direction Direction, key string) (Operation, bool, error)
	Update(ctx context.Context, op Operation) error
	// ProviderOutcome returns the recorded outcome for a delivery key.
	ProviderOutcome(ctx context.Context, dedupeKey string) (IngestOutcome, bool, error)
	RecordProviderOutcome(ctx context.Context, dedupeKey string, outcome IngestOutcome) error
}

// MemoryStore is the in-process Store.
type MemoryStore struct {
	mu       sync.RWMutex
	ops      map[string]Operation     // tenant/operationId
	byKey    map[string]string        // tenant/direction/idempotencyKey -> operationId
	outcomes map[string]IngestOutcome // provider-event dedupe key
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ops:      make(map[string]Operation),
		byKey:    make(map[string]string),
		outcomes: make(map[string]IngestOutcome),
	}
}

func opKey(tenantID, operationID string) string { return tenantID + "/" + operationID }

func idemKey(tenantID string, direction Direction, key string) string {
	return tenantID + "/" + string(direction) + "/" + key
}

func (s *MemoryStore) Insert(ctx context.Context, op Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := opKey(op.TenantID, op.OperationID)
	if _, exists := s.ops[key]; exists {
		return fmt.Errorf("%w: operation %s exists", ErrConflict, op.OperationID)
	}
	s.ops[key] = op
	s.byKey[idemKey(op.TenantID, op.Direction, op.IdempotencyKey)] = op.OperationID
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, tenantID, operationID string) (Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	op, ok := s.ops[opKey(tenantID, operationID)]
	if !ok {
		return Operation{}, fmt.Errorf("%w: %s", ErrNotFound, operationID)
	}
	return op, nil
}

func (s *MemoryStore) ByIdempotencyKey(ctx context.Context, tenantID string, direction Direction, key string) (Operation, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byKey[idemKey(tenantID, direction, key)]
	if !ok {
		return Operation{}, false, nil
	}
	return s.ops[opKey(tenantID, id)], true, nil
}

func (s *MemoryStore) Update(ctx context.Context, op Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := opKey(op.TenantID, op.OperationID)
	if _, ok := s.ops[key]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, op.OperationID)
	}
	s.ops[key] = op
	return nil
}

func (s *MemoryStore) ProviderOutcome(ctx context.Context, dedupeKey string) (IngestOutcome, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	outcome, ok := s.outcomes[dedupeKey]
	return outcome, ok, nil
}

func (s *MemoryStore) RecordProviderOutcome(ctx context.Context, dedupeKey string, outcome IngestOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes[dedupeKey] = outcome
	return nil
}
