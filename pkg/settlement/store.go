package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNotFound is returned when an artifact or retention record does not
// exist for the given tenant.
var ErrNotFound = errors.New("settlement: not found")

// ErrConflict is returned when an artifact id is reused with different
// content.
var ErrConflict = errors.New("settlement: conflict")

// Store persists sealed artifacts keyed by (tenant, artifactId). Put is
// idempotent on content: storing the same sealed artifact twice succeeds,
// storing a different artifact under an existing id conflicts.
type Store interface {
	Put(ctx context.Context, tenantID string, a Artifact) error
	Agreement(ctx context.Context, tenantID, id string) (*ToolCallAgreement, error)
	Hold(ctx context.Context, tenantID, id string) (*FundingHold, error)
	HoldByAgreement(ctx context.Context, tenantID, agreementID string) (*FundingHold, error)
	Evidence(ctx context.Context, tenantID, id string) (*ToolCallEvidence, error)
	Decision(ctx context.Context, tenantID, id string) (*DecisionRecord, error)
	Receipt(ctx context.Context, tenantID, id string) (*Receipt, error)
	ReceiptByAgreement(ctx context.Context, tenantID, agreementID string) (*Receipt, error)
	Adjustment(ctx context.Context, tenantID, id string) (*Adjustment, error)
}

// RetentionStatus tracks the lifecycle of a paid receipt's holdback.
type RetentionStatus string

const (
	RetentionOpen     RetentionStatus = "open"
	RetentionDisputed RetentionStatus = "disputed"
	// RetentionClosed means the retained amount has moved, by sweep or
	// by adjustment. It never moves again.
	RetentionClosed RetentionStatus = "closed"
)

// RetentionRecord is the mutable escrow state behind a paid receipt's
// retention object.
type RetentionRecord struct {
	TenantID       string
	ReceiptID      string
	AgreementID    string
	Payer          string
	Payee          string
	Currency       string
	HeldCents      int64
	ChallengeUntil time.Time
	Status         RetentionStatus
	// ClosedBy names what moved the money: "sweep" or an adjustment id.
	ClosedBy      string
	DisputeReason string
}

// RetentionStore tracks open holdbacks for the maintenance sweep.
type RetentionStore interface {
	PutRetention(ctx context.Context, r *RetentionRecord) error
	Retention(ctx context.Context, tenantID, receiptID string) (*RetentionRecord, error)
	// OpenRetentions lists records not yet closed, across tenants.
	OpenRetentions(ctx context.Context) ([]*RetentionRecord, error)
}

// MemoryStore is the in-process Store and RetentionStore.
type MemoryStore struct {
	mu         sync.RWMutex
	artifacts  map[string]Artifact         // tenant/kind/id
	retentions map[string]*RetentionRecord // tenant/receiptId
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		artifacts:  make(map[string]Artifact),
		retentions: make(map[string]*RetentionRecord),
	}
}

func artifactKey(tenantID string, kind Kind, id string) string {
	return tenantID + "/" + string(kind) + "/" + id
}

func (s *MemoryStore) Put(ctx context.Context, tenantID string, a Artifact) error {
	if a.ArtifactID() == "" {
		return fmt.Errorf("settlement: %s has no artifact id", a.Kind())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := artifactKey(tenantID, a.Kind(), a.ArtifactID())
	if existing, ok := s.artifacts[key]; ok {
		if existing.sealed().Hash != a.sealed().Hash {
			return fmt.Errorf("%w: %s %s already stored with different content", ErrConflict, a.Kind(), a.ArtifactID())
		}
		return nil
	}
	s.artifacts[key] = a
	return nil
}

func (s *MemoryStore) get(tenantID string, kind Kind, id string) (Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.artifacts[artifactKey(tenantID, kind, id)]
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
	}
	return a, nil
}

func (s *MemoryStore) Agreement(ctx context.Context, tenantID, id string) (*ToolCallAgreement, error) {
	a, err := s.get(tenantID, KindAgreement, id)
	if err != nil {
		return nil, err
	}
	return a.(*ToolCallAgreement), nil
}

func (s *MemoryStore) Hold(ctx context.Context, tenantID, id string) (*FundingHold, error) {
	a, err := s.get(tenantID, KindFundingHold, id)
	if err != nil {
		return nil, err
	}
	return a.(*FundingHold), nil
}

func (s *MemoryStore) HoldByAgreement(ctx context.Context, tenantID, agreementID string) (*FundingHold, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.artifacts {
		if h, ok := a.(*FundingHold); ok && h.TenantID == tenantID && h.AgreementID == agreementID {
			return h, nil
		}
	}
	return nil, fmt.Errorf("%w: hold for agreement %s", ErrNotFound, agreementID)
}

func (s *MemoryStore) Evidence(ctx context.Context, tenantID, id string) (*ToolCallEvidence, error) {
	a, err := s.get(tenantID, KindEvidence, id)
	if err != nil {
		return nil, err
	}
	return a.(*ToolCallEvidence), nil
}

func (s *MemoryStore) Decision(ctx context.Context, tenantID, id string) (*DecisionRecord, error) {
	a, err := s.get(tenantID, KindDecision, id)
	if err != nil {
		return nil, err
	}
	return a.(*DecisionRecord), nil
}

func (s *MemoryStore) Receipt(ctx context.Context, tenantID, id string) (*Receipt, error) {
	a, err := s.get(tenantID, KindReceipt, id)
	if err != nil {
		return nil, err
	}
	return a.(*Receipt), nil
}

func (s *MemoryStore) ReceiptByAgreement(ctx context.Context, tenantID, agreementID string) (*Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.artifacts {
		if r, ok := a.(*Receipt); ok && r.TenantID == tenantID && r.AgreementID == agreementID {
			return r, nil
		}
	}
	return nil, fmt.Errorf("%w: receipt for agreement %s", ErrNotFound, agreementID)
}

func (s *MemoryStore) Adjustment(ctx context.Context, tenantID, id string) (*Adjustment, error) {
	a, err := s.get(tenantID, KindAdjustment, id)
	if err != nil {
		return nil, err
	}
	return a.(*Adjustment), nil
}

func (s *MemoryStore) PutRetention(ctx context.Context, r *RetentionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retentions[r.TenantID+"/"+r.ReceiptID] = r
	return nil
}

func (s *MemoryStore) Retention(ctx context.Context, tenantID, receiptID string) (*RetentionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.retentions[tenantID+"/"+receiptID]
	if !ok {
		return nil, fmt.Errorf("%w: retention for receipt %s", ErrNotFound, receiptID)
	}
	return r, nil
}

func (s *MemoryStore) OpenRetentions(ctx context.Context) ([]*RetentionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*RetentionRecord
	for _, r := range s.retentions {
		if r.Status != RetentionClosed {
			out = append(out, r)
		}
	}
	return out, nil
}
