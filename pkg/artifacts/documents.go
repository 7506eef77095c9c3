package artifacts

import (
	"crypto/ed25519"
	"fmt"
	"sort"
	"time"

	"github.com/Mindburn-Labs/keel/pkg/canonicalize"
	"github.com/Mindburn-Labs/keel/pkg/crypto"
	"github.com/Mindburn-Labs/keel/pkg/ledger"
	"github.com/Mindburn-Labs/keel/pkg/outbox"
)

// DocumentSeal carries the content identity and signature of a derived
// document. The hash covers the document with a zero seal.
type DocumentSeal struct {
	Hash        string `json:"hash,omitempty"`
	Signature   string `json:"signature,omitempty"`
	SignerKeyID string `json:"signerKeyId,omitempty"`
}

// EvaluationSummary is one proof evaluation as cited by a certificate.
type EvaluationSummary struct {
	EvaluationID string `json:"evaluationId"`
	Status       string `json:"status"`
	ChainHash    string `json:"chainHash"`
}

// HoldSummary is one settlement hold as cited by a statement.
type HoldSummary struct {
	HoldID string `json:"holdId"`
	Status string `json:"status"`
}

// WorkCertificate attests that a job stream ran to settlement: how much
// evidence was recorded, which proofs were evaluated, anchored to the
// SETTLED event's chain hash.
type WorkCertificate struct {
	V                int                 `json:"v"`
	Kind             string              `json:"kind"`
	TenantID         string              `json:"tenantId"`
	JobID            string              `json:"jobId"`
	IssuedAt         time.Time           `json:"issuedAt"`
	SettledChainHash string              `json:"settledChainHash"`
	EventCount       int                 `json:"eventCount"`
	EvidenceCount    int                 `json:"evidenceCount"`
	Evaluations      []EvaluationSummary `json:"evaluations"`
	Seal             DocumentSeal        `json:"seal"`
}

// SettlementStatement is the money-facing counterpart: quoted exposure,
// settlement outcome and the hold history of the stream.
type SettlementStatement struct {
	V                int           `json:"v"`
	Kind             string        `json:"kind"`
	TenantID         string        `json:"tenantId"`
	JobID            string        `json:"jobId"`
	IssuedAt         time.Time     `json:"issuedAt"`
	SettledAt        time.Time     `json:"settledAt"`
	SettledChainHash string        `json:"settledChainHash"`
	QuotedCents      int64         `json:"quotedCents"`
	ReceiptID        string        `json:"receiptId,omitempty"`
	Outcome          string        `json:"outcome,omitempty"`
	TransferredCents int64         `json:"transferredCents"`
	HeldCents        int64         `json:"heldCents"`
	Holds            []HoldSummary `json:"holds"`
	Seal             DocumentSeal  `json:"seal"`
}

// Document is implemented by both derived document kinds.
type Document interface {
	DocumentKind() outbox.ArtifactKind
	seal() *DocumentSeal
	unsealed() any
}

func (c *WorkCertificate) DocumentKind() outbox.ArtifactKind { return outbox.ArtifactWorkCertificate }
func (c *WorkCertificate) seal() *DocumentSeal               { return &c.Seal }
func (c *WorkCertificate) unsealed() any                     { u := *c; u.Seal = DocumentSeal{}; return u }

func (s *SettlementStatement) DocumentKind() outbox.ArtifactKind {
	return outbox.ArtifactSettlementStatement
}
func (s *SettlementStatement) seal() *DocumentSeal { return &s.Seal }
func (s *SettlementStatement) unsealed() any       { u := *s; u.Seal = DocumentSeal{}; return u }

// SealDocument content-addresses and signs a derived document:
// canonicalize minus the seal, hash, sign the hash.
func SealDocument(d Document, signer crypto.Signer) error {
	if signer == nil {
		return fmt.Errorf("artifacts: signer not configured (fail-closed)")
	}
	hash, err := canonicalize.CanonicalHash(d.unsealed())
	if err != nil {
		return fmt.Errorf("artifacts: canonicalize %s: %w", d.DocumentKind(), err)
	}
	sig, err := signer.Sign([]byte(hash))
	if err != nil {
		return fmt.Errorf("artifacts: sign %s: %w", d.DocumentKind(), err)
	}
	s := d.seal()
	s.Hash = hash
	s.Signature = sig
	s.SignerKeyID = signer.KeyID()
	return nil
}

// VerifyDocument re-derives a document's hash and checks its signature.
func VerifyDocument(d Document, publicKeys map[string]ed25519.PublicKey) error {
	s := d.seal()
	if s.Hash == "" || s.Signature == "" {
		return fmt.Errorf("artifacts: %s is unsealed", d.DocumentKind())
	}
	hash, err := canonicalize.CanonicalHash(d.unsealed())
	if err != nil {
		return fmt.Errorf("artifacts: canonicalize %s: %w", d.DocumentKind(), err)
	}
	if hash != s.Hash {
		return fmt.Errorf("artifacts: %s hash mismatch: stored %s, derived %s", d.DocumentKind(), s.Hash, hash)
	}
	pub, ok := publicKeys[s.SignerKeyID]
	if !ok {
		return fmt.Errorf("artifacts: %s signed by unknown key %q", d.DocumentKind(), s.SignerKeyID)
	}
	valid, err := crypto.VerifyWithKey(pub, s.Signature, []byte(s.Hash))
	if err != nil {
		return fmt.Errorf("artifacts: %s signature malformed: %w", d.DocumentKind(), err)
	}
	if !valid {
		return fmt.Errorf("artifacts: %s signature invalid", d.DocumentKind())
	}
	return nil
}

// RenderWorkCertificate folds a settled stream into a certificate.
func RenderWorkCertificate(tenantID string, events []ledger.Event, state ledger.JobState, now time.Time) (*WorkCertificate, error) {
	if state.Status != ledger.JobSettled || state.SettledRef == nil {
		return nil, fmt.Errorf("artifacts: stream %s is not settled", state.StreamID)
	}

	evaluations := make([]EvaluationSummary, 0, len(state.Evaluations))
	for _, e := range events {
		if e.Type != ledger.EventProofEvaluated {
			continue
		}
		evaluations = append(evaluations, EvaluationSummary{
			EvaluationID: payloadString(e.Payload, "evaluationId"),
			Status:       payloadString(e.Payload, "status"),
			ChainHash:    e.ChainHash,
		})
	}

	return &WorkCertificate{
		V:                1,
		Kind:             string(outbox.ArtifactWorkCertificate),
		TenantID:         tenantID,
		JobID:            state.StreamID,
		IssuedAt:         now,
		SettledChainHash: state.SettledRef.ChainHash,
		EventCount:       state.EventCount,
		EvidenceCount:    len(state.Evidence),
		Evaluations:      evaluations,
	}, nil
}

// RenderSettlementStatement folds a settled stream into a statement.
func RenderSettlementStatement(tenantID string, events []ledger.Event, state ledger.JobState, now time.Time) (*SettlementStatement, error) {
	if state.Status != ledger.JobSettled || state.SettledRef == nil || state.SettledAt == nil {
		return nil, fmt.Errorf("artifacts: stream %s is not settled", state.StreamID)
	}

	byHash := make(map[string]ledger.Event, len(events))
	for _, e := range events {
		byHash[e.ChainHash] = e
	}

	var quoted int64
	for _, q := range state.Quotes {
		if e, ok := byHash[q.ChainHash]; ok {
			if cents, ok := ledger.PayloadInt64(e.Payload, "amountCents"); ok {
				quoted += cents
			}
		}
	}

	holds := make([]HoldSummary, 0, len(state.Holds))
	for id, h := range state.Holds {
		holds = append(holds, HoldSummary{HoldID: id, Status: string(h.Status)})
	}
	sort.Slice(holds, func(i, j int) bool { return holds[i].HoldID < holds[j].HoldID })

	stmt := &SettlementStatement{
		V:                1,
		Kind:             string(outbox.ArtifactSettlementStatement),
		TenantID:         tenantID,
		JobID:            state.StreamID,
		IssuedAt:         now,
		SettledAt:        *state.SettledAt,
		SettledChainHash: state.SettledRef.ChainHash,
		QuotedCents:      quoted,
		Holds:            holds,
	}

	if settled, ok := byHash[state.SettledRef.ChainHash]; ok {
		stmt.ReceiptID = payloadString(settled.Payload, "receiptId")
		stmt.Outcome = payloadString(settled.Payload, "outcome")
		if v, ok := ledger.PayloadInt64(settled.Payload, "transferredCents"); ok {
			stmt.TransferredCents = v
		}
		if v, ok := ledger.PayloadInt64(settled.Payload, "heldCents"); ok {
			stmt.HeldCents = v
		}
	}

	return stmt, nil
}

func payloadString(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}
