// Package settlement encodes the auditable artifact chain from
// authorization to payment: agreement → funding hold → evidence →
// decision → receipt → adjustment. Every artifact is canonicalized
// (RFC 8785), hash-named and Ed25519-signed — hash first, then sign,
// never the other way around — so each one is independently verifiable
// offline.
package settlement

import (
	"fmt"
	"time"
)

// Kind names an artifact type.
type Kind string

const (
	KindAgreement   Kind = "ToolCallAgreement"
	KindFundingHold Kind = "FundingHold"
	KindEvidence    Kind = "ToolCallEvidence"
	KindDecision    Kind = "SettlementDecisionRecord"
	KindReceipt     Kind = "SettlementReceipt"
	KindAdjustment  Kind = "SettlementAdjustment"
)

// Sealed carries the content address and signature of an artifact. The
// fields are excluded from the hash preimage: hashing always happens over
// the artifact with a zero Sealed.
type Sealed struct {
	Hash        string `json:"hash,omitempty"`
	Signature   string `json:"signature,omitempty"`
	SignerKeyID string `json:"signerKeyId,omitempty"`
}

// SettlementTerms configures holdback escrow on an agreement.
type SettlementTerms struct {
	HoldbackBps       int64 `json:"holdbackBps"`
	ChallengeWindowMs int64 `json:"challengeWindowMs"`
}

// Validate enforces the terms invariants: holdback within [0,10000] basis
// points, and a challenge window exactly when a holdback exists.
func (t *SettlementTerms) Validate() error {
	if t == nil {
		return nil
	}
	if t.HoldbackBps < 0 || t.HoldbackBps > 10000 {
		return fmt.Errorf("settlement: holdbackBps %d out of range [0,10000]", t.HoldbackBps)
	}
	if t.HoldbackBps > 0 && t.ChallengeWindowMs <= 0 {
		return fmt.Errorf("settlement: challengeWindowMs must be > 0 when holdbackBps > 0")
	}
	if t.HoldbackBps == 0 && t.ChallengeWindowMs != 0 {
		return fmt.Errorf("settlement: challengeWindowMs requires holdbackBps > 0")
	}
	return nil
}

// AcceptanceCriteria bounds what counts as acceptable work. Expression
// and Transform are optional pluggable deterministic verifiers.
type AcceptanceCriteria struct {
	MaxLatencyMs   int64  `json:"maxLatencyMs,omitempty"`
	RequireOutput  bool   `json:"requireOutput,omitempty"`
	MaxOutputBytes int64  `json:"maxOutputBytes,omitempty"`
	Expression     string `json:"expression,omitempty"` // CEL over evidence facts
	// TransformWasmHash addresses a WASM module in the CAS implementing
	// an exact-match transform check.
	TransformWasmHash string `json:"transformWasmHash,omitempty"`
}

// ToolCallAgreement authorizes one paid tool call.
type ToolCallAgreement struct {
	Sealed
	AgreementID        string             `json:"agreementId"`
	TenantID           string             `json:"tenantId"`
	JobID              string             `json:"jobId"`
	Payer              string             `json:"payer"`
	Payee              string             `json:"payee"`
	AmountCents        int64              `json:"amountCents"`
	Currency           string             `json:"currency"`
	AcceptanceCriteria AcceptanceCriteria `json:"acceptanceCriteria"`
	SettlementTerms    *SettlementTerms   `json:"settlementTerms,omitempty"`
	CreatedAt          time.Time          `json:"createdAt"`
}

func (a *ToolCallAgreement) Validate() error {
	if a.AgreementID == "" || a.TenantID == "" {
		return fmt.Errorf("settlement: agreement requires id and tenant")
	}
	if a.Payer == "" || a.Payee == "" || a.Payer == a.Payee {
		return fmt.Errorf("settlement: agreement requires distinct payer and payee")
	}
	if a.AmountCents <= 0 {
		return fmt.Errorf("settlement: agreement amount must be positive, got %d", a.AmountCents)
	}
	if len(a.Currency) != 3 {
		return fmt.Errorf("settlement: currency must be an ISO 4217 code, got %q", a.Currency)
	}
	return a.SettlementTerms.Validate()
}

// FundingHold locks the agreement amount in escrow before execution.
type FundingHold struct {
	Sealed
	HoldID        string    `json:"holdId"`
	TenantID      string    `json:"tenantId"`
	AgreementID   string    `json:"agreementId"`
	AgreementHash string    `json:"agreementHash"`
	Payer         string    `json:"payer"`
	AmountCents   int64     `json:"amountCents"`
	Currency      string    `json:"currency"`
	ExpiresAt     time.Time `json:"expiresAt"`
	CreatedAt     time.Time `json:"createdAt"`
}

// ToolCallEvidence records what actually happened during the call.
type ToolCallEvidence struct {
	Sealed
	EvidenceID  string    `json:"evidenceId"`
	TenantID    string    `json:"tenantId"`
	AgreementID string    `json:"agreementId"`
	InputHash   string    `json:"inputHash"`
	OutputHash  string    `json:"outputHash,omitempty"`
	OutputBytes int64     `json:"outputBytes"`
	StartedAt   time.Time `json:"startedAt"`
	EndedAt     time.Time `json:"endedAt"`
	Notes       string    `json:"notes,omitempty"`
}

// LatencyMs is the measured call duration.
func (e *ToolCallEvidence) LatencyMs() int64 {
	return e.EndedAt.Sub(e.StartedAt).Milliseconds()
}

// Decision outcomes.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionHeld     Decision = "held"
	DecisionRejected Decision = "rejected"
)

// Modality records how a decision was reached.
type Modality string

const (
	ModalityCryptographic Modality = "cryptographic"
	ModalityDeterministic Modality = "deterministic"
	ModalityAttested      Modality = "attested"
	ModalityManual        Modality = "manual"
)

// DecisionRecord is the settlement decision for an agreement.
type DecisionRecord struct {
	Sealed
	DecisionID  string   `json:"decisionId"`
	TenantID    string   `json:"tenantId"`
	AgreementID string   `json:"agreementId"`
	Decision    Decision `json:"decision"`
	Modality    Modality `json:"modality"`
	// ReasonCodes is never empty: "acceptance_ok" when clean.
	ReasonCodes []string  `json:"reasonCodes"`
	DecidedAt   time.Time `json:"decidedAt"`
}

func (d *DecisionRecord) Validate() error {
	switch d.Decision {
	case DecisionApproved, DecisionHeld, DecisionRejected:
	default:
		return fmt.Errorf("settlement: unknown decision %q", d.Decision)
	}
	switch d.Modality {
	case ModalityCryptographic, ModalityDeterministic, ModalityAttested, ModalityManual:
	default:
		return fmt.Errorf("settlement: unknown modality %q", d.Modality)
	}
	if len(d.ReasonCodes) == 0 {
		return fmt.Errorf("settlement: decision requires at least one reason code")
	}
	return nil
}

// Receipt outcomes.
type Outcome string

const (
	OutcomePaid     Outcome = "paid"
	OutcomeNotPaid  Outcome = "not_paid"
	OutcomeExpired  Outcome = "expired"
	OutcomeReversed Outcome = "reversed"
)

// Transfer is the immediate payout leg of a receipt.
type Transfer struct {
	AmountCents int64  `json:"amountCents"`
	Currency    string `json:"currency"`
	Payee       string `json:"payee"`
}

// Retention is the holdback leg of a paid receipt.
type Retention struct {
	HeldAmountCents int64     `json:"heldAmountCents"`
	ChallengeUntil  time.Time `json:"challengeUntil"`
}

// Receipt (v2) is settlement finality: whether and how much money moved.
type Receipt struct {
	Sealed
	V             int        `json:"v"`
	ReceiptID     string     `json:"receiptId"`
	TenantID      string     `json:"tenantId"`
	AgreementID   string     `json:"agreementId"`
	AgreementHash string     `json:"agreementHash"`
	DecisionID    string     `json:"decisionId"`
	Outcome       Outcome    `json:"outcome"`
	Transfer      Transfer   `json:"transfer"`
	Retention     *Retention `json:"retention,omitempty"`
	SettledAt     time.Time  `json:"settledAt"`
}

// Validate enforces the receipt money invariant against the agreement
// amount: paid receipts reconcile transferred + held to the agreement
// amount; all other outcomes move nothing and retain nothing.
func (r *Receipt) Validate(agreementAmountCents int64) error {
	if r.V != 2 {
		return fmt.Errorf("settlement: receipt must be v2, got v%d", r.V)
	}
	if r.Outcome == OutcomePaid {
		held := int64(0)
		if r.Retention != nil {
			held = r.Retention.HeldAmountCents
		}
		if r.Transfer.AmountCents+held != agreementAmountCents {
			return fmt.Errorf("settlement: paid receipt does not reconcile: transferred %d + held %d != %d",
				r.Transfer.AmountCents, held, agreementAmountCents)
		}
		return nil
	}
	if r.Transfer.AmountCents != 0 {
		return fmt.Errorf("settlement: %s receipt must not transfer funds", r.Outcome)
	}
	if r.Retention != nil {
		return fmt.Errorf("settlement: %s receipt must not retain funds", r.Outcome)
	}
	return nil
}

// Adjustment kinds.
type AdjustmentKind string

const (
	AdjustmentHoldbackSplit   AdjustmentKind = "holdback_split"
	AdjustmentHoldbackRelease AdjustmentKind = "holdback_release"
	AdjustmentHoldbackRefund  AdjustmentKind = "holdback_refund"
)

// Adjustment is the post-dispute split of a retained amount. It is the
// only path other than the maintenance sweep by which a retained amount
// may move, and it moves it exactly once.
type Adjustment struct {
	Sealed
	AdjustmentID        string         `json:"adjustmentId"`
	TenantID            string         `json:"tenantId"`
	ReceiptID           string         `json:"receiptId"`
	AgreementID         string         `json:"agreementId"`
	AdjKind             AdjustmentKind `json:"kind"`
	ReleaseToPayeeCents int64          `json:"releaseToPayeeCents"`
	RefundToPayerCents  int64          `json:"refundToPayerCents"`
	VerdictBy           string         `json:"verdictBy"`
	CreatedAt           time.Time      `json:"createdAt"`
}

func (a *Adjustment) Validate() error {
	if a.ReleaseToPayeeCents < 0 || a.RefundToPayerCents < 0 {
		return fmt.Errorf("settlement: adjustment legs must be non-negative")
	}
	if a.ReleaseToPayeeCents == 0 && a.RefundToPayerCents == 0 {
		return fmt.Errorf("settlement: adjustment must move at least one leg")
	}
	return nil
}

// HoldbackCents computes the retained amount for an agreement:
// floor(amount * holdbackBps / 10000).
func HoldbackCents(amountCents, holdbackBps int64) int64 {
	return amountCents * holdbackBps / 10000
}
