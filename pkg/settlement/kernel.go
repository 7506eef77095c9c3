package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/keel/pkg/audit"
	"github.com/Mindburn-Labs/keel/pkg/crypto"
)

// Kernel drives the artifact chain: agreement, funding hold, evidence,
// decision, receipt, adjustment. Every money movement goes through the
// balance book and leaves an audit record.
type Kernel struct {
	store     Store
	retention RetentionStore
	book      Book
	signer    crypto.Signer
	verifier  Verifier
	auditor   audit.Logger
	logger    *slog.Logger
	now       func() time.Time
}

// KernelOption configures optional kernel collaborators.
type KernelOption func(*Kernel)

// WithVerifier plugs a deterministic acceptance verifier (CEL, WASM).
func WithVerifier(v Verifier) KernelOption {
	return func(k *Kernel) { k.verifier = v }
}

func WithAuditor(a audit.Logger) KernelOption {
	return func(k *Kernel) { k.auditor = a }
}

func WithKernelLogger(l *slog.Logger) KernelOption {
	return func(k *Kernel) { k.logger = l }
}

// WithClock overrides the kernel clock, for tests.
func WithClock(now func() time.Time) KernelOption {
	return func(k *Kernel) { k.now = now }
}

func NewKernel(store Store, retention RetentionStore, book Book, signer crypto.Signer, opts ...KernelOption) *Kernel {
	k := &Kernel{
		store:     store,
		retention: retention,
		book:      book,
		signer:    signer,
		auditor:   audit.Nop(),
		logger:    slog.Default(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// CreateAgreement validates, seals and stores an agreement.
func (k *Kernel) CreateAgreement(ctx context.Context, a *ToolCallAgreement) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = k.now()
	}
	if err := a.Validate(); err != nil {
		return err
	}
	if err := Seal(a, k.signer); err != nil {
		return err
	}
	if err := k.store.Put(ctx, a.TenantID, a); err != nil {
		return err
	}
	return k.auditor.Record(ctx, a.TenantID, a.Payer, audit.EventMutation,
		"settlement.agreement.create", "agreement/"+a.AgreementID,
		map[string]any{"amountCents": a.AmountCents, "currency": a.Currency})
}

// Fund locks the agreement amount in the payer's escrow and issues the
// FundingHold. Funding an already-funded agreement returns the existing
// hold.
func (k *Kernel) Fund(ctx context.Context, tenantID, agreementID string, expiresAt time.Time) (*FundingHold, error) {
	agreement, err := k.store.Agreement(ctx, tenantID, agreementID)
	if err != nil {
		return nil, err
	}
	if existing, err := k.store.HoldByAgreement(ctx, tenantID, agreementID); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if err := k.book.Lock(ctx, tenantID, agreement.Payer, agreement.AmountCents); err != nil {
		return nil, err
	}
	hold := &FundingHold{
		HoldID:        uuid.New().String(),
		TenantID:      tenantID,
		AgreementID:   agreementID,
		AgreementHash: agreement.Hash,
		Payer:         agreement.Payer,
		AmountCents:   agreement.AmountCents,
		Currency:      agreement.Currency,
		ExpiresAt:     expiresAt,
		CreatedAt:     k.now(),
	}
	if err := Seal(hold, k.signer); err != nil {
		return nil, err
	}
	if err := k.store.Put(ctx, tenantID, hold); err != nil {
		return nil, err
	}
	err = k.auditor.Record(ctx, tenantID, agreement.Payer, audit.EventMoney,
		"settlement.hold.fund", "hold/"+hold.HoldID,
		map[string]any{"agreementId": agreementID, "amountCents": hold.AmountCents})
	return hold, err
}

// RecordEvidence normalizes, seals and stores evidence for an agreement.
func (k *Kernel) RecordEvidence(ctx context.Context, e *ToolCallEvidence) error {
	if _, err := k.store.Agreement(ctx, e.TenantID, e.AgreementID); err != nil {
		return err
	}
	e.Notes = NormalizeText(e.Notes)
	if err := Seal(e, k.signer); err != nil {
		return err
	}
	return k.store.Put(ctx, e.TenantID, e)
}

// Decide evaluates acceptance and seals the resulting decision record.
// A verifier error yields a held decision rather than a rejection, so a
// broken verifier never forfeits funds.
func (k *Kernel) Decide(ctx context.Context, tenantID, agreementID, evidenceID string, modality Modality) (*DecisionRecord, error) {
	agreement, err := k.store.Agreement(ctx, tenantID, agreementID)
	if err != nil {
		return nil, err
	}
	evidence, err := k.store.Evidence(ctx, tenantID, evidenceID)
	if err != nil {
		return nil, err
	}

	acceptance := EvaluateAcceptance(ctx, agreement, evidence, k.verifier)
	decision := DecisionRejected
	if acceptance.OK {
		decision = DecisionApproved
	} else {
		for _, code := range acceptance.ReasonCodes {
			if code == ReasonVerifierError {
				decision = DecisionHeld
				break
			}
		}
	}

	record := &DecisionRecord{
		DecisionID:  uuid.New().String(),
		TenantID:    tenantID,
		AgreementID: agreementID,
		Decision:    decision,
		Modality:    modality,
		ReasonCodes: acceptance.ReasonCodes,
		DecidedAt:   k.now(),
	}
	if err := record.Validate(); err != nil {
		return nil, err
	}
	if err := Seal(record, k.signer); err != nil {
		return nil, err
	}
	if err := k.store.Put(ctx, tenantID, record); err != nil {
		return nil, err
	}
	err = k.auditor.Record(ctx, tenantID, "settlement-kernel", audit.EventMutation,
		"settlement.decide", "decision/"+record.DecisionID,
		map[string]any{"agreementId": agreementID, "decision": string(decision), "reasonCodes": record.ReasonCodes})
	return record, err
}

// Settle turns a terminal decision into a receipt and moves money. An
// approved decision transfers amount minus holdback to the payee and
// retains the holdback in the payer's escrow until the challenge window
// closes; a rejected decision returns the full escrowed amount to the
// payer. A held decision conflicts: finality is still pending, so the
// escrow stays locked until a terminal decision exists. Settling an
// already-settled agreement returns the existing receipt.
func (k *Kernel) Settle(ctx context.Context, tenantID, agreementID, decisionID string) (*Receipt, error) {
	agreement, err := k.store.Agreement(ctx, tenantID, agreementID)
	if err != nil {
		return nil, err
	}
	decision, err := k.store.Decision(ctx, tenantID, decisionID)
	if err != nil {
		return nil, err
	}
	if decision.AgreementID != agreementID {
		return nil, fmt.Errorf("settlement: decision %s is for agreement %s, not %s",
			decisionID, decision.AgreementID, agreementID)
	}
	if decision.Decision == DecisionHeld {
		return nil, fmt.Errorf("%w: decision %s is held, settlement pending a terminal decision", ErrConflict, decisionID)
	}
	if existing, err := k.store.ReceiptByAgreement(ctx, tenantID, agreementID); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	hold, err := k.store.HoldByAgreement(ctx, tenantID, agreementID)
	if err != nil {
		return nil, fmt.Errorf("settlement: agreement %s is unfunded: %w", agreementID, err)
	}

	settledAt := k.now()
	receipt := &Receipt{
		V:             2,
		ReceiptID:     uuid.New().String(),
		TenantID:      tenantID,
		AgreementID:   agreementID,
		AgreementHash: agreement.Hash,
		DecisionID:    decisionID,
		SettledAt:     settledAt,
		Transfer:      Transfer{Currency: agreement.Currency, Payee: agreement.Payee},
	}

	if decision.Decision == DecisionApproved {
		held := int64(0)
		if agreement.SettlementTerms != nil {
			held = HoldbackCents(agreement.AmountCents, agreement.SettlementTerms.HoldbackBps)
		}
		transfer := agreement.AmountCents - held
		if err := k.book.TransferLocked(ctx, tenantID, agreement.Payer, agreement.Payee, transfer); err != nil {
			return nil, err
		}
		receipt.Outcome = OutcomePaid
		receipt.Transfer.AmountCents = transfer
		if held > 0 {
			challengeUntil := settledAt.Add(time.Duration(agreement.SettlementTerms.ChallengeWindowMs) * time.Millisecond)
			receipt.Retention = &Retention{HeldAmountCents: held, ChallengeUntil: challengeUntil}
			rec := &RetentionRecord{
				TenantID:       tenantID,
				ReceiptID:      receipt.ReceiptID,
				AgreementID:    agreementID,
				Payer:          agreement.Payer,
				Payee:          agreement.Payee,
				Currency:       agreement.Currency,
				HeldCents:      held,
				ChallengeUntil: challengeUntil,
				Status:         RetentionOpen,
			}
			if err := k.retention.PutRetention(ctx, rec); err != nil {
				return nil, err
			}
		}
	} else {
		if err := k.book.Unlock(ctx, tenantID, agreement.Payer, hold.AmountCents); err != nil {
			return nil, err
		}
		receipt.Outcome = OutcomeNotPaid
	}

	if err := receipt.Validate(agreement.AmountCents); err != nil {
		return nil, err
	}
	if err := Seal(receipt, k.signer); err != nil {
		return nil, err
	}
	if err := k.store.Put(ctx, tenantID, receipt); err != nil {
		return nil, err
	}
	err = k.auditor.Record(ctx, tenantID, "settlement-kernel", audit.EventMoney,
		"settlement.settle", "receipt/"+receipt.ReceiptID, map[string]any{
			"agreementId":      agreementID,
			"outcome":          string(receipt.Outcome),
			"transferredCents": receipt.Transfer.AmountCents,
		})
	return receipt, err
}

// Sweep releases expired holdbacks. A retention releases at most once:
// after the challenge window closes with no open dispute, the held
// amount moves to the payee and the record closes. Disputed and closed
// records are skipped, so repeated sweeps are no-ops.
func (k *Kernel) Sweep(ctx context.Context) (int, error) {
	open, err := k.retention.OpenRetentions(ctx)
	if err != nil {
		return 0, err
	}
	now := k.now()
	released := 0
	for _, rec := range open {
		if rec.Status != RetentionOpen || now.Before(rec.ChallengeUntil) {
			continue
		}
		if err := k.book.TransferLocked(ctx, rec.TenantID, rec.Payer, rec.Payee, rec.HeldCents); err != nil {
			k.logger.Error("sweep release failed",
				"tenantId", rec.TenantID, "receiptId", rec.ReceiptID, "error", err)
			continue
		}
		rec.Status = RetentionClosed
		rec.ClosedBy = "sweep"
		if err := k.retention.PutRetention(ctx, rec); err != nil {
			return released, err
		}
		released++
		if err := k.auditor.Record(ctx, rec.TenantID, "maintenance-sweep", audit.EventMoney,
			"settlement.sweep.release", "receipt/"+rec.ReceiptID,
			map[string]any{"heldCents": rec.HeldCents, "payee": rec.Payee}); err != nil {
			return released, err
		}
	}
	return released, nil
}

// OpenDispute freezes a retention's sweep. Disputes are only accepted
// while the retention is open and the challenge window has not closed.
func (k *Kernel) OpenDispute(ctx context.Context, tenantID, receiptID, reason string) error {
	rec, err := k.retention.Retention(ctx, tenantID, receiptID)
	if err != nil {
		return err
	}
	switch rec.Status {
	case RetentionDisputed:
		return nil
	case RetentionClosed:
		return fmt.Errorf("%w: retention for receipt %s already closed by %s", ErrConflict, receiptID, rec.ClosedBy)
	}
	if !k.now().Before(rec.ChallengeUntil) {
		return fmt.Errorf("%w: challenge window for receipt %s closed at %s", ErrConflict, receiptID, rec.ChallengeUntil.Format(time.RFC3339))
	}
	rec.Status = RetentionDisputed
	rec.DisputeReason = NormalizeText(reason)
	if err := k.retention.PutRetention(ctx, rec); err != nil {
		return err
	}
	return k.auditor.Record(ctx, tenantID, "disputant", audit.EventMutation,
		"settlement.dispute.open", "receipt/"+receiptID, map[string]any{"reason": rec.DisputeReason})
}

// Verdict resolves a dispute: the arbiter releases releaseRatePct of the
// held amount to the payee and refunds the remainder to the payer. The
// retained amount moves exactly once; a second verdict conflicts and
// later sweeps see a closed record.
func (k *Kernel) Verdict(ctx context.Context, tenantID, receiptID string, releaseRatePct int64, arbiter string) (*Adjustment, error) {
	if releaseRatePct < 0 || releaseRatePct > 100 {
		return nil, fmt.Errorf("settlement: releaseRatePct %d out of range [0,100]", releaseRatePct)
	}
	rec, err := k.retention.Retention(ctx, tenantID, receiptID)
	if err != nil {
		return nil, err
	}
	if rec.Status == RetentionClosed {
		return nil, fmt.Errorf("%w: retention for receipt %s already closed by %s", ErrConflict, receiptID, rec.ClosedBy)
	}
	if rec.Status != RetentionDisputed {
		return nil, fmt.Errorf("%w: receipt %s has no open dispute", ErrConflict, receiptID)
	}

	release := rec.HeldCents * releaseRatePct / 100
	refund := rec.HeldCents - release

	kind := AdjustmentHoldbackSplit
	switch {
	case refund == 0:
		kind = AdjustmentHoldbackRelease
	case release == 0:
		kind = AdjustmentHoldbackRefund
	}

	adj := &Adjustment{
		AdjustmentID:        uuid.New().String(),
		TenantID:            tenantID,
		ReceiptID:           receiptID,
		AgreementID:         rec.AgreementID,
		AdjKind:             kind,
		ReleaseToPayeeCents: release,
		RefundToPayerCents:  refund,
		VerdictBy:           arbiter,
		CreatedAt:           k.now(),
	}
	if err := adj.Validate(); err != nil {
		return nil, err
	}

	if release > 0 {
		if err := k.book.TransferLocked(ctx, tenantID, rec.Payer, rec.Payee, release); err != nil {
			return nil, err
		}
	}
	if refund > 0 {
		if err := k.book.Unlock(ctx, tenantID, rec.Payer, refund); err != nil {
			return nil, err
		}
	}

	if err := Seal(adj, k.signer); err != nil {
		return nil, err
	}
	if err := k.store.Put(ctx, tenantID, adj); err != nil {
		return nil, err
	}
	rec.Status = RetentionClosed
	rec.ClosedBy = adj.AdjustmentID
	if err := k.retention.PutRetention(ctx, rec); err != nil {
		return nil, err
	}
	err = k.auditor.Record(ctx, tenantID, arbiter, audit.EventMoney,
		"settlement.adjustment", "adjustment/"+adj.AdjustmentID, map[string]any{
			"receiptId":           receiptID,
			"kind":                string(kind),
			"releaseToPayeeCents": release,
			"refundToPayerCents":  refund,
		})
	return adj, err
}
