package settlement

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type kernelFixture struct {
	kernel *Kernel
	store  *MemoryStore
	book   *MemoryBook
	clock  *fakeClock
}

func newKernelFixture(t *testing.T, opts ...KernelOption) *kernelFixture {
	t.Helper()
	signer, _ := testSigner(t)
	store := NewMemoryStore()
	book := NewMemoryBook()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}

	opts = append([]KernelOption{WithClock(clock.Now)}, opts...)
	k := NewKernel(store, store, book, signer, opts...)
	return &kernelFixture{kernel: k, store: store, book: book, clock: clock}
}

// settleApproved runs agreement → fund → evidence → decide → settle with
// a passing evaluation and returns the receipt.
func (f *kernelFixture) settleApproved(t *testing.T, agreement *ToolCallAgreement) *Receipt {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, f.book.Deposit(ctx, agreement.TenantID, agreement.Payer, agreement.AmountCents*2))
	require.NoError(t, f.kernel.CreateAgreement(ctx, agreement))

	_, err := f.kernel.Fund(ctx, agreement.TenantID, agreement.AgreementID, f.clock.Now().Add(time.Hour))
	require.NoError(t, err)

	evidence := evidenceFor(agreement.AgreementID, 200*time.Millisecond, strings.Repeat("e", 64), 42)
	evidence.TenantID = agreement.TenantID
	require.NoError(t, f.kernel.RecordEvidence(ctx, evidence))

	decision, err := f.kernel.Decide(ctx, agreement.TenantID, agreement.AgreementID, evidence.EvidenceID, ModalityDeterministic)
	require.NoError(t, err)
	require.Equal(t, DecisionApproved, decision.Decision)

	receipt, err := f.kernel.Settle(ctx, agreement.TenantID, agreement.AgreementID, decision.DecisionID)
	require.NoError(t, err)
	return receipt
}

func TestSettleWithHoldbackThenSweepReleases(t *testing.T) {
	f := newKernelFixture(t)
	ctx := context.Background()

	agreement := validAgreement() // 2500 cents, 1000 bps, 24h window
	receipt := f.settleApproved(t, agreement)

	require.Equal(t, OutcomePaid, receipt.Outcome)
	require.Equal(t, int64(2250), receipt.Transfer.AmountCents)
	require.NotNil(t, receipt.Retention)
	require.Equal(t, int64(250), receipt.Retention.HeldAmountCents)
	require.Equal(t, f.clock.Now().Add(24*time.Hour), receipt.Retention.ChallengeUntil)

	payee, _ := f.book.Balance(ctx, "tenant-1", "search-tool")
	require.Equal(t, int64(2250), payee.AvailableCents)
	payer, _ := f.book.Balance(ctx, "tenant-1", "acme-agent")
	require.Equal(t, int64(250), payer.EscrowLockedCents)

	// inside the challenge window the sweep must not touch the holdback
	released, err := f.kernel.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, released)

	f.clock.Advance(24*time.Hour + time.Second)
	released, err = f.kernel.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, released)

	payee, _ = f.book.Balance(ctx, "tenant-1", "search-tool")
	require.Equal(t, int64(2500), payee.AvailableCents)
	payer, _ = f.book.Balance(ctx, "tenant-1", "acme-agent")
	require.Zero(t, payer.EscrowLockedCents)

	// the sweep released once; running it again moves nothing
	released, err = f.kernel.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, released)
}

func TestSettleWithoutHoldback(t *testing.T) {
	f := newKernelFixture(t)

	agreement := validAgreement()
	agreement.SettlementTerms = nil
	receipt := f.settleApproved(t, agreement)

	require.Equal(t, OutcomePaid, receipt.Outcome)
	require.Equal(t, int64(2500), receipt.Transfer.AmountCents)
	require.Nil(t, receipt.Retention)

	payee, _ := f.book.Balance(context.Background(), "tenant-1", "search-tool")
	require.Equal(t, int64(2500), payee.AvailableCents)
}

func TestSettleRejectedReturnsEscrow(t *testing.T) {
	f := newKernelFixture(t)
	ctx := context.Background()

	agreement := validAgreement()
	agreement.AcceptanceCriteria = AcceptanceCriteria{RequireOutput: true}
	require.NoError(t, f.book.Deposit(ctx, "tenant-1", "acme-agent", 2500))
	require.NoError(t, f.kernel.CreateAgreement(ctx, agreement))
	_, err := f.kernel.Fund(ctx, "tenant-1", agreement.AgreementID, f.clock.Now().Add(time.Hour))
	require.NoError(t, err)

	evidence := evidenceFor(agreement.AgreementID, time.Millisecond, "", 0) // no output
	evidence.TenantID = "tenant-1"
	require.NoError(t, f.kernel.RecordEvidence(ctx, evidence))

	decision, err := f.kernel.Decide(ctx, "tenant-1", agreement.AgreementID, evidence.EvidenceID, ModalityDeterministic)
	require.NoError(t, err)
	require.Equal(t, DecisionRejected, decision.Decision)
	require.Contains(t, decision.ReasonCodes, ReasonOutputMissing)

	receipt, err := f.kernel.Settle(ctx, "tenant-1", agreement.AgreementID, decision.DecisionID)
	require.NoError(t, err)
	require.Equal(t, OutcomeNotPaid, receipt.Outcome)
	require.Zero(t, receipt.Transfer.AmountCents)
	require.Nil(t, receipt.Retention)

	payer, _ := f.book.Balance(ctx, "tenant-1", "acme-agent")
	require.Equal(t, int64(2500), payer.AvailableCents)
	require.Zero(t, payer.EscrowLockedCents)
}

func TestDisputeFreezesSweepAndVerdictSplits(t *testing.T) {
	f := newKernelFixture(t)
	ctx := context.Background()

	receipt := f.settleApproved(t, validAgreement())
	require.NoError(t, f.kernel.OpenDispute(ctx, "tenant-1", receipt.ReceiptID, "output was stale"))

	// window passes, but the dispute freezes the release
	f.clock.Advance(25 * time.Hour)
	released, err := f.kernel.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, released)

	adj, err := f.kernel.Verdict(ctx, "tenant-1", receipt.ReceiptID, 50, "arbiter-1")
	require.NoError(t, err)
	require.Equal(t, AdjustmentHoldbackSplit, adj.AdjKind)
	require.Equal(t, int64(125), adj.ReleaseToPayeeCents)
	require.Equal(t, int64(125), adj.RefundToPayerCents)

	payee, _ := f.book.Balance(ctx, "tenant-1", "search-tool")
	require.Equal(t, int64(2250+125), payee.AvailableCents)
	payer, _ := f.book.Balance(ctx, "tenant-1", "acme-agent")
	require.Equal(t, int64(2500+125), payer.AvailableCents)
	require.Zero(t, payer.EscrowLockedCents)

	// the retained amount moved exactly once
	released, err = f.kernel.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, released)

	_, err = f.kernel.Verdict(ctx, "tenant-1", receipt.ReceiptID, 100, "arbiter-1")
	require.ErrorIs(t, err, ErrConflict)
}

func TestVerdictExtremesPickAdjustmentKind(t *testing.T) {
	ctx := context.Background()

	fullRelease := newKernelFixture(t)
	receipt := fullRelease.settleApproved(t, validAgreement())
	require.NoError(t, fullRelease.kernel.OpenDispute(ctx, "tenant-1", receipt.ReceiptID, "disputed"))
	adj, err := fullRelease.kernel.Verdict(ctx, "tenant-1", receipt.ReceiptID, 100, "arbiter-1")
	require.NoError(t, err)
	require.Equal(t, AdjustmentHoldbackRelease, adj.AdjKind)
	require.Equal(t, int64(250), adj.ReleaseToPayeeCents)

	fullRefund := newKernelFixture(t)
	receipt = fullRefund.settleApproved(t, validAgreement())
	require.NoError(t, fullRefund.kernel.OpenDispute(ctx, "tenant-1", receipt.ReceiptID, "disputed"))
	adj, err = fullRefund.kernel.Verdict(ctx, "tenant-1", receipt.ReceiptID, 0, "arbiter-1")
	require.NoError(t, err)
	require.Equal(t, AdjustmentHoldbackRefund, adj.AdjKind)
	require.Equal(t, int64(250), adj.RefundToPayerCents)
}

func TestDisputeAfterWindowRejected(t *testing.T) {
	f := newKernelFixture(t)
	ctx := context.Background()

	receipt := f.settleApproved(t, validAgreement())
	f.clock.Advance(25 * time.Hour)
	require.ErrorIs(t, f.kernel.OpenDispute(ctx, "tenant-1", receipt.ReceiptID, "too late"), ErrConflict)
}

func TestVerdictWithoutDisputeRejected(t *testing.T) {
	f := newKernelFixture(t)
	receipt := f.settleApproved(t, validAgreement())

	_, err := f.kernel.Verdict(context.Background(), "tenant-1", receipt.ReceiptID, 50, "arbiter-1")
	require.ErrorIs(t, err, ErrConflict)
}

func TestFundIsIdempotent(t *testing.T) {
	f := newKernelFixture(t)
	ctx := context.Background()

	agreement := validAgreement()
	require.NoError(t, f.book.Deposit(ctx, "tenant-1", "acme-agent", 5000))
	require.NoError(t, f.kernel.CreateAgreement(ctx, agreement))

	first, err := f.kernel.Fund(ctx, "tenant-1", agreement.AgreementID, f.clock.Now().Add(time.Hour))
	require.NoError(t, err)
	second, err := f.kernel.Fund(ctx, "tenant-1", agreement.AgreementID, f.clock.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, first.HoldID, second.HoldID)

	// locked once, not twice
	payer, _ := f.book.Balance(ctx, "tenant-1", "acme-agent")
	require.Equal(t, int64(2500), payer.EscrowLockedCents)
	require.Equal(t, int64(2500), payer.AvailableCents)
}

func TestFundInsufficientFunds(t *testing.T) {
	f := newKernelFixture(t)
	ctx := context.Background()

	agreement := validAgreement()
	require.NoError(t, f.book.Deposit(ctx, "tenant-1", "acme-agent", 100))
	require.NoError(t, f.kernel.CreateAgreement(ctx, agreement))

	_, err := f.kernel.Fund(ctx, "tenant-1", agreement.AgreementID, f.clock.Now().Add(time.Hour))
	require.ErrorIs(t, err, ErrInsufficientFunds)
}

func TestSettleIsIdempotent(t *testing.T) {
	f := newKernelFixture(t)
	ctx := context.Background()

	agreement := validAgreement()
	first := f.settleApproved(t, agreement)
	second, err := f.kernel.Settle(ctx, "tenant-1", agreement.AgreementID, first.DecisionID)
	require.NoError(t, err)
	require.Equal(t, first.ReceiptID, second.ReceiptID)

	// balances unchanged by the replay
	payee, _ := f.book.Balance(ctx, "tenant-1", "search-tool")
	require.Equal(t, int64(2250), payee.AvailableCents)
}

func TestSettleUnfundedAgreementFails(t *testing.T) {
	f := newKernelFixture(t)
	ctx := context.Background()

	agreement := validAgreement()
	require.NoError(t, f.kernel.CreateAgreement(ctx, agreement))
	evidence := evidenceFor(agreement.AgreementID, time.Millisecond, strings.Repeat("f", 64), 1)
	evidence.TenantID = "tenant-1"
	require.NoError(t, f.kernel.RecordEvidence(ctx, evidence))
	decision, err := f.kernel.Decide(ctx, "tenant-1", agreement.AgreementID, evidence.EvidenceID, ModalityDeterministic)
	require.NoError(t, err)

	_, err = f.kernel.Settle(ctx, "tenant-1", agreement.AgreementID, decision.DecisionID)
	require.ErrorContains(t, err, "unfunded")
}

func TestDecideVerifierErrorHolds(t *testing.T) {
	f := newKernelFixture(t, WithVerifier(stubVerifier{err: context.DeadlineExceeded}))
	ctx := context.Background()

	agreement := validAgreement()
	agreement.AcceptanceCriteria = AcceptanceCriteria{}
	require.NoError(t, f.kernel.CreateAgreement(ctx, agreement))
	evidence := evidenceFor(agreement.AgreementID, time.Millisecond, strings.Repeat("a", 64), 1)
	evidence.TenantID = "tenant-1"
	require.NoError(t, f.kernel.RecordEvidence(ctx, evidence))

	decision, err := f.kernel.Decide(ctx, "tenant-1", agreement.AgreementID, evidence.EvidenceID, ModalityDeterministic)
	require.NoError(t, err)
	require.Equal(t, DecisionHeld, decision.Decision)
	require.Contains(t, decision.ReasonCodes, ReasonVerifierError)
}

func TestSettleHeldDecisionConflicts(t *testing.T) {
	f := newKernelFixture(t, WithVerifier(stubVerifier{err: context.DeadlineExceeded}))
	ctx := context.Background()

	agreement := validAgreement()
	agreement.AcceptanceCriteria = AcceptanceCriteria{}
	require.NoError(t, f.book.Deposit(ctx, "tenant-1", "acme-agent", 2500))
	require.NoError(t, f.kernel.CreateAgreement(ctx, agreement))
	_, err := f.kernel.Fund(ctx, "tenant-1", agreement.AgreementID, f.clock.Now().Add(time.Hour))
	require.NoError(t, err)

	evidence := evidenceFor(agreement.AgreementID, time.Millisecond, strings.Repeat("a", 64), 1)
	evidence.TenantID = "tenant-1"
	require.NoError(t, f.kernel.RecordEvidence(ctx, evidence))

	decision, err := f.kernel.Decide(ctx, "tenant-1", agreement.AgreementID, evidence.EvidenceID, ModalityDeterministic)
	require.NoError(t, err)
	require.Equal(t, DecisionHeld, decision.Decision)

	_, err = f.kernel.Settle(ctx, "tenant-1", agreement.AgreementID, decision.DecisionID)
	require.ErrorIs(t, err, ErrConflict)

	// escrow stays locked while finality is pending
	payer, _ := f.book.Balance(ctx, "tenant-1", "acme-agent")
	require.Equal(t, int64(2500), payer.EscrowLockedCents)
	require.Zero(t, payer.AvailableCents)
}

func TestRecordEvidenceNormalizesNotes(t *testing.T) {
	f := newKernelFixture(t)
	ctx := context.Background()

	agreement := validAgreement()
	require.NoError(t, f.kernel.CreateAgreement(ctx, agreement))

	evidence := evidenceFor(agreement.AgreementID, time.Millisecond, strings.Repeat("a", 64), 1)
	evidence.TenantID = "tenant-1"
	evidence.Notes = "café" // decomposed e + combining acute
	require.NoError(t, f.kernel.RecordEvidence(ctx, evidence))

	stored, err := f.store.Evidence(ctx, "tenant-1", evidence.EvidenceID)
	require.NoError(t, err)
	require.Equal(t, "café", stored.Notes)
}
