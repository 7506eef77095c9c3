package settlement

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Mindburn-Labs/keel/pkg/crypto"
)

// For any agreement amount and holdback rate, an approved settlement
// must reconcile exactly: transferred + held == amount, and the book
// conserves money across the whole flow.
func TestReceiptReconciliationProperty(t *testing.T) {
	signer, err := crypto.NewEd25519Signer()
	if err != nil {
		t.Fatal(err)
	}

	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 100

	properties := gopter.NewProperties(params)

	properties.Property("paid receipt reconciles and conserves money", prop.ForAll(
		func(amountCents int64, holdbackBps int64) bool {
			ctx := context.Background()
			store := NewMemoryStore()
			book := NewMemoryBook()
			clock := &fakeClock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
			k := NewKernel(store, store, book, signer, WithClock(clock.Now))

			agreement := validAgreement()
			agreement.AmountCents = amountCents
			if holdbackBps > 0 {
				agreement.SettlementTerms = &SettlementTerms{HoldbackBps: holdbackBps, ChallengeWindowMs: 1000}
			} else {
				agreement.SettlementTerms = nil
			}
			agreement.AcceptanceCriteria = AcceptanceCriteria{}

			if err := book.Deposit(ctx, "tenant-1", "acme-agent", amountCents); err != nil {
				return false
			}
			if err := k.CreateAgreement(ctx, agreement); err != nil {
				return false
			}
			if _, err := k.Fund(ctx, "tenant-1", agreement.AgreementID, clock.Now().Add(time.Hour)); err != nil {
				return false
			}
			evidence := evidenceFor(agreement.AgreementID, time.Millisecond, strings.Repeat("a", 64), 1)
			evidence.TenantID = "tenant-1"
			if err := k.RecordEvidence(ctx, evidence); err != nil {
				return false
			}
			decision, err := k.Decide(ctx, "tenant-1", agreement.AgreementID, evidence.EvidenceID, ModalityDeterministic)
			if err != nil || decision.Decision != DecisionApproved {
				return false
			}
			receipt, err := k.Settle(ctx, "tenant-1", agreement.AgreementID, decision.DecisionID)
			if err != nil {
				return false
			}

			held := int64(0)
			if receipt.Retention != nil {
				held = receipt.Retention.HeldAmountCents
			}
			if receipt.Outcome != OutcomePaid || receipt.Transfer.AmountCents+held != amountCents {
				return false
			}
			if held != HoldbackCents(amountCents, holdbackBps) {
				return false
			}

			payer, _ := book.Balance(ctx, "tenant-1", "acme-agent")
			payee, _ := book.Balance(ctx, "tenant-1", "search-tool")
			total := payer.AvailableCents + payer.EscrowLockedCents + payee.AvailableCents + payee.EscrowLockedCents
			if total != amountCents {
				return false
			}

			// after the window the sweep drains the escrow exactly once
			clock.Advance(2 * time.Second)
			if _, err := k.Sweep(ctx); err != nil {
				return false
			}
			payee, _ = book.Balance(ctx, "tenant-1", "search-tool")
			payer, _ = book.Balance(ctx, "tenant-1", "acme-agent")
			return payee.AvailableCents == amountCents && payer.EscrowLockedCents == 0
		},
		gen.Int64Range(1, 1_000_000),
		gen.Int64Range(0, 10000),
	))

	properties.TestingRun(t)
}
