package proof

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/keel/pkg/crypto"
	"github.com/Mindburn-Labs/keel/pkg/ledger"
	"github.com/Mindburn-Labs/keel/pkg/outbox"
)

// rebase attempts for server-side appends racing client writers.
const maxAppendRebases = 3

// Worker is the outbox handler for proof.evaluate messages. The
// evaluation append is fatal to the tick (the outbox retries it); hold
// and release appends are best-effort bookkeeping and only logged.
type Worker struct {
	store    ledger.StreamStore
	signer   crypto.Signer
	policies PolicyResolver
	logger   *slog.Logger
	now      func() time.Time
}

type WorkerOption func(*Worker)

func WithLogger(l *slog.Logger) WorkerOption {
	return func(w *Worker) { w.logger = l }
}

// WithClock overrides the worker clock, for tests.
func WithClock(now func() time.Time) WorkerOption {
	return func(w *Worker) { w.now = now }
}

func NewWorker(store ledger.StreamStore, signer crypto.Signer, policies PolicyResolver, opts ...WorkerOption) *Worker {
	w := &Worker{
		store:    store,
		signer:   signer,
		policies: policies,
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Handle processes one proof.evaluate message.
func (w *Worker) Handle(ctx context.Context, msg outbox.Message) error {
	anchor := msg.Attributes[outbox.AttrEvalAnchor]
	if anchor == "" {
		anchor = msg.SourceChainHash
	}

	events, err := w.store.Events(ctx, msg.TenantID, msg.JobID)
	if err != nil {
		return fmt.Errorf("proof: load stream %s: %w", msg.JobID, err)
	}
	anchored := ledger.ReduceAt(events, anchor)
	if anchored.HeadRef == nil {
		return fmt.Errorf("proof: anchor %.16s not found in stream %s", anchor, msg.JobID)
	}
	current := ledger.Reduce(events)

	policy, err := w.policies.PolicyFor(ctx, msg.TenantID, msg.JobID)
	if err != nil {
		return fmt.Errorf("proof: resolve policy for %s: %w", msg.JobID, err)
	}

	eval, err := Evaluate(anchored, anchor, policy)
	if err != nil {
		return err
	}

	// identical identity means this evaluation already happened
	if _, done := current.Evaluations[eval.EvaluationID]; done {
		return nil
	}

	if skip, why := w.skipPostSettlement(current, policy); skip {
		w.logger.Info("skipping post-settlement re-evaluation",
			"tenantId", msg.TenantID, "jobId", msg.JobID, "reason", why)
		return nil
	}

	proofEvent, err := w.append(ctx, msg.TenantID, msg.JobID, ledger.EventProofEvaluated, map[string]any{
		"evaluationId":    eval.EvaluationID,
		"anchorChainHash": eval.AnchorChainHash,
		"policyHash":      eval.PolicyHash,
		"status":          string(eval.Status),
		"reasonCodes":     eval.ReasonCodes,
		"factsHash":       eval.FactsHash,
	})
	if err != nil {
		return fmt.Errorf("proof: append evaluation for %s: %w", msg.JobID, err)
	}

	proofRef := map[string]any{
		"eventId":         proofEvent.ID,
		"chainHash":       proofEvent.ChainHash,
		"anchorChainHash": anchor,
		"evaluationId":    eval.EvaluationID,
	}

	switch eval.Status {
	case StatusInsufficient:
		if policy.Gates() && current.Status == ledger.JobCompleted {
			w.placeHold(ctx, msg, events, current, HoldID(anchor, eval.PolicyHash), proofRef)
		}
	case StatusPass, StatusFail:
		// a conclusive verdict releases whatever this stream still holds
		for holdID, hold := range current.Holds {
			if hold.Status == ledger.HoldOpen {
				w.releaseHold(ctx, msg, holdID, proofRef)
			}
		}
	}
	return nil
}

// skipPostSettlement applies the settled-job gate: a settled job is only
// re-evaluated while a dispute is open, or inside the policy reproof
// window. An open dispute wins even after the window has expired.
func (w *Worker) skipPostSettlement(current ledger.JobState, policy Policy) (bool, string) {
	if current.Status != ledger.JobSettled || current.SettledAt == nil {
		return false, ""
	}
	if current.DisputeOpen {
		return false, ""
	}
	if policy.ReproofWindowMs > 0 {
		deadline := current.SettledAt.Add(time.Duration(policy.ReproofWindowMs) * time.Millisecond)
		if w.now().Before(deadline) {
			return false, ""
		}
		return true, "reproof window expired"
	}
	return true, "job settled"
}

func (w *Worker) placeHold(ctx context.Context, msg outbox.Message, events []ledger.Event, current ledger.JobState, holdID string, proofRef map[string]any) {
	if _, exists := current.Holds[holdID]; exists {
		return
	}
	payload := map[string]any{
		"holdId":             holdID,
		"triggeringProofRef": proofRef,
		"pricingAnchor":      current.Quotes,
		"exposureCents":      exposureCents(events, current.Quotes),
	}
	if _, err := w.append(ctx, msg.TenantID, msg.JobID, ledger.EventSettlementHeld, payload); err != nil {
		w.logger.Error("settlement hold append failed",
			"tenantId", msg.TenantID, "jobId", msg.JobID, "holdId", holdID, "error", err)
	}
}

func (w *Worker) releaseHold(ctx context.Context, msg outbox.Message, holdID string, proofRef map[string]any) {
	payload := map[string]any{
		"holdId":            holdID,
		"releasingProofRef": proofRef,
	}
	if _, err := w.append(ctx, msg.TenantID, msg.JobID, ledger.EventSettlementReleased, payload); err != nil {
		w.logger.Error("settlement release append failed",
			"tenantId", msg.TenantID, "jobId", msg.JobID, "holdId", holdID, "error", err)
	}
}

// Forfeit closes an open hold through the finance-authorized path: a
// DECISION_RECORDED of kind SETTLEMENT_FORFEIT must already be on the
// stream. Unlike hold/release bookkeeping, forfeiture errors are fatal.
func (w *Worker) Forfeit(ctx context.Context, tenantID, jobID, holdID string) (ledger.Event, error) {
	events, err := w.store.Events(ctx, tenantID, jobID)
	if err != nil {
		return ledger.Event{}, err
	}
	current := ledger.Reduce(events)

	decisionRef, authorized := current.ForfeitDecisions[holdID]
	if !authorized {
		return ledger.Event{}, fmt.Errorf("proof: forfeiting hold %.16s requires a recorded SETTLEMENT_FORFEIT decision", holdID)
	}
	hold, open := current.OpenHold(holdID)
	if !open {
		return ledger.Event{}, fmt.Errorf("proof: hold %.16s is not open", holdID)
	}

	return w.append(ctx, tenantID, jobID, ledger.EventSettlementForfeited, map[string]any{
		"holdId":             holdID,
		"decisionRef":        decisionRef,
		"settlementProofRef": hold.Triggered["triggeringProofRef"],
	})
}

// append finalizes and appends a server event, rebasing on stale-head
// conflicts a bounded number of times.
func (w *Worker) append(ctx context.Context, tenantID, streamID string, typ ledger.EventType, payload map[string]any) (ledger.Event, error) {
	head, err := w.store.Head(ctx, tenantID, streamID)
	if err != nil {
		return ledger.Event{}, err
	}
	draft := ledger.Draft(streamID, typ, ledger.Actor{Type: ledger.ActorServer, ID: w.signer.KeyID()}, payload)
	event, err := ledger.Finalize(draft, head, w.signer)
	if err != nil {
		return ledger.Event{}, err
	}

	for attempt := 0; ; attempt++ {
		stored, err := w.store.Append(ctx, tenantID, event, ledger.IdempotencyKey(ledger.KeyModeServer, event.ID, event.PrevChainHash))
		if err == nil {
			return stored, nil
		}
		var conflict *ledger.ConflictError
		if !errors.As(err, &conflict) || conflict.Reason != ledger.ConflictStaleHead || attempt >= maxAppendRebases {
			return ledger.Event{}, err
		}
		event, err = ledger.Refinalize(event, conflict.Head, w.signer)
		if err != nil {
			return ledger.Event{}, err
		}
	}
}

// exposureCents sums the quoted amounts referenced by the pricing anchor.
func exposureCents(events []ledger.Event, quotes []ledger.Ref) int64 {
	byHash := make(map[string]ledger.Event, len(events))
	for _, e := range events {
		byHash[e.ChainHash] = e
	}
	var total int64
	for _, q := range quotes {
		if e, ok := byHash[q.ChainHash]; ok {
			if cents, ok := ledger.PayloadInt64(e.Payload, "amountCents"); ok {
				total += cents
			}
		}
	}
	return total
}
