package ledger

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func buildStream(t *testing.T, steps []struct {
	typ     EventType
	payload map[string]any
}) []Event {
	t.Helper()
	var events []Event
	var prev *string
	for _, s := range steps {
		e, err := Finalize(Draft("job-1", s.typ, Actor{Type: ActorServer, ID: "srv"}, s.payload), prev, nil)
		require.NoError(t, err)
		events = append(events, e)
		h := e.ChainHash
		prev = &h
	}
	return events
}

func TestReduceLifecycle(t *testing.T) {
	events := buildStream(t, []struct {
		typ     EventType
		payload map[string]any
	}{
		{EventJobCreated, nil},
		{EventQuoteIssued, map[string]any{"amountCents": 2500, "currency": "USD"}},
		{EventExecutionStarted, nil},
		{EventExecutionCompleted, map[string]any{"outputHash": "abc", "latencyMs": 120}},
		{EventJobCompleted, nil},
	})

	st := Reduce(events)
	require.Equal(t, JobCompleted, st.Status)
	require.Len(t, st.Quotes, 1)
	require.Len(t, st.Evidence, 1)
	require.NotNil(t, st.Execution)
	require.Equal(t, events[3].ChainHash, st.Execution.ChainHash)
	require.Equal(t, 5, st.EventCount)
	require.Equal(t, events[4].ChainHash, st.HeadRef.ChainHash)
}

func TestReduceHoldLifecycle(t *testing.T) {
	events := buildStream(t, []struct {
		typ     EventType
		payload map[string]any
	}{
		{EventJobCreated, nil},
		{EventJobCompleted, nil},
		{EventSettlementHeld, map[string]any{"holdId": "h1", "exposureCents": 2500}},
		{EventSettlementReleased, map[string]any{"holdId": "h1"}},
		// A second close attempt on the same hold must not flip it.
		{EventSettlementForfeited, map[string]any{"holdId": "h1"}},
	})

	st := Reduce(events)
	require.Len(t, st.Holds, 1)
	require.Equal(t, HoldReleased, st.Holds["h1"].Status)
	require.Equal(t, EventSettlementReleased, st.Holds["h1"].ClosedBy)
	_, open := st.OpenHold("h1")
	require.False(t, open)
}

func TestReduceForfeitDecisionTracking(t *testing.T) {
	events := buildStream(t, []struct {
		typ     EventType
		payload map[string]any
	}{
		{EventJobCreated, nil},
		{EventSettlementHeld, map[string]any{"holdId": "h1"}},
		{EventDecisionRecorded, map[string]any{"kind": "SETTLEMENT_FORFEIT", "holdId": "h1"}},
	})

	st := Reduce(events)
	ref, ok := st.ForfeitDecisions["h1"]
	require.True(t, ok)
	require.Equal(t, events[2].ChainHash, ref.ChainHash)
	_, open := st.OpenHold("h1")
	require.True(t, open)
}

func TestReduceDisputeToggle(t *testing.T) {
	events := buildStream(t, []struct {
		typ     EventType
		payload map[string]any
	}{
		{EventJobCreated, nil},
		{EventSettled, nil},
		{EventDisputeOpened, map[string]any{"disputeId": "d1"}},
	})
	st := Reduce(events)
	require.Equal(t, JobSettled, st.Status)
	require.True(t, st.DisputeOpen)
	require.NotNil(t, st.SettledAt)

	resolved, err := Finalize(Draft("job-1", EventDisputeResolved, Actor{Type: ActorArbiter, ID: "arb"},
		map[string]any{"disputeId": "d1"}), &events[2].ChainHash, nil)
	require.NoError(t, err)
	st = Reduce(append(events, resolved))
	require.False(t, st.DisputeOpen)
}

func TestReduceAtAnchor(t *testing.T) {
	events := buildStream(t, []struct {
		typ     EventType
		payload map[string]any
	}{
		{EventJobCreated, nil},
		{EventJobCompleted, nil},
		{EventSettled, nil},
	})

	st := ReduceAt(events, events[1].ChainHash)
	require.Equal(t, JobCompleted, st.Status, "anchor slice must not see later events")
	require.Equal(t, 2, st.EventCount)

	require.Empty(t, SliceAt(events, "unknown-anchor"))
}
