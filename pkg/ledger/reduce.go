package ledger

import (
	"encoding/json"
	"time"
)

// JobStatus is the projected lifecycle position of a job stream.
type JobStatus string

const (
	JobCreated   JobStatus = "created"
	JobQuoted    JobStatus = "quoted"
	JobExecuting JobStatus = "executing"
	JobCompleted JobStatus = "completed"
	JobSettled   JobStatus = "settled"
)

// HoldStatus tracks the lifecycle of a settlement hold inside a stream.
type HoldStatus string

const (
	HoldOpen      HoldStatus = "open"
	HoldReleased  HoldStatus = "released"
	HoldForfeited HoldStatus = "forfeited"
)

// HoldState is the projected state of one hold.
type HoldState struct {
	HoldID    string
	Status    HoldStatus
	HeldAt    Ref
	ClosedAt  *Ref
	ClosedBy  EventType
	Triggered map[string]any // SETTLEMENT_HELD payload as appended
}

// JobState is the fold of a job stream: everything the proof evaluator
// and settlement kernel need, derived purely from events.
type JobState struct {
	StreamID   string
	Status     JobStatus
	HeadRef    *Ref
	EventCount int

	Quotes    []Ref
	Evidence  []map[string]any
	Execution *Ref // last EXECUTION_COMPLETED

	Evaluations map[string]Ref // evaluationId -> PROOF_EVALUATED ref
	Holds       map[string]*HoldState

	// Forfeit authorizations: holdId -> DECISION_RECORDED ref of kind
	// SETTLEMENT_FORFEIT. Forfeiture without one is invalid.
	ForfeitDecisions map[string]Ref

	DisputeOpen bool
	SettledAt   *time.Time
	SettledRef  *Ref
}

// Reduce folds an ordered event slice into the current job state.
func Reduce(events []Event) JobState {
	st := JobState{
		Status:           JobCreated,
		Evaluations:      make(map[string]Ref),
		Holds:            make(map[string]*HoldState),
		ForfeitDecisions: make(map[string]Ref),
	}

	for i := range events {
		e := events[i]
		st.StreamID = e.StreamID
		st.EventCount++
		ref := RefOf(e)
		st.HeadRef = &ref

		switch e.Type {
		case EventJobCreated:
			st.Status = JobCreated
		case EventQuoteIssued:
			st.Quotes = append(st.Quotes, ref)
			if st.Status == JobCreated {
				st.Status = JobQuoted
			}
		case EventExecutionStarted:
			st.Status = JobExecuting
		case EventExecutionCompleted:
			st.Execution = &ref
			st.Evidence = append(st.Evidence, e.Payload)
		case EventEvidenceAdded:
			st.Evidence = append(st.Evidence, e.Payload)
		case EventJobCompleted:
			st.Status = JobCompleted
		case EventProofEvaluated:
			if id := payloadString(e.Payload, "evaluationId"); id != "" {
				st.Evaluations[id] = ref
			}
		case EventSettlementHeld:
			if id := payloadString(e.Payload, "holdId"); id != "" {
				if _, exists := st.Holds[id]; !exists {
					st.Holds[id] = &HoldState{
						HoldID:    id,
						Status:    HoldOpen,
						HeldAt:    ref,
						Triggered: e.Payload,
					}
				}
			}
		case EventSettlementReleased:
			if h, ok := st.Holds[payloadString(e.Payload, "holdId")]; ok && h.Status == HoldOpen {
				h.Status = HoldReleased
				h.ClosedAt = &ref
				h.ClosedBy = EventSettlementReleased
			}
		case EventSettlementForfeited:
			if h, ok := st.Holds[payloadString(e.Payload, "holdId")]; ok && h.Status == HoldOpen {
				h.Status = HoldForfeited
				h.ClosedAt = &ref
				h.ClosedBy = EventSettlementForfeited
			}
		case EventDecisionRecorded:
			if payloadString(e.Payload, "kind") == "SETTLEMENT_FORFEIT" {
				if holdID := payloadString(e.Payload, "holdId"); holdID != "" {
					st.ForfeitDecisions[holdID] = ref
				}
			}
		case EventSettled:
			st.Status = JobSettled
			at := e.At
			st.SettledAt = &at
			st.SettledRef = &ref
		case EventDisputeOpened:
			st.DisputeOpen = true
		case EventDisputeResolved:
			st.DisputeOpen = false
		}
	}
	return st
}

// ReduceAt folds the stream only up to (and including) the event whose
// chain hash equals anchor. An unknown anchor yields the empty prefix.
func ReduceAt(events []Event, anchor string) JobState {
	return Reduce(SliceAt(events, anchor))
}

// SliceAt returns the stream prefix ending at the anchor chain hash.
func SliceAt(events []Event, anchor string) []Event {
	for i := range events {
		if events[i].ChainHash == anchor {
			return events[:i+1]
		}
	}
	return nil
}

// OpenHold returns the hold with the given id if it is still open.
func (s *JobState) OpenHold(holdID string) (*HoldState, bool) {
	h, ok := s.Holds[holdID]
	if !ok || h.Status != HoldOpen {
		return nil, false
	}
	return h, true
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

// PayloadInt64 reads an integer payload field, tolerating the float64
// and json.Number forms JSON round-trips produce.
func PayloadInt64(payload map[string]any, key string) (int64, bool) {
	if payload == nil {
		return 0, false
	}
	switch v := payload[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	default:
		return 0, false
	}
}
