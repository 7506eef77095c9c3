// Package ledger — hash-chained, signed event streams.
//
// Every unit of paid work is an append-only stream of events. Each event
// binds to its predecessor through a chain hash; current job state is
// always a fold over the stream, never stored as mutable truth. Appends
// are guarded by an expected previous chain hash (the system's
// compare-and-swap); a stale expectation is a conflict the caller must
// rebase and retry.
package ledger

import (
	"time"
)

// SchemaVersion is the event envelope version.
const SchemaVersion = 1

// ActorType categorizes who authored an event.
type ActorType string

const (
	ActorClient  ActorType = "client"
	ActorServer  ActorType = "server"
	ActorFinance ActorType = "finance"
	ActorArbiter ActorType = "arbiter"
	ActorSystem  ActorType = "system"
)

// Actor identifies the author of an event.
type Actor struct {
	Type ActorType `json:"type"`
	ID   string    `json:"id"`
}

// EventType enumerates every event kind a job stream may carry.
// The outbox trigger table (pkg/outbox) switches exhaustively over these,
// so adding a type forces a decision about its side effects.
type EventType string

const (
	EventJobCreated          EventType = "JOB_CREATED"
	EventQuoteIssued         EventType = "QUOTE_ISSUED"
	EventExecutionStarted    EventType = "EXECUTION_STARTED"
	EventExecutionCompleted  EventType = "EXECUTION_COMPLETED"
	EventEvidenceAdded       EventType = "EVIDENCE_ADDED"
	EventJobCompleted        EventType = "COMPLETED"
	EventProofEvaluated      EventType = "PROOF_EVALUATED"
	EventSettlementHeld      EventType = "SETTLEMENT_HELD"
	EventSettlementReleased  EventType = "SETTLEMENT_RELEASED"
	EventSettlementForfeited EventType = "SETTLEMENT_FORFEITED"
	EventDecisionRecorded    EventType = "DECISION_RECORDED"
	EventSettled             EventType = "SETTLED"
	EventDisputeOpened       EventType = "DISPUTE_OPENED"
	EventDisputeResolved     EventType = "DISPUTE_RESOLVED"
)

// Event is one immutable entry in a stream.
//
// PayloadHash covers {v,id,at,streamId,type,actor,payload}; ChainHash
// covers {v,prevChainHash,payloadHash}. The first event of a stream has
// PrevChainHash == nil. Signature, when present, is Ed25519 over the
// payload hash.
type Event struct {
	V             int            `json:"v"`
	ID            string         `json:"id"`
	At            time.Time      `json:"at"`
	StreamID      string         `json:"streamId"`
	Type          EventType      `json:"type"`
	Actor         Actor          `json:"actor"`
	Payload       map[string]any `json:"payload"`
	PayloadHash   string         `json:"payloadHash"`
	PrevChainHash *string        `json:"prevChainHash"`
	ChainHash     string         `json:"chainHash"`
	Signature     string         `json:"signature,omitempty"`
	SignerKeyID   string         `json:"signerKeyId,omitempty"`
}

// Ref points at an event by identity and position in its chain.
type Ref struct {
	EventID   string `json:"eventId"`
	ChainHash string `json:"chainHash"`
}

// RefOf returns the Ref for a finalized event.
func RefOf(e Event) Ref {
	return Ref{EventID: e.ID, ChainHash: e.ChainHash}
}
