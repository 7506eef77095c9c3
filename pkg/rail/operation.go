// Package rail tracks external fund transfers as idempotent operations
// over a fixed state machine. The rail never moves money itself; it
// records what the provider was asked to do and what the provider said
// happened, exactly once each.
package rail

import (
	"time"
)

// Direction distinguishes money leaving from money arriving.
type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
)

// State of a rail operation.
type State string

const (
	StateInitiated State = "initiated"
	StateSubmitted State = "submitted"
	StateConfirmed State = "confirmed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
	StateReversed  State = "reversed"
)

// transitions is the fixed table. Anything absent is invalid; failed,
// cancelled and reversed are terminal.
var transitions = map[State][]State{
	StateInitiated: {StateSubmitted, StateFailed, StateCancelled},
	StateSubmitted: {StateConfirmed, StateFailed, StateCancelled},
	StateConfirmed: {StateReversed},
}

// CanTransition reports whether from → to is allowed.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a state admits no further transitions.
func Terminal(s State) bool {
	return len(transitions[s]) == 0
}

// Operation is one tracked transfer.
type Operation struct {
	OperationID    string    `json:"operationId"`
	TenantID       string    `json:"tenantId"`
	Direction      Direction `json:"direction"`
	State          State     `json:"state"`
	AmountCents    int64     `json:"amountCents"`
	Currency       string    `json:"currency"`
	Counterparty   string    `json:"counterparty"`
	IdempotencyKey string    `json:"idempotencyKey"`
	// RequestHash pins the create request body: a replayed key with a
	// different body is a conflict, never silently accepted.
	RequestHash string    `json:"requestHash"`
	ProviderRef string    `json:"providerRef,omitempty"`
	LastError   string    `json:"lastError,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// ProviderEvent is one webhook delivery from the rail provider.
type ProviderEvent struct {
	TenantID    string         `json:"tenantId"`
	OperationID string         `json:"operationId"`
	EventType   string         `json:"eventType"`
	EventID     string         `json:"eventId,omitempty"`
	At          time.Time      `json:"at"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// DedupeKey identifies a delivery: replays of the same provider event
// return the recorded outcome without re-applying. Providers without
// event ids fall back to the event timestamp.
func (e ProviderEvent) DedupeKey() string {
	discriminator := e.EventID
	if discriminator == "" {
		discriminator = e.At.UTC().Format(time.RFC3339Nano)
	}
	return e.TenantID + "|" + e.OperationID + "|" + e.EventType + "|" + discriminator
}

// IngestOutcome is what applying (or replaying) a provider event yields.
type IngestOutcome struct {
	OperationID string `json:"operationId"`
	State       State  `json:"state"`
	Applied     bool   `json:"applied"`
	Reason      string `json:"reason,omitempty"`
}
