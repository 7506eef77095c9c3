// Package outbox turns committed ledger events into derived work exactly
// once per trigger. Messages are created synchronously with their
// triggering event, consumed asynchronously by a dispatcher, and deduped
// by (tenant, job, source event, artifact kind | evaluation anchor).
package outbox

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the outbox message lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusClaimed   Status = "claimed"
	StatusProcessed Status = "processed"
	// StatusDead marks a message processed-with-error after the attempt
	// budget was spent. Dead letters are recorded, never retried or lost.
	StatusDead Status = "dead"
)

// Attribute keys used in the dedupe identity.
const (
	AttrArtifactKind = "artifactKind"
	AttrEvalAnchor   = "evalAnchor"
)

// Message is one unit of derived work.
type Message struct {
	ID              string            `json:"id"`
	Topic           string            `json:"topic"`
	TenantID        string            `json:"tenantId"`
	JobID           string            `json:"jobId"`
	SourceEventID   string            `json:"sourceEventId"`
	SourceChainHash string            `json:"sourceChainHash"`
	Attributes      map[string]string `json:"attributes,omitempty"`
	Attempts        int               `json:"attempts"`
	Status          Status            `json:"status"`
	LastError       string            `json:"lastError,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
}

// NewMessage assembles a pending message with a fresh id.
func NewMessage(topic, tenantID, jobID, sourceEventID, sourceChainHash string, attrs map[string]string) Message {
	return Message{
		ID:              uuid.New().String(),
		Topic:           topic,
		TenantID:        tenantID,
		JobID:           jobID,
		SourceEventID:   sourceEventID,
		SourceChainHash: sourceChainHash,
		Attributes:      attrs,
		Status:          StatusPending,
		CreatedAt:       time.Now().UTC(),
	}
}

// DedupeKey is the exactly-once identity of a message. Replays of the
// same source event never enqueue duplicate work.
func (m Message) DedupeKey() string {
	discriminator := m.Attributes[AttrArtifactKind]
	if discriminator == "" {
		discriminator = m.Attributes[AttrEvalAnchor]
	}
	return strings.Join([]string{m.TenantID, m.JobID, m.SourceEventID, discriminator}, "|")
}

// GroupKey serializes processing per job stream: two messages with the
// same group are never handled concurrently.
func (m Message) GroupKey() string {
	return m.TenantID + "|" + m.JobID
}
