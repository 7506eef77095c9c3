package outbox

import (
	"github.com/Mindburn-Labs/keel/pkg/ledger"
)

// Topics routed to dispatcher handlers.
const (
	TopicProofEvaluate    = "proof.evaluate"
	TopicArtifactGenerate = "artifact.generate"
)

// ArtifactKind enumerates derived documents rendered off the stream.
type ArtifactKind string

const (
	ArtifactWorkCertificate     ArtifactKind = "WorkCertificate"
	ArtifactSettlementStatement ArtifactKind = "SettlementStatement"
)

// Trigger maps an event to one unit of derived work.
type Trigger struct {
	Topic        string
	ArtifactKind ArtifactKind // empty for proof evaluation
}

// TriggersFor is the static trigger table. The switch is exhaustive over
// ledger.EventType: a new event type does not compile into the worker
// until someone decides its side effects here.
func TriggersFor(t ledger.EventType) []Trigger {
	switch t {
	case ledger.EventExecutionCompleted, ledger.EventEvidenceAdded:
		return []Trigger{{Topic: TopicProofEvaluate}}
	case ledger.EventSettled:
		return []Trigger{
			{Topic: TopicArtifactGenerate, ArtifactKind: ArtifactWorkCertificate},
			{Topic: TopicArtifactGenerate, ArtifactKind: ArtifactSettlementStatement},
		}
	case ledger.EventJobCreated,
		ledger.EventQuoteIssued,
		ledger.EventExecutionStarted,
		ledger.EventJobCompleted,
		ledger.EventProofEvaluated,
		ledger.EventSettlementHeld,
		ledger.EventSettlementReleased,
		ledger.EventSettlementForfeited,
		ledger.EventDecisionRecorded,
		ledger.EventDisputeOpened,
		ledger.EventDisputeResolved:
		return nil
	}
	return nil
}

// MessagesFor derives the outbox messages for a committed event. Called
// in the same mutation path as the append so derived work is never lost.
func MessagesFor(tenantID string, e ledger.Event) []Message {
	triggers := TriggersFor(e.Type)
	if len(triggers) == 0 {
		return nil
	}
	msgs := make([]Message, 0, len(triggers))
	for _, tr := range triggers {
		attrs := map[string]string{}
		if tr.ArtifactKind != "" {
			attrs[AttrArtifactKind] = string(tr.ArtifactKind)
		} else {
			attrs[AttrEvalAnchor] = e.ChainHash
		}
		msgs = append(msgs, NewMessage(tr.Topic, tenantID, e.StreamID, e.ID, e.ChainHash, attrs))
	}
	return msgs
}
