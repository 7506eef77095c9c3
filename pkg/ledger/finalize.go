package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/keel/pkg/canonicalize"
	"github.com/Mindburn-Labs/keel/pkg/crypto"
)

// payloadEnvelope is the exact shape hashed into PayloadHash.
type payloadEnvelope struct {
	V        int            `json:"v"`
	ID       string         `json:"id"`
	At       time.Time      `json:"at"`
	StreamID string         `json:"streamId"`
	Type     EventType      `json:"type"`
	Actor    Actor          `json:"actor"`
	Payload  map[string]any `json:"payload"`
}

// chainEnvelope is the exact shape hashed into ChainHash.
type chainEnvelope struct {
	V             int     `json:"v"`
	PrevChainHash *string `json:"prevChainHash"`
	PayloadHash   string  `json:"payloadHash"`
}

// Draft assembles an unfinalized event. Finalize must be called before
// the event can be appended.
func Draft(streamID string, typ EventType, actor Actor, payload map[string]any) Event {
	return Event{
		V:        SchemaVersion,
		ID:       uuid.New().String(),
		At:       time.Now().UTC(),
		StreamID: streamID,
		Type:     typ,
		Actor:    actor,
		Payload:  payload,
	}
}

// Finalize computes PayloadHash and ChainHash for e against prevChainHash
// and, if signer is non-nil, signs the payload hash. The input event is
// not mutated; the finalized copy is returned.
func Finalize(e Event, prevChainHash *string, signer crypto.Signer) (Event, error) {
	if e.V == 0 {
		e.V = SchemaVersion
	}
	if e.ID == "" {
		return Event{}, fmt.Errorf("ledger: event id required")
	}
	if e.StreamID == "" {
		return Event{}, fmt.Errorf("ledger: stream id required")
	}

	payloadHash, err := canonicalize.CanonicalHash(payloadEnvelope{
		V:        e.V,
		ID:       e.ID,
		At:       e.At,
		StreamID: e.StreamID,
		Type:     e.Type,
		Actor:    e.Actor,
		Payload:  e.Payload,
	})
	if err != nil {
		return Event{}, fmt.Errorf("ledger: payload hash: %w", err)
	}

	chainHash, err := canonicalize.CanonicalHash(chainEnvelope{
		V:             e.V,
		PrevChainHash: prevChainHash,
		PayloadHash:   payloadHash,
	})
	if err != nil {
		return Event{}, fmt.Errorf("ledger: chain hash: %w", err)
	}

	e.PayloadHash = payloadHash
	e.PrevChainHash = prevChainHash
	e.ChainHash = chainHash

	if signer != nil {
		sig, err := signer.Sign([]byte(payloadHash))
		if err != nil {
			return Event{}, fmt.Errorf("ledger: sign failed: %w", err)
		}
		e.Signature = sig
		e.SignerKeyID = signer.KeyID()
	}

	return e, nil
}

// Refinalize rebases a finalized event onto a new previous chain hash,
// recomputing hashes and re-signing. Used by the spool after a 409
// conflict moved the head underneath a queued event.
func Refinalize(e Event, newPrev *string, signer crypto.Signer) (Event, error) {
	e.PayloadHash = ""
	e.ChainHash = ""
	e.Signature = ""
	e.SignerKeyID = ""
	return Finalize(e, newPrev, signer)
}
