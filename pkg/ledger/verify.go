package ledger

import (
	"crypto/ed25519"
	"fmt"

	"github.com/Mindburn-Labs/keel/pkg/canonicalize"
	"github.com/Mindburn-Labs/keel/pkg/crypto"
)

// ChainError reports the first offending index in a failed verification.
// Verification fails closed: nothing after the offending index is trusted.
type ChainError struct {
	Index  int
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("ledger: chain invalid at index %d: %s", e.Index, e.Reason)
}

// VerifyChain replays a whole stream, recomputing every payload hash,
// chain hash and signature. publicKeys maps signer key ids to
// verification keys; a signed event whose key id is unknown fails.
func VerifyChain(events []Event, publicKeys map[string]ed25519.PublicKey) error {
	var prev *string
	for i, e := range events {
		if (e.PrevChainHash == nil) != (prev == nil) ||
			(e.PrevChainHash != nil && prev != nil && *e.PrevChainHash != *prev) {
			return &ChainError{Index: i, Reason: "prevChainHash does not match predecessor"}
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
			return &ChainError{Index: i, Reason: fmt.Sprintf("payload hash recompute failed: %v", err)}
		}
		if payloadHash != e.PayloadHash {
			return &ChainError{Index: i, Reason: "payloadHash mismatch"}
		}

		chainHash, err := canonicalize.CanonicalHash(chainEnvelope{
			V:             e.V,
			PrevChainHash: e.PrevChainHash,
			PayloadHash:   e.PayloadHash,
		})
		if err != nil {
			return &ChainError{Index: i, Reason: fmt.Sprintf("chain hash recompute failed: %v", err)}
		}
		if chainHash != e.ChainHash {
			return &ChainError{Index: i, Reason: "chainHash mismatch"}
		}

		if e.Signature != "" {
			pub, ok := publicKeys[e.SignerKeyID]
			if !ok {
				return &ChainError{Index: i, Reason: fmt.Sprintf("unknown signer key id %q", e.SignerKeyID)}
			}
			ok, err := crypto.VerifyWithKey(pub, e.Signature, []byte(e.PayloadHash))
			if err != nil {
				return &ChainError{Index: i, Reason: fmt.Sprintf("signature malformed: %v", err)}
			}
			if !ok {
				return &ChainError{Index: i, Reason: "signature invalid"}
			}
		}

		h := e.ChainHash
		prev = &h
	}
	return nil
}
