package settlement

import (
	"crypto/ed25519"
	"fmt"

	"github.com/Mindburn-Labs/keel/pkg/canonicalize"
	"github.com/Mindburn-Labs/keel/pkg/crypto"
)

// Artifact is implemented by all six artifact kinds.
type Artifact interface {
	Kind() Kind
	ArtifactID() string
	// sealed exposes the embedded seal for stamping.
	sealed() *Sealed
	// unsealed returns a value copy with a zero seal, the hash preimage.
	unsealed() any
}

func (a *ToolCallAgreement) Kind() Kind         { return KindAgreement }
func (a *ToolCallAgreement) ArtifactID() string { return a.AgreementID }
func (a *ToolCallAgreement) sealed() *Sealed    { return &a.Sealed }
func (a *ToolCallAgreement) unsealed() any      { c := *a; c.Sealed = Sealed{}; return c }

func (f *FundingHold) Kind() Kind         { return KindFundingHold }
func (f *FundingHold) ArtifactID() string { return f.HoldID }
func (f *FundingHold) sealed() *Sealed    { return &f.Sealed }
func (f *FundingHold) unsealed() any      { c := *f; c.Sealed = Sealed{}; return c }

func (e *ToolCallEvidence) Kind() Kind         { return KindEvidence }
func (e *ToolCallEvidence) ArtifactID() string { return e.EvidenceID }
func (e *ToolCallEvidence) sealed() *Sealed    { return &e.Sealed }
func (e *ToolCallEvidence) unsealed() any      { c := *e; c.Sealed = Sealed{}; return c }

func (d *DecisionRecord) Kind() Kind         { return KindDecision }
func (d *DecisionRecord) ArtifactID() string { return d.DecisionID }
func (d *DecisionRecord) sealed() *Sealed    { return &d.Sealed }
func (d *DecisionRecord) unsealed() any      { c := *d; c.Sealed = Sealed{}; return c }

func (r *Receipt) Kind() Kind         { return KindReceipt }
func (r *Receipt) ArtifactID() string { return r.ReceiptID }
func (r *Receipt) sealed() *Sealed    { return &r.Sealed }
func (r *Receipt) unsealed() any      { c := *r; c.Sealed = Sealed{}; return c }

func (a *Adjustment) Kind() Kind         { return KindAdjustment }
func (a *Adjustment) ArtifactID() string { return a.AdjustmentID }
func (a *Adjustment) sealed() *Sealed    { return &a.Sealed }
func (a *Adjustment) unsealed() any      { c := *a; c.Sealed = Sealed{}; return c }

// Seal content-addresses and signs an artifact: canonicalize the artifact
// minus its seal fields, hash, then sign the hash. Sealing an already
// sealed artifact re-derives both.
func Seal(a Artifact, signer crypto.Signer) error {
	if signer == nil {
		return fmt.Errorf("settlement: signer not configured (fail-closed)")
	}
	hash, err := canonicalize.CanonicalHash(a.unsealed())
	if err != nil {
		return fmt.Errorf("settlement: canonicalize %s: %w", a.Kind(), err)
	}
	sig, err := signer.Sign([]byte(hash))
	if err != nil {
		return fmt.Errorf("settlement: sign %s: %w", a.Kind(), err)
	}
	s := a.sealed()
	s.Hash = hash
	s.Signature = sig
	s.SignerKeyID = signer.KeyID()
	return nil
}

// VerifySeal re-derives an artifact's hash and checks its signature.
// Any mismatch fails closed with a structured reason.
func VerifySeal(a Artifact, publicKeys map[string]ed25519.PublicKey) error {
	s := a.sealed()
	if s.Hash == "" || s.Signature == "" {
		return fmt.Errorf("settlement: %s %s is unsealed", a.Kind(), a.ArtifactID())
	}
	hash, err := canonicalize.CanonicalHash(a.unsealed())
	if err != nil {
		return fmt.Errorf("settlement: canonicalize %s: %w", a.Kind(), err)
	}
	if hash != s.Hash {
		return fmt.Errorf("settlement: %s %s hash mismatch: stored %s, derived %s",
			a.Kind(), a.ArtifactID(), s.Hash, hash)
	}
	pub, ok := publicKeys[s.SignerKeyID]
	if !ok {
		return fmt.Errorf("settlement: %s %s signed by unknown key %q", a.Kind(), a.ArtifactID(), s.SignerKeyID)
	}
	valid, err := crypto.VerifyWithKey(pub, s.Signature, []byte(s.Hash))
	if err != nil {
		return fmt.Errorf("settlement: %s %s signature malformed: %w", a.Kind(), a.ArtifactID(), err)
	}
	if !valid {
		return fmt.Errorf("settlement: %s %s signature invalid", a.Kind(), a.ArtifactID())
	}
	return nil
}
