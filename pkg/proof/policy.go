// Package proof derives deterministic proof evaluations from job streams
// and drives the settlement hold state machine: no-hold → HELD →
// {RELEASED | FORFEITED}, terminal and mutually exclusive.
package proof

import (
	"context"

	"github.com/Mindburn-Labs/keel/pkg/canonicalize"
)

// GateMode controls what an INSUFFICIENT_EVIDENCE evaluation does to
// settlement.
type GateMode string

const (
	// GateWarn records the evaluation and nothing else.
	GateWarn GateMode = "warn"
	// GateStrict and GateHoldback place a settlement hold on completed
	// jobs whose evidence is insufficient.
	GateStrict   GateMode = "strict"
	GateHoldback GateMode = "holdback"
)

// Policy is the anchored proof policy for a job. PolicyHash pins the
// policy content: evaluations derived under different policies have
// different identities even over identical facts.
type Policy struct {
	GateMode              GateMode `json:"gateMode" yaml:"gate_mode"`
	RequiredEvidenceKinds []string `json:"requiredEvidenceKinds" yaml:"required_evidence_kinds"`
	// ReproofWindowMs bounds post-settlement re-evaluation when no
	// dispute is open.
	ReproofWindowMs int64 `json:"reproofWindowMs" yaml:"reproof_window_ms"`
}

// Hash returns the canonical content hash of the policy.
func (p Policy) Hash() (string, error) {
	return canonicalize.CanonicalHash(p)
}

// Gates reports whether this policy turns insufficient evidence into a
// settlement hold.
func (p Policy) Gates() bool {
	return p.GateMode == GateStrict || p.GateMode == GateHoldback
}

// PolicyResolver supplies the policy in force for a job.
type PolicyResolver interface {
	PolicyFor(ctx context.Context, tenantID, jobID string) (Policy, error)
}

// StaticResolver returns the same policy for every job.
type StaticResolver struct {
	Policy Policy
}

func (s StaticResolver) PolicyFor(ctx context.Context, tenantID, jobID string) (Policy, error) {
	return s.Policy, nil
}
