package settlement

import (
	"context"
)

// Reason codes emitted by acceptance evaluation. Downstream finance
// tooling acts on these; a bare boolean is never enough.
const (
	ReasonAcceptanceOK     = "acceptance_ok"
	ReasonLatencyExceeded  = "latency_exceeded"
	ReasonOutputMissing    = "output_missing"
	ReasonOutputTooLarge   = "output_too_large"
	ReasonVerifierRejected = "verifier_rejected"
	ReasonVerifierError    = "verifier_error"
)

// Acceptance is the outcome of evaluating evidence against an agreement.
type Acceptance struct {
	OK          bool
	ReasonCodes []string
}

// Verifier is a pluggable deterministic check over agreement and
// evidence. Implementations must be pure: no network, no clock, no
// randomness — the same inputs always produce the same verdict.
type Verifier interface {
	Verify(ctx context.Context, agreement *ToolCallAgreement, evidence *ToolCallEvidence) (bool, string, error)
}

// EvaluateAcceptance combines latency, output-presence and output-size
// checks with the optional pluggable verifier. It is deterministic and
// returns at least one reason code.
func EvaluateAcceptance(ctx context.Context, agreement *ToolCallAgreement, evidence *ToolCallEvidence, verifier Verifier) Acceptance {
	criteria := agreement.AcceptanceCriteria
	var reasons []string

	if criteria.MaxLatencyMs > 0 && evidence.LatencyMs() > criteria.MaxLatencyMs {
		reasons = append(reasons, ReasonLatencyExceeded)
	}
	if criteria.RequireOutput && evidence.OutputHash == "" {
		reasons = append(reasons, ReasonOutputMissing)
	}
	if criteria.MaxOutputBytes > 0 && evidence.OutputBytes > criteria.MaxOutputBytes {
		reasons = append(reasons, ReasonOutputTooLarge)
	}

	if verifier != nil {
		ok, reason, err := verifier.Verify(ctx, agreement, evidence)
		switch {
		case err != nil:
			reasons = append(reasons, ReasonVerifierError)
		case !ok:
			if reason == "" {
				reason = ReasonVerifierRejected
			}
			reasons = append(reasons, reason)
		}
	}

	if len(reasons) == 0 {
		return Acceptance{OK: true, ReasonCodes: []string{ReasonAcceptanceOK}}
	}
	return Acceptance{OK: false, ReasonCodes: reasons}
}
