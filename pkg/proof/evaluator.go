package proof

import (
	"fmt"
	"sort"

	"github.com/Mindburn-Labs/keel/pkg/canonicalize"
	"github.com/Mindburn-Labs/keel/pkg/ledger"
)

// Status is the outcome of a proof evaluation.
type Status string

const (
	StatusPass         Status = "PASS"
	StatusFail         Status = "FAIL"
	StatusInsufficient Status = "INSUFFICIENT_EVIDENCE"
)

// Reason codes attached to evaluations.
const (
	ReasonProofPass          = "proof_pass"
	ReasonExecutionMissing   = "execution_evidence_missing"
	ReasonExecutionError     = "execution_error"
	ReasonEvidenceMissing    = "evidence_missing"
	ReasonEvidenceIncomplete = "evidence_incomplete"
)

// Evaluation is a deterministic verdict over an anchored stream prefix.
// Identical anchor, policy and facts always produce the identical
// EvaluationID, which is what makes re-evaluation idempotent.
type Evaluation struct {
	EvaluationID    string   `json:"evaluationId"`
	AnchorChainHash string   `json:"anchorChainHash"`
	PolicyHash      string   `json:"policyHash"`
	Status          Status   `json:"status"`
	ReasonCodes     []string `json:"reasonCodes"`
	FactsHash       string   `json:"factsHash"`
}

// Evaluate runs the deterministic proof check over the job state at the
// anchor. It never touches the network: policy and evidence are all it
// sees.
func Evaluate(state ledger.JobState, anchor string, policy Policy) (Evaluation, error) {
	policyHash, err := policy.Hash()
	if err != nil {
		return Evaluation{}, fmt.Errorf("proof: hash policy: %w", err)
	}

	facts := map[string]any{
		"streamId":   state.StreamID,
		"status":     string(state.Status),
		"eventCount": state.EventCount,
		"evidence":   state.Evidence,
	}
	if state.Execution != nil {
		facts["execution"] = state.Execution
	}
	factsHash, err := canonicalize.CanonicalHash(facts)
	if err != nil {
		return Evaluation{}, fmt.Errorf("proof: hash facts: %w", err)
	}

	status, reasons := judge(state, policy)
	return Evaluation{
		EvaluationID:    canonicalize.HashBytes([]byte(anchor + policyHash + factsHash)),
		AnchorChainHash: anchor,
		PolicyHash:      policyHash,
		Status:          status,
		ReasonCodes:     reasons,
		FactsHash:       factsHash,
	}, nil
}

func judge(state ledger.JobState, policy Policy) (Status, []string) {
	if state.Execution == nil {
		return StatusInsufficient, []string{ReasonExecutionMissing}
	}

	for _, ev := range state.Evidence {
		if msg, ok := ev["error"].(string); ok && msg != "" {
			return StatusFail, []string{ReasonExecutionError}
		}
	}

	present := make(map[string]bool)
	for _, ev := range state.Evidence {
		if kind, ok := ev["kind"].(string); ok {
			present[kind] = true
		}
	}
	var missing []string
	for _, kind := range policy.RequiredEvidenceKinds {
		if !present[kind] {
			missing = append(missing, ReasonEvidenceMissing+":"+kind)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return StatusInsufficient, missing
	}

	return StatusPass, []string{ReasonProofPass}
}

// HoldID deterministically names the hold a gated evaluation would
// place: the same anchor under the same policy always derives the same
// hold.
func HoldID(anchor, policyHash string) string {
	return canonicalize.HashBytes([]byte(anchor + policyHash))
}
