package settlement

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// CELVerifier evaluates an agreement's acceptance expression against the
// evidence facts. Expressions see two variables:
//
//	evidence: {inputHash, outputHash, outputBytes, latencyMs}
//	agreement: {amountCents, currency, payer, payee}
//
// Programs are compiled once and cached by expression text.
type CELVerifier struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

func NewCELVerifier() (*CELVerifier, error) {
	env, err := cel.NewEnv(
		cel.Variable("evidence", cel.DynType),
		cel.Variable("agreement", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("settlement: create CEL environment: %w", err)
	}
	return &CELVerifier{env: env, cache: make(map[string]cel.Program)}, nil
}

func (v *CELVerifier) Verify(ctx context.Context, agreement *ToolCallAgreement, evidence *ToolCallEvidence) (bool, string, error) {
	expr := agreement.AcceptanceCriteria.Expression
	if expr == "" {
		return true, "", nil
	}

	prg, err := v.program(expr)
	if err != nil {
		return false, "", err
	}

	out, _, err := prg.Eval(map[string]any{
		"evidence": map[string]any{
			"inputHash":   evidence.InputHash,
			"outputHash":  evidence.OutputHash,
			"outputBytes": evidence.OutputBytes,
			"latencyMs":   evidence.LatencyMs(),
		},
		"agreement": map[string]any{
			"amountCents": agreement.AmountCents,
			"currency":    agreement.Currency,
			"payer":       agreement.Payer,
			"payee":       agreement.Payee,
		},
	})
	if err != nil {
		return false, "", fmt.Errorf("settlement: CEL eval: %w", err)
	}

	allowed, ok := out.Value().(bool)
	if !ok {
		return false, "", fmt.Errorf("settlement: acceptance expression must yield bool, got %T", out.Value())
	}
	if !allowed {
		return false, "expression_false", nil
	}
	return true, "", nil
}

func (v *CELVerifier) program(expr string) (cel.Program, error) {
	v.mu.RLock()
	prg, ok := v.cache[expr]
	v.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := v.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("settlement: compile acceptance expression: %w", issues.Err())
	}
	prg, err := v.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("settlement: program acceptance expression: %w", err)
	}

	v.mu.Lock()
	v.cache[expr] = prg
	v.mu.Unlock()
	return prg, nil
}
