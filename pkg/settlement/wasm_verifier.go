package settlement

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/Mindburn-Labs/keel/pkg/canonicalize"
)

// BlobGetter fetches content-addressed bytes, typically the artifacts CAS.
type BlobGetter interface {
	Get(ctx context.Context, hash string) ([]byte, error)
}

// WASMVerifier runs an agreement's transform-check module inside a
// deny-by-default WASM sandbox: no filesystem, no network, no clock, no
// randomness, so execution is deterministic. The module reads the
// canonical JSON facts on stdin and writes "ok" or a reason code on
// stdout.
type WASMVerifier struct {
	runtime wazero.Runtime
	blobs   BlobGetter
}

func NewWASMVerifier(ctx context.Context, blobs BlobGetter) *WASMVerifier {
	r := wazero.NewRuntime(ctx)
	wasi_snapshot_preview1.MustInstantiate(ctx, r)
	return &WASMVerifier{runtime: r, blobs: blobs}
}

func (v *WASMVerifier) Verify(ctx context.Context, agreement *ToolCallAgreement, evidence *ToolCallEvidence) (bool, string, error) {
	wasmHash := agreement.AcceptanceCriteria.TransformWasmHash
	if wasmHash == "" {
		return true, "", nil
	}

	wasmBytes, err := v.blobs.Get(ctx, wasmHash)
	if err != nil {
		return false, "", fmt.Errorf("settlement: resolve transform module %s: %w", wasmHash, err)
	}

	input, err := canonicalize.JCS(map[string]any{
		"agreement": map[string]any{
			"amountCents": agreement.AmountCents,
			"currency":    agreement.Currency,
		},
		"evidence": map[string]any{
			"inputHash":   evidence.InputHash,
			"outputHash":  evidence.OutputHash,
			"outputBytes": evidence.OutputBytes,
			"latencyMs":   evidence.LatencyMs(),
		},
	})
	if err != nil {
		return false, "", err
	}

	var stdout bytes.Buffer
	cfg := wazero.NewModuleConfig().
		WithName("transform-check").
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStartFunctions("_start")

	compiled, err := v.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return false, "", fmt.Errorf("settlement: compile transform module: %w", err)
	}
	defer func() { _ = compiled.Close(ctx) }()

	mod, err := v.runtime.InstantiateModule(ctx, compiled, cfg)
	if err != nil {
		return false, "", fmt.Errorf("settlement: run transform module: %w", err)
	}
	defer func() { _ = mod.Close(ctx) }()

	verdict := strings.TrimSpace(stdout.String())
	if verdict == "ok" {
		return true, "", nil
	}
	if verdict == "" {
		verdict = "transform_mismatch"
	}
	return false, verdict, nil
}

// Close releases the WASM runtime.
func (v *WASMVerifier) Close(ctx context.Context) error {
	return v.runtime.Close(ctx)
}
