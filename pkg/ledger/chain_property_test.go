package ledger

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Mindburn-Labs/keel/pkg/crypto"
)

// Property: for any chain, verification succeeds on the untouched chain
// and fails exactly at the index where a single field is mutated.
func TestChainVerificationProperty(t *testing.T) {
	signer, err := crypto.NewEd25519Signer()
	if err != nil {
		t.Fatal(err)
	}
	keys := keysFor(signer)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("valid chains verify", prop.ForAll(
		func(n int) bool {
			events := chainOf(t, signer, n)
			return VerifyChain(events, keys) == nil
		},
		gen.IntRange(1, 20),
	))

	properties.Property("single mutation fails at that index only", prop.ForAll(
		func(n, idx int, mutation int) bool {
			if idx >= n {
				idx = n - 1
			}
			events := chainOf(t, signer, n)
			switch mutation % 3 {
			case 0:
				events[idx].Payload = map[string]any{"seq": -1}
			case 1:
				events[idx].PayloadHash = flipHex(events[idx].PayloadHash)
			default:
				events[idx].ChainHash = flipHex(events[idx].ChainHash)
			}
			err := VerifyChain(events, keys)
			cerr, ok := err.(*ChainError)
			return ok && cerr.Index == idx
		},
		gen.IntRange(1, 15),
		gen.IntRange(0, 14),
		gen.IntRange(0, 2),
	))

	properties.TestingRun(t)
}

func flipHex(s string) string {
	b := []byte(s)
	if b[0] == '0' {
		b[0] = 'f'
	} else {
		b[0] = '0'
	}
	return string(b)
}
