package ledger

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/keel/pkg/crypto"
)

func chainOf(t *testing.T, signer crypto.Signer, n int) []Event {
	t.Helper()
	events := make([]Event, 0, n)
	var prev *string
	for i := 0; i < n; i++ {
		draft := Draft("job-1", EventEvidenceAdded, Actor{Type: ActorClient, ID: "agent-1"},
			map[string]any{"seq": i})
		e, err := Finalize(draft, prev, signer)
		require.NoError(t, err)
		events = append(events, e)
		h := e.ChainHash
		prev = &h
	}
	return events
}

func keysFor(signer *crypto.Ed25519Signer) map[string]ed25519.PublicKey {
	return map[string]ed25519.PublicKey{
		signer.KeyID(): ed25519.PublicKey(signer.PublicKeyBytes()),
	}
}

func TestFinalizeFirstEventHasNilPrev(t *testing.T) {
	signer, err := crypto.NewEd25519Signer()
	require.NoError(t, err)

	e, err := Finalize(Draft("job-1", EventJobCreated, Actor{Type: ActorClient, ID: "a"}, nil), nil, signer)
	require.NoError(t, err)
	require.Nil(t, e.PrevChainHash)
	require.Len(t, e.PayloadHash, 64)
	require.Len(t, e.ChainHash, 64)
	require.Equal(t, signer.KeyID(), e.SignerKeyID)
}

func TestVerifyChainAccepts(t *testing.T) {
	signer, err := crypto.NewEd25519Signer()
	require.NoError(t, err)
	events := chainOf(t, signer, 5)
	require.NoError(t, VerifyChain(events, keysFor(signer)))
}

func TestVerifyChainUnsignedEvents(t *testing.T) {
	events := chainOf(t, nil, 3)
	require.NoError(t, VerifyChain(events, nil))
}

func TestVerifyChainFailsAtMutatedIndex(t *testing.T) {
	signer, err := crypto.NewEd25519Signer()
	require.NoError(t, err)
	keys := keysFor(signer)

	mutations := map[string]func(*Event){
		"payload":     func(e *Event) { e.Payload = map[string]any{"seq": 999} },
		"payloadHash": func(e *Event) { e.PayloadHash = "00" + e.PayloadHash[2:] },
		"chainHash":   func(e *Event) { e.ChainHash = "00" + e.ChainHash[2:] },
		"signature":   func(e *Event) { e.Signature = "00" + e.Signature[2:] },
		"streamId":    func(e *Event) { e.StreamID = "job-other" },
		"type":        func(e *Event) { e.Type = EventSettled },
	}

	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			events := chainOf(t, signer, 5)
			mutate(&events[2])

			err := VerifyChain(events, keys)
			require.Error(t, err)
			var cerr *ChainError
			require.ErrorAs(t, err, &cerr)
			require.Equal(t, 2, cerr.Index, "verification must fail at the mutated index")
		})
	}
}

func TestVerifyChainUnknownSigner(t *testing.T) {
	signer, err := crypto.NewEd25519Signer()
	require.NoError(t, err)
	events := chainOf(t, signer, 2)

	err = VerifyChain(events, nil)
	var cerr *ChainError
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, 0, cerr.Index)
}

func TestVerifyChainBrokenLink(t *testing.T) {
	signer, err := crypto.NewEd25519Signer()
	require.NoError(t, err)
	events := chainOf(t, signer, 4)
	// Drop an interior event: the successor's prev no longer matches.
	broken := append([]Event{}, events[0], events[2], events[3])

	err = VerifyChain(broken, keysFor(signer))
	var cerr *ChainError
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, 1, cerr.Index)
}

func TestRefinalizeRebasesAndResigns(t *testing.T) {
	signer, err := crypto.NewEd25519Signer()
	require.NoError(t, err)

	first, err := Finalize(Draft("job-1", EventJobCreated, Actor{Type: ActorClient, ID: "a"}, nil), nil, signer)
	require.NoError(t, err)

	orphan, err := Finalize(Draft("job-1", EventEvidenceAdded, Actor{Type: ActorClient, ID: "a"}, nil), nil, signer)
	require.NoError(t, err)

	rebased, err := Refinalize(orphan, &first.ChainHash, signer)
	require.NoError(t, err)
	require.Equal(t, orphan.ID, rebased.ID, "identity survives a rebase")
	require.Equal(t, first.ChainHash, *rebased.PrevChainHash)
	require.NotEqual(t, orphan.ChainHash, rebased.ChainHash)
	require.NoError(t, VerifyChain([]Event{first, rebased}, keysFor(signer)))
}

func TestIdempotencyKeyFormat(t *testing.T) {
	prev := "abcdef0123456789deadbeef"
	require.Equal(t, "cli:ev-1:root", IdempotencyKey(KeyModeClient, "ev-1", nil))
	require.Equal(t, "srv:ev-1:abcdef0123456789", IdempotencyKey(KeyModeServer, "ev-1", &prev))
}
