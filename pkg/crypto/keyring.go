package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"
)

// Keyring manages signing keys and the public keys needed to verify them.
// Client keys are derived deterministically from a root seed via HKDF so a
// tenant's spool can re-derive its key after a restart without persisting
// private material.
type Keyring struct {
	mu     sync.RWMutex
	seed   []byte
	byID   map[string]ed25519.PublicKey
	signer map[string]*Ed25519Signer
}

// NewKeyring creates a keyring rooted at seed. The seed must be at least
// 32 bytes of entropy.
func NewKeyring(seed []byte) (*Keyring, error) {
	if len(seed) < 32 {
		return nil, fmt.Errorf("keyring: seed must be at least 32 bytes, got %d", len(seed))
	}
	return &Keyring{
		seed:   seed,
		byID:   make(map[string]ed25519.PublicKey),
		signer: make(map[string]*Ed25519Signer),
	}, nil
}

// DeriveSigner derives (or returns the cached) signer for an info label,
// e.g. "tenant:acme/stream:job-42". Derivation is HKDF-SHA256 over the
// root seed, so the same label always yields the same keypair.
func (k *Keyring) DeriveSigner(label string) (*Ed25519Signer, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if s, ok := k.signer[label]; ok {
		return s, nil
	}

	r := hkdf.New(sha256.New, k.seed, nil, []byte(label))
	keyMaterial := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, keyMaterial); err != nil {
		return nil, fmt.Errorf("keyring: hkdf expand failed: %w", err)
	}

	priv := ed25519.NewKeyFromSeed(keyMaterial)
	s := NewEd25519SignerFromKey(priv)
	k.signer[label] = s
	k.byID[s.KeyID()] = s.PublicKeyBytes()
	return s, nil
}

// Register adds an externally held public key for verification.
func (k *Keyring) Register(pub ed25519.PublicKey) string {
	k.mu.Lock()
	defer k.mu.Unlock()
	id := DeriveKeyID(pub)
	k.byID[id] = pub
	return id
}

// PublicKey looks up a verification key by key id.
func (k *Keyring) PublicKey(keyID string) (ed25519.PublicKey, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	pub, ok := k.byID[keyID]
	return pub, ok
}

// PublicKeys returns a snapshot of all registered verification keys.
func (k *Keyring) PublicKeys() map[string]ed25519.PublicKey {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make(map[string]ed25519.PublicKey, len(k.byID))
	for id, pub := range k.byID {
		out[id] = pub
	}
	return out
}
