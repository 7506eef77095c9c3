package identity

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/keel/pkg/crypto"
)

func newManager(t *testing.T) *TokenManager {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	keyID := crypto.DeriveKeyID(pub)
	return NewTokenManager(keyID, priv, map[string]ed25519.PublicKey{keyID: pub})
}

func TestIssueAndValidate(t *testing.T) {
	tm := newManager(t)

	token, err := tm.Issue("tenant-1", "cli-1", []string{"events:append"}, time.Hour)
	require.NoError(t, err)

	claims, err := tm.Validate(token)
	require.NoError(t, err)
	require.Equal(t, "tenant-1", claims.TenantID)
	require.Equal(t, "cli-1", claims.ClientID)
	require.Equal(t, []string{"events:append"}, claims.Scopes)
}

func TestValidateRejectsExpired(t *testing.T) {
	tm := newManager(t)

	token, err := tm.Issue("tenant-1", "cli-1", nil, -time.Minute)
	require.NoError(t, err)

	_, err = tm.Validate(token)
	require.Error(t, err)
}

func TestValidateRejectsForeignKey(t *testing.T) {
	issuerTM := newManager(t)
	validatorTM := newManager(t) // different key set

	token, err := issuerTM.Issue("tenant-1", "cli-1", nil, time.Hour)
	require.NoError(t, err)

	_, err = validatorTM.Validate(token)
	require.ErrorContains(t, err, "unknown signing key")
}

func TestValidateRejectsTampering(t *testing.T) {
	tm := newManager(t)

	token, err := tm.Issue("tenant-1", "cli-1", nil, time.Hour)
	require.NoError(t, err)

	_, err = tm.Validate(token + "x")
	require.Error(t, err)
}
