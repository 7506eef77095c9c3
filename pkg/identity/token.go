// Package identity issues and validates the Ed25519 service tokens the
// spool presents when delivering client events.
package identity

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	issuer   = "keel/identity"
	audience = "keel.ingest"
)

// DeliveryClaims are the claims carried by a spool delivery token.
type DeliveryClaims struct {
	jwt.RegisteredClaims
	TenantID string   `json:"tenant_id"`
	ClientID string   `json:"client_id"`
	Scopes   []string `json:"scopes,omitempty"`
}

// TokenManager signs and validates delivery tokens. Signing uses EdDSA
// with the key-id in the header so the server can rotate keys without
// invalidating outstanding tokens.
type TokenManager struct {
	keyID   string
	private ed25519.PrivateKey
	// public keys accepted for validation, by key-id
	public map[string]ed25519.PublicKey
}

func NewTokenManager(keyID string, private ed25519.PrivateKey, public map[string]ed25519.PublicKey) *TokenManager {
	return &TokenManager{keyID: keyID, private: private, public: public}
}

// Issue creates a signed delivery token for a client.
func (tm *TokenManager) Issue(tenantID, clientID string, scopes []string, ttl time.Duration) (string, error) {
	if tm.private == nil {
		return "", fmt.Errorf("identity: no signing key configured")
	}
	now := time.Now().UTC()
	claims := DeliveryClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   clientID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audience},
		},
		TenantID: tenantID,
		ClientID: clientID,
		Scopes:   scopes,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = tm.keyID
	return token.SignedString(tm.private)
}

// Validate parses a token and returns its claims if the signature and
// registered claims check out.
func (tm *TokenManager) Validate(tokenString string) (*DeliveryClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &DeliveryClaims{}, tm.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithAudience(audience),
	)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*DeliveryClaims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	return claims, nil
}

func (tm *TokenManager) keyFunc(token *jwt.Token) (any, error) {
	kid, _ := token.Header["kid"].(string)
	pub, ok := tm.public[kid]
	if !ok {
		return nil, fmt.Errorf("identity: unknown signing key %q", kid)
	}
	return pub, nil
}
