package identity

import (
	"context"
	"time"
)

type tokenContextKey struct{}

// WithDeliveryToken returns a context carrying a delivery token for the
// transport to attach as a bearer credential on the outgoing request.
func WithDeliveryToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenContextKey{}, token)
}

// DeliveryTokenFrom extracts the delivery token, if one is set.
func DeliveryTokenFrom(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(tokenContextKey{}).(string)
	return token, ok && token != ""
}

// SpoolTokenSource mints short-lived delivery tokens for one spool
// client. Each send attempt gets a fresh token, so a long-lived spool
// never presents an expired credential.
type SpoolTokenSource struct {
	manager  *TokenManager
	clientID string
	scopes   []string
	ttl      time.Duration
}

func NewSpoolTokenSource(manager *TokenManager, clientID string, scopes []string, ttl time.Duration) *SpoolTokenSource {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &SpoolTokenSource{manager: manager, clientID: clientID, scopes: scopes, ttl: ttl}
}

func (s *SpoolTokenSource) DeliveryToken(tenantID string) (string, error) {
	return s.manager.Issue(tenantID, s.clientID, s.scopes, s.ttl)
}
