// Package retry computes bounded exponential backoff with deterministic
// jitter. Jitter is a PRF over the retried identity so two replicas
// retrying the same message spread out identically and replays are
// reproducible in tests.
package retry

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// Params identifies one retried attempt.
type Params struct {
	TenantID     string
	Subject      string // e.g. outbox message id, rail operation id
	AttemptIndex int
}

// Policy bounds the backoff schedule.
type Policy struct {
	BaseMs      int64
	MaxMs       int64
	MaxJitterMs int64
	MaxAttempts int
}

// DefaultPolicy is used by the outbox dispatcher and spool sender unless
// overridden by config.
var DefaultPolicy = Policy{
	BaseMs:      250,
	MaxMs:       30_000,
	MaxJitterMs: 1_000,
	MaxAttempts: 5,
}

// Backoff returns the delay before a specific attempt.
func Backoff(params Params, policy Policy) time.Duration {
	// delay = base * 2^attempt, capped
	factor := int64(1)
	if params.AttemptIndex > 0 {
		if params.AttemptIndex > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << params.AttemptIndex
		}
	}

	delay := policy.BaseMs * factor
	if delay > policy.MaxMs {
		delay = policy.MaxMs
	}

	return time.Duration(delay+jitter(params, policy)) * time.Millisecond
}

// Exhausted reports whether the attempt budget is spent.
func Exhausted(attempts int, policy Policy) bool {
	return attempts >= policy.MaxAttempts
}

func jitter(params Params, policy Policy) int64 {
	if policy.MaxJitterMs == 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%s:%d", params.TenantID, params.Subject, params.AttemptIndex)
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])
	return int64(basis % uint64(policy.MaxJitterMs)) //nolint:gosec // MaxJitterMs is always positive
}
