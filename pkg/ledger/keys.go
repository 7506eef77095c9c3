package ledger

import "fmt"

// KeyMode distinguishes client- and server-minted idempotency keys.
type KeyMode string

const (
	KeyModeClient KeyMode = "cli"
	KeyModeServer KeyMode = "srv"
)

// IdempotencyKey derives the append idempotency key for an event at a
// given head. Format: {mode}:{eventId}:{prevChainHash[0:16]|"root"}.
//
// The key binds the event to the head it was finalized against: a retry
// with an unchanged head replays harmlessly, while a retry after the head
// moved derives a fresh key (the event must be refinalized first).
func IdempotencyKey(mode KeyMode, eventID string, prevChainHash *string) string {
	anchor := "root"
	if prevChainHash != nil {
		p := *prevChainHash
		if len(p) > 16 {
			p = p[:16]
		}
		anchor = p
	}
	return fmt.Sprintf("%s:%s:%s", mode, eventID, anchor)
}
