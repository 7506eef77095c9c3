// Package spool is the durable client-side delivery queue: events are
// written to disk before any network attempt and survive process
// restarts. Items move queued → inflight → deleted-on-success, or to
// failed once their send attempts are exhausted.
package spool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Mindburn-Labs/keel/pkg/crypto"
	"github.com/Mindburn-Labs/keel/pkg/identity"
	"github.com/Mindburn-Labs/keel/pkg/ledger"
	"github.com/Mindburn-Labs/keel/pkg/retry"
)

const (
	dirQueued   = "queued"
	dirInflight = "inflight"
	dirFailed   = "failed"
)

// Sender delivers finalized events to the server and exposes the stream
// head for conflict rebasing. In production this wraps the HTTP client;
// in tests it is backed directly by a stream store.
type Sender interface {
	Append(ctx context.Context, tenantID string, e ledger.Event, idempotencyKey string) (ledger.Event, error)
	Head(ctx context.Context, tenantID, streamID string) (*string, error)
}

// TokenSource mints a delivery credential per send attempt. When
// configured, the token rides the context so the transport behind the
// Sender can attach it to the request.
type TokenSource interface {
	DeliveryToken(tenantID string) (string, error)
}

// Item is one spooled delivery.
type Item struct {
	TenantID       string       `json:"tenantId"`
	Event          ledger.Event `json:"event"`
	IdempotencyKey string       `json:"idempotencyKey"`
	Attempts       int          `json:"attempts"`
	LastError      string       `json:"lastError,omitempty"`
	NextAttemptAt  time.Time    `json:"nextAttemptAt"`
	EnqueuedAt     time.Time    `json:"enqueuedAt"`
}

func (it *Item) filename() string {
	return fmt.Sprintf("%d-%s.json", it.EnqueuedAt.UnixNano(), it.Event.ID)
}

// Spool is a directory-backed delivery queue for one client.
type Spool struct {
	root            string
	sender          Sender
	signer          crypto.Signer
	tokens          TokenSource
	maxSendAttempts int
	policy          retry.Policy
	logger          *slog.Logger
	now             func() time.Time
}

type Option func(*Spool)

func WithMaxSendAttempts(n int) Option {
	return func(s *Spool) {
		if n > 0 {
			s.maxSendAttempts = n
		}
	}
}

func WithRetryPolicy(p retry.Policy) Option {
	return func(s *Spool) { s.policy = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Spool) { s.logger = l }
}

// WithTokenSource makes every delivery carry a fresh identity token.
func WithTokenSource(ts TokenSource) Option {
	return func(s *Spool) { s.tokens = ts }
}

// WithClock overrides the spool clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Spool) { s.now = now }
}

// New opens (or creates) a spool rooted at dir. The signer is needed to
// re-finalize events after a conflict rebase.
func New(dir string, sender Sender, signer crypto.Signer, opts ...Option) (*Spool, error) {
	s := &Spool{
		root:            dir,
		sender:          sender,
		signer:          signer,
		maxSendAttempts: 5,
		policy:          retry.DefaultPolicy,
		logger:          slog.Default(),
		now:             func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, sub := range []string{dirQueued, dirInflight, dirFailed} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("spool: create %s: %w", sub, err)
		}
	}
	return s, nil
}

// Enqueue durably records an event for delivery: temp file plus rename,
// so a crash mid-write never leaves a half-written item in the queue.
func (s *Spool) Enqueue(tenantID string, e ledger.Event) error {
	item := Item{
		TenantID:       tenantID,
		Event:          e,
		IdempotencyKey: ledger.IdempotencyKey(ledger.KeyModeClient, e.ID, e.PrevChainHash),
		EnqueuedAt:     s.now(),
		NextAttemptAt:  s.now(),
	}
	return s.write(dirQueued, &item)
}

func (s *Spool) write(dir string, item *Item) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("spool: marshal item %s: %w", item.Event.ID, err)
	}
	tmp, err := os.CreateTemp(s.root, "tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(s.root, dir, item.filename()))
}

// claim moves an item from queued to inflight. A rename that fails
// because the file is gone means another worker claimed it first; that
// is not an error.
func (s *Spool) claim(name string) bool {
	err := os.Rename(
		filepath.Join(s.root, dirQueued, name),
		filepath.Join(s.root, dirInflight, name),
	)
	return err == nil
}

func (s *Spool) list(dir string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, dir))
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *Spool) read(dir, name string) (*Item, error) {
	data, err := os.ReadFile(filepath.Join(s.root, dir, name))
	if err != nil {
		return nil, err
	}
	var item Item
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("spool: corrupt item %s: %w", name, err)
	}
	return &item, nil
}

// Sweep claims queued items and retries inflight ones, delivering each
// due item once. It returns the number of successful deliveries.
func (s *Spool) Sweep(ctx context.Context) (int, error) {
	queued, err := s.list(dirQueued)
	if err != nil {
		return 0, err
	}
	for _, name := range queued {
		s.claim(name)
	}

	inflight, err := s.list(dirInflight)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, name := range inflight {
		item, err := s.read(dirInflight, name)
		if err != nil {
			s.logger.Error("spool item unreadable", "item", name, "error", err)
			continue
		}
		if s.now().Before(item.NextAttemptAt) {
			continue
		}
		if s.deliver(ctx, name, item) {
			delivered++
		}
	}
	return delivered, nil
}

// deliver makes one send attempt, with a single in-place rebase on a
// stale-head conflict before falling back to backoff.
func (s *Spool) deliver(ctx context.Context, name string, item *Item) bool {
	item.Attempts++

	err := s.send(ctx, item)
	if err == nil {
		if rmErr := os.Remove(filepath.Join(s.root, dirInflight, name)); rmErr != nil {
			s.logger.Error("spool delivered item not removed", "item", name, "error", rmErr)
		}
		return true
	}

	item.LastError = err.Error()
	if item.Attempts >= s.maxSendAttempts {
		s.fail(name, item)
		return false
	}

	backoff := retry.Backoff(retry.Params{
		TenantID:     item.TenantID,
		Subject:      item.Event.ID,
		AttemptIndex: item.Attempts,
	}, s.policy)
	item.NextAttemptAt = s.now().Add(backoff)
	if err := s.write(dirInflight, item); err != nil {
		s.logger.Error("spool item update failed", "item", name, "error", err)
	}
	return false
}

// send makes one append attempt, minting a delivery token first when a
// token source is configured. A failed mint counts as a failed attempt.
func (s *Spool) send(ctx context.Context, item *Item) error {
	if s.tokens != nil {
		token, err := s.tokens.DeliveryToken(item.TenantID)
		if err != nil {
			return fmt.Errorf("spool: mint delivery token: %w", err)
		}
		ctx = identity.WithDeliveryToken(ctx, token)
	}

	_, err := s.sender.Append(ctx, item.TenantID, item.Event, item.IdempotencyKey)
	if err != nil {
		var conflict *ledger.ConflictError
		if errors.As(err, &conflict) && conflict.Reason == ledger.ConflictStaleHead {
			return s.rebaseAndRetry(ctx, item, conflict)
		}
	}
	return err
}

// rebaseAndRetry re-reads the head, re-finalizes the event against it,
// mints a fresh idempotency key and retries exactly once.
func (s *Spool) rebaseAndRetry(ctx context.Context, item *Item, conflict *ledger.ConflictError) error {
	head := conflict.Head
	if head == nil {
		h, err := s.sender.Head(ctx, item.TenantID, item.Event.StreamID)
		if err != nil {
			return err
		}
		head = h
	}
	rebased, err := ledger.Refinalize(item.Event, head, s.signer)
	if err != nil {
		return err
	}
	item.Event = rebased
	item.IdempotencyKey = ledger.IdempotencyKey(ledger.KeyModeClient, rebased.ID, rebased.PrevChainHash)

	_, err = s.sender.Append(ctx, item.TenantID, item.Event, item.IdempotencyKey)
	return err
}

func (s *Spool) fail(name string, item *Item) {
	data, err := json.Marshal(item)
	if err == nil {
		err = os.WriteFile(filepath.Join(s.root, dirFailed, name), data, 0o644)
	}
	if err != nil {
		s.logger.Error("spool item dead-letter write failed", "item", name, "error", err)
		return
	}
	if err := os.Remove(filepath.Join(s.root, dirInflight, name)); err != nil {
		s.logger.Error("spool failed item not removed from inflight", "item", name, "error", err)
	}
}

// Pending counts items awaiting delivery (queued plus inflight).
func (s *Spool) Pending() (int, error) {
	queued, err := s.list(dirQueued)
	if err != nil {
		return 0, err
	}
	inflight, err := s.list(dirInflight)
	if err != nil {
		return 0, err
	}
	return len(queued) + len(inflight), nil
}

// Failed returns the dead-lettered items.
func (s *Spool) Failed() ([]*Item, error) {
	names, err := s.list(dirFailed)
	if err != nil {
		return nil, err
	}
	items := make([]*Item, 0, len(names))
	for _, name := range names {
		item, err := s.read(dirFailed, name)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}
