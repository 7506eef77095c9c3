package outbox

import (
	"context"
	"sync"
)

// Backend is the durable queue behind the dispatcher. Two
// implementations share these semantics: the Postgres claim queue
// (production, multi-process) and the in-memory cursor scan (tests and
// single-process deployments). The choice is made at construction time;
// worker logic never branches on it.
type Backend interface {
	// Enqueue inserts messages, dropping any whose dedupe key was seen
	// before. Returns how many were actually inserted.
	Enqueue(ctx context.Context, msgs ...Message) (int, error)
	// Claim atomically moves up to maxMessages pending messages on a
	// topic to claimed, owned by workerID.
	Claim(ctx context.Context, topic string, maxMessages int, workerID string) ([]Message, error)
	// MarkProcessed finishes a message. A non-nil procErr records it as
	// a dead letter (processed-with-error) instead of a clean success.
	MarkProcessed(ctx context.Context, id string, procErr error) error
	// MarkFailed returns a claimed message to pending with the attempt
	// counted and the error recorded.
	MarkFailed(ctx context.Context, id string, lastErr string) error
}

// MemoryBackend is the in-memory monotonic-cursor Backend. The cursor is
// a field of the backend instance, not package state, so independent
// worker setups can coexist in one test process.
type MemoryBackend struct {
	mu     sync.Mutex
	msgs   []*Message
	byID   map[string]*Message
	dedupe map[string]bool
	// cursor skips the fully terminal prefix of msgs on claim scans.
	cursor int
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		byID:   make(map[string]*Message),
		dedupe: make(map[string]bool),
	}
}

func (b *MemoryBackend) Enqueue(ctx context.Context, msgs ...Message) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	inserted := 0
	for i := range msgs {
		m := msgs[i]
		if b.dedupe[m.DedupeKey()] {
			continue
		}
		b.dedupe[m.DedupeKey()] = true
		m.Status = StatusPending
		stored := m
		b.msgs = append(b.msgs, &stored)
		b.byID[m.ID] = &stored
		inserted++
	}
	return inserted, nil
}

func (b *MemoryBackend) Claim(ctx context.Context, topic string, maxMessages int, workerID string) ([]Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.advanceCursor()

	var claimed []Message
	for i := b.cursor; i < len(b.msgs) && len(claimed) < maxMessages; i++ {
		m := b.msgs[i]
		if m.Status != StatusPending || m.Topic != topic {
			continue
		}
		m.Status = StatusClaimed
		claimed = append(claimed, *m)
	}
	return claimed, nil
}

func (b *MemoryBackend) MarkProcessed(ctx context.Context, id string, procErr error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.byID[id]
	if !ok {
		return nil
	}
	if procErr != nil {
		m.Status = StatusDead
		m.LastError = procErr.Error()
	} else {
		m.Status = StatusProcessed
	}
	return nil
}

func (b *MemoryBackend) MarkFailed(ctx context.Context, id string, lastErr string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.byID[id]
	if !ok {
		return nil
	}
	m.Attempts++
	m.Status = StatusPending
	m.LastError = lastErr
	return nil
}

// Snapshot returns copies of all messages, for tests and diagnostics.
func (b *MemoryBackend) Snapshot() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Message, 0, len(b.msgs))
	for _, m := range b.msgs {
		out = append(out, *m)
	}
	return out
}

func (b *MemoryBackend) advanceCursor() {
	for b.cursor < len(b.msgs) {
		s := b.msgs[b.cursor].Status
		if s != StatusProcessed && s != StatusDead {
			return
		}
		b.cursor++
	}
}
