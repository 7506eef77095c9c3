package outbox

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/Mindburn-Labs/keel/pkg/retry"
)

// Handler processes one claimed message. A returned error is retried by
// the dispatcher until the attempt budget dead-letters the message.
type Handler interface {
	Handle(ctx context.Context, msg Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg Message) error { return f(ctx, msg) }

// Dispatcher polls a Backend and fans claimed messages out to topic
// handlers. Messages are grouped by (tenant, job) and each group runs
// sequentially so two events for one job stream never race a chain
// append; unrelated groups run in a bounded pool.
type Dispatcher struct {
	backend     Backend
	handlers    map[string]Handler
	workerID    string
	concurrency int
	batchSize   int
	policy      retry.Policy
	logger      *slog.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithConcurrency bounds the number of job groups processed in parallel.
func WithConcurrency(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.concurrency = n
		}
	}
}

// WithBatchSize bounds messages claimed per topic per tick.
func WithBatchSize(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.batchSize = n
		}
	}
}

// WithRetryPolicy overrides the attempt budget and backoff shape.
func WithRetryPolicy(p retry.Policy) DispatcherOption {
	return func(d *Dispatcher) { d.policy = p }
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

func NewDispatcher(backend Backend, workerID string, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		backend:     backend,
		handlers:    make(map[string]Handler),
		workerID:    workerID,
		concurrency: 1,
		batchSize:   32,
		policy:      retry.DefaultPolicy,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register binds a handler to a topic.
func (d *Dispatcher) Register(topic string, h Handler) {
	d.handlers[topic] = h
}

// Tick claims and processes one batch per registered topic. Returns the
// number of messages handled (including dead-lettered ones).
func (d *Dispatcher) Tick(ctx context.Context) (int, error) {
	var batch []Message
	topics := make([]string, 0, len(d.handlers))
	for topic := range d.handlers {
		topics = append(topics, topic)
	}
	sort.Strings(topics)

	for _, topic := range topics {
		claimed, err := d.backend.Claim(ctx, topic, d.batchSize, d.workerID)
		if err != nil {
			return 0, err
		}
		batch = append(batch, claimed...)
	}
	if len(batch) == 0 {
		return 0, nil
	}

	groups := make(map[string][]Message)
	var order []string
	for _, m := range batch {
		key := m.GroupKey()
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], m)
	}

	sem := make(chan struct{}, d.concurrency)
	done := make(chan int, len(order))
	for _, key := range order {
		group := groups[key]
		sem <- struct{}{}
		go func(group []Message) {
			defer func() { <-sem }()
			n := 0
			for _, m := range group {
				d.process(ctx, m)
				n++
			}
			done <- n
		}(group)
	}

	total := 0
	for range order {
		total += <-done
	}
	return total, nil
}

// Run polls until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, err := d.Tick(ctx)
		if err != nil {
			d.logger.Error("outbox tick failed", "error", err, "worker", d.workerID)
		}
		if n == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
			}
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, m Message) {
	handler := d.handlers[m.Topic]
	if handler == nil {
		d.logger.Error("no handler for topic", "topic", m.Topic, "message", m.ID)
		_ = d.backend.MarkFailed(ctx, m.ID, "no handler registered")
		return
	}

	err := handler.Handle(ctx, m)
	if err == nil {
		if markErr := d.backend.MarkProcessed(ctx, m.ID, nil); markErr != nil {
			d.logger.Error("mark processed failed", "message", m.ID, "error", markErr)
		}
		return
	}

	attempts := m.Attempts + 1
	if retry.Exhausted(attempts, d.policy) {
		d.logger.Error("message dead-lettered",
			"message", m.ID, "topic", m.Topic, "tenant", m.TenantID,
			"job", m.JobID, "attempts", attempts, "error", err)
		if markErr := d.backend.MarkProcessed(ctx, m.ID, err); markErr != nil {
			d.logger.Error("mark dead-letter failed", "message", m.ID, "error", markErr)
		}
		return
	}

	d.logger.Warn("message failed, will retry",
		"message", m.ID, "topic", m.Topic, "attempts", attempts, "error", err)
	if markErr := d.backend.MarkFailed(ctx, m.ID, err.Error()); markErr != nil {
		d.logger.Error("mark failed failed", "message", m.ID, "error", markErr)
	}
}
