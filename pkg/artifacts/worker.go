package artifacts

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/keel/pkg/canonicalize"
	"github.com/Mindburn-Labs/keel/pkg/crypto"
	"github.com/Mindburn-Labs/keel/pkg/ledger"
	"github.com/Mindburn-Labs/keel/pkg/outbox"
)

// Worker is the outbox handler for artifact.generate messages. Each
// message names one document kind to render off a settled stream; the
// sealed canonical JSON lands in the CAS. Rendering is deterministic up
// to the issue timestamp and the CAS put is idempotent, so outbox
// retries never duplicate blobs.
type Worker struct {
	store  ledger.StreamStore
	cas    Store
	signer crypto.Signer
	logger *slog.Logger
	now    func() time.Time
}

type WorkerOption func(*Worker)

func WithLogger(l *slog.Logger) WorkerOption {
	return func(w *Worker) { w.logger = l }
}

// WithClock overrides the worker clock, for tests.
func WithClock(now func() time.Time) WorkerOption {
	return func(w *Worker) { w.now = now }
}

func NewWorker(store ledger.StreamStore, cas Store, signer crypto.Signer, opts ...WorkerOption) *Worker {
	w := &Worker{
		store:  store,
		cas:    cas,
		signer: signer,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Handle processes one artifact.generate message.
func (w *Worker) Handle(ctx context.Context, msg outbox.Message) error {
	hash, err := w.Generate(ctx, msg)
	if err != nil {
		return err
	}
	w.logger.Info("artifact rendered",
		"tenantId", msg.TenantID, "jobId", msg.JobID,
		"kind", msg.Attributes[outbox.AttrArtifactKind], "hash", hash)
	return nil
}

// Generate renders, seals and stores the document a message asks for,
// returning its content hash.
func (w *Worker) Generate(ctx context.Context, msg outbox.Message) (string, error) {
	kind := outbox.ArtifactKind(msg.Attributes[outbox.AttrArtifactKind])

	events, err := w.store.Events(ctx, msg.TenantID, msg.JobID)
	if err != nil {
		return "", fmt.Errorf("artifacts: load stream %s: %w", msg.JobID, err)
	}
	state := ledger.Reduce(events)

	var doc Document
	switch kind {
	case outbox.ArtifactWorkCertificate:
		doc, err = RenderWorkCertificate(msg.TenantID, events, state, w.now())
	case outbox.ArtifactSettlementStatement:
		doc, err = RenderSettlementStatement(msg.TenantID, events, state, w.now())
	default:
		return "", fmt.Errorf("artifacts: unknown artifact kind %q", kind)
	}
	if err != nil {
		return "", err
	}

	if err := SealDocument(doc, w.signer); err != nil {
		return "", err
	}

	data, err := canonicalize.JCS(doc)
	if err != nil {
		return "", fmt.Errorf("artifacts: encode %s: %w", kind, err)
	}
	hash, err := w.cas.Put(ctx, data)
	if err != nil {
		return "", fmt.Errorf("artifacts: store %s: %w", kind, err)
	}
	return hash, nil
}
