// keel-node runs a single settlement node: the append service with its
// outbox dispatcher, the proof and artifact workers, and the holdback
// sweep loop.
package main

import (
	"context"
	"database/sql"
	"encoding/hex"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/keel/pkg/artifacts"
	"github.com/Mindburn-Labs/keel/pkg/audit"
	"github.com/Mindburn-Labs/keel/pkg/config"
	"github.com/Mindburn-Labs/keel/pkg/crypto"
	"github.com/Mindburn-Labs/keel/pkg/ledger"
	"github.com/Mindburn-Labs/keel/pkg/metering"
	"github.com/Mindburn-Labs/keel/pkg/node"
	"github.com/Mindburn-Labs/keel/pkg/observability"
	"github.com/Mindburn-Labs/keel/pkg/outbox"
	"github.com/Mindburn-Labs/keel/pkg/proof"
	"github.com/Mindburn-Labs/keel/pkg/settlement"
)

const (
	pollInterval  = 500 * time.Millisecond
	sweepInterval = time.Minute
)

func main() {
	cfg := config.Load()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "keel-node",
		ServiceVersion: config.EngineVersion,
		Environment:    envOr("KEEL_ENV", "development"),
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.OTLPEndpoint != "",
		Insecure:       os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
	})
	if err != nil {
		log.Fatalf("observability init failed: %v", err)
	}
	defer func() { _ = obs.Shutdown(context.Background()) }()

	if cfg.SigningSeedHex == "" {
		log.Fatal("KEEL_SIGNING_SEED is required")
	}
	seed, err := hex.DecodeString(cfg.SigningSeedHex)
	if err != nil {
		log.Fatalf("KEEL_SIGNING_SEED is not valid hex: %v", err)
	}
	keyring, err := crypto.NewKeyring(seed)
	if err != nil {
		log.Fatalf("keyring init failed: %v", err)
	}
	signer, err := keyring.DeriveSigner("server:" + cfg.WorkerID)
	if err != nil {
		log.Fatalf("signer derivation failed: %v", err)
	}

	sqliteDB, err := sql.Open("sqlite", cfg.SQLitePath)
	if err != nil {
		log.Fatalf("open sqlite %s: %v", cfg.SQLitePath, err)
	}
	defer func() { _ = sqliteDB.Close() }()

	streams, err := ledger.NewSQLiteStreamStore(sqliteDB)
	if err != nil {
		log.Fatalf("stream store init failed: %v", err)
	}

	// outbox and metering go to Postgres when configured, memory otherwise
	var backend outbox.Backend
	var meter metering.Meter
	if cfg.DatabaseURL != "" {
		pg, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("open postgres: %v", err)
		}
		defer func() { _ = pg.Close() }()

		pgBackend := outbox.NewPostgresBackend(pg)
		if err := pgBackend.Init(ctx); err != nil {
			log.Fatalf("outbox schema init failed: %v", err)
		}
		backend = pgBackend

		pgMeter := metering.NewPostgresMeter(pg)
		if err := pgMeter.Init(ctx); err != nil {
			log.Fatalf("metering schema init failed: %v", err)
		}
		meter = pgMeter
	} else {
		backend = outbox.NewMemoryBackend()
		meter = metering.NewMemoryMeter()
	}

	cas, err := artifacts.NewStoreFromEnv(ctx)
	if err != nil {
		log.Fatalf("artifact store init failed: %v", err)
	}

	svc := node.NewService(streams, backend,
		node.WithMeter(meter),
		node.WithObservability(obs),
	)

	policy := loadPolicy(cfg)
	dispatcher := outbox.NewDispatcher(backend, cfg.WorkerID, outbox.WithConcurrency(4))
	dispatcher.Register(outbox.TopicProofEvaluate,
		proof.NewWorker(svc, signer, proof.StaticResolver{Policy: policy}))
	dispatcher.Register(outbox.TopicArtifactGenerate,
		artifacts.NewWorker(svc, cas, signer))

	// settlement kernel for agreement-driven flows; the WASM verifier
	// resolves transform modules out of the artifact CAS
	wasmVerifier := settlement.NewWASMVerifier(ctx, cas)
	defer func() { _ = wasmVerifier.Close(context.Background()) }()
	artifactStore := settlement.NewMemoryStore()
	kernel := settlement.NewKernel(
		artifactStore, artifactStore, settlement.NewMemoryBook(), signer,
		settlement.WithVerifier(wasmVerifier),
		settlement.WithAuditor(audit.NewLogger()),
	)

	go dispatcher.Run(ctx, pollInterval)
	go sweepLoop(ctx, kernel)

	slog.Info("keel-node started",
		"worker", cfg.WorkerID,
		"sqlite", cfg.SQLitePath,
		"postgres", cfg.DatabaseURL != "",
		"otlp", cfg.OTLPEndpoint != "",
	)

	<-ctx.Done()
	slog.Info("keel-node shutting down")
}

// sweepLoop releases expired holdback retentions on a fixed cadence.
func sweepLoop(ctx context.Context, kernel *settlement.Kernel) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			released, err := kernel.Sweep(ctx)
			if err != nil {
				slog.Error("holdback sweep failed", "error", err)
				continue
			}
			if released > 0 {
				slog.Info("holdback sweep released retentions", "count", released)
			}
		}
	}
}

// loadPolicy resolves the proof policy from the node's profile, falling
// back to warn-only when no profile is present.
func loadPolicy(cfg *config.Config) proof.Policy {
	name := envOr("KEEL_PROFILE", "default")
	profile, err := config.LoadProfile(cfg.ProfileDir, name)
	if err != nil {
		slog.Warn("profile not loaded, using warn-only gating", "profile", name, "error", err)
		return proof.Policy{GateMode: proof.GateWarn}
	}
	return proof.Policy{
		GateMode:              proof.GateMode(profile.GateMode),
		RequiredEvidenceKinds: profile.RequiredEvidenceKinds,
		ReproofWindowMs:       profile.ReproofWindowMs,
	}
}

func logLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
