// Command quorumagentd runs the autonomous voting agent daemon: it loads
// configuration, wires the decision/execution/liveness collaborators, and
// drives the run orchestrator on the scheduler's interval loop until a
// shutdown signal arrives.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/Backland-Labs/quorum-ai-sub001/internal/config"
	"github.com/Backland-Labs/quorum-ai-sub001/internal/decision"
	"github.com/Backland-Labs/quorum-ai-sub001/internal/executor"
	"github.com/Backland-Labs/quorum-ai-sub001/internal/healthz"
	"github.com/Backland-Labs/quorum-ai-sub001/internal/liveness"
	"github.com/Backland-Labs/quorum-ai-sub001/internal/logging"
	"github.com/Backland-Labs/quorum-ai-sub001/internal/metrics"
	"github.com/Backland-Labs/quorum-ai-sub001/internal/orchestrator"
	"github.com/Backland-Labs/quorum-ai-sub001/internal/scheduler"
	"github.com/Backland-Labs/quorum-ai-sub001/internal/statestore"
	"github.com/Backland-Labs/quorum-ai-sub001/internal/telemetry"
	"github.com/Backland-Labs/quorum-ai-sub001/internal/wallet"
	"github.com/Backland-Labs/quorum-ai-sub001/pkg/aiprovider"
	"github.com/Backland-Labs/quorum-ai-sub001/pkg/snapshot"
)

// Process exit codes a supervisor distinguishes between: 0 normal
// shutdown, 2 configuration error, 3 unrecoverable state corruption, 1
// any other fatal startup failure.
const (
	exitOther  = 1
	exitConfig = 2
	exitState  = 3
)

// fatalf logs and exits with code instead of log.Fatalf's hardcoded exit 1,
// so a supervisor can tell a bad config from corrupted on-disk state.
func fatalf(code int, format string, args ...any) {
	log.Printf(format, args...)
	os.Exit(code)
}

// stateExitCode maps a statestore failure to its documented exit code:
// unrecoverable corruption or a schema mismatch both exit 3, anything else
// exits 1.
func stateExitCode(err error) int {
	if errors.Is(err, statestore.ErrCorruption) || errors.Is(err, statestore.ErrSchema) {
		return exitState
	}
	return exitOther
}

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "config/agent.yaml", "path to agent config")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("QUORUM_AGENT_ENV"))
	logger := logging.Setup("quorumagentd", env)

	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	otlpHeaders := telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "quorumagentd",
		Environment: env,
		Endpoint:    otlpEndpoint,
		Insecure:    insecure,
		Headers:     otlpHeaders,
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		fatalf(exitOther, "init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fatalf(exitConfig, "load config: %v", err)
	}

	store, err := statestore.New(cfg.StoreRoot, cfg.Retention.StateBackups)
	if err != nil {
		fatalf(stateExitCode(err), "open state store: %v", err)
	}

	identity, err := wallet.NewIdentity(cfg.Wallet.SignerKey)
	if err != nil {
		fatalf(exitConfig, "load wallet identity: %v", err)
	}

	snapClient := snapshot.NewHTTPClient(cfg.Snapshot.Endpoint, cfg.Snapshot.APIKey, cfg.Timeouts.Snapshot.Duration)
	provider := aiprovider.NewHTTPProvider(cfg.AIProvider.Endpoint, cfg.AIProvider.APIKey, cfg.Timeouts.AI.Duration)
	decisionEngine := decision.NewEngine(provider, cfg.AIProvider.MaxAttempts)
	voteExecutor := executor.NewExecutor(identity, cfg.Safe.TransactionServiceURL, cfg.Timeouts.Vote.Duration, 3)
	livenessController := liveness.NewController(store, identity, cfg.Safe.TransactionServiceURL, cfg.Timeouts.Vote.Duration)

	orch := orchestrator.New(orchestrator.Deps{
		Store:    store,
		Snapshot: snapClient,
		Decision: decisionEngine,
		Executor: voteExecutor,
		Liveness: livenessController,
		Config:   cfg,
		Metrics:  metrics.Registry(),
		Logger:   logger,
	})

	sched := scheduler.New(orch, cfg.PollInterval.Duration, cfg.ShutdownGrace.Duration, logger)

	healthServer := &healthz.Server{
		Orchestrator:   orch,
		Scheduler:      sched,
		UnhealthyAfter: cfg.UnhealthyAfter.Duration,
		TriggerToken:   cfg.HTTP.TriggerToken,
		Logger:         logger,
	}
	httpServer := &http.Server{
		Addr:    cfg.HTTP.ListenAddress,
		Handler: healthServer.Router(),
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go sched.Run(rootCtx)

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("quorumagentd listening", slog.String("addr", cfg.HTTP.ListenAddress))
		serverErr <- httpServer.ListenAndServe()
	}()

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown failed", slog.String("error", err.Error()))
		}
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("serve http: %v", err)
		}
	}

	<-sched.Done()
	logger.Info("quorumagentd exiting")
}
