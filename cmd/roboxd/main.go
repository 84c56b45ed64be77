// Command roboxd runs the robox clearing engine: the ledger core, the
// escrow expiry sweeper, the payment scheduler, and the metrics
// endpoint.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"github.com/lucytrasero/ROBOX-sub001/internal/config"
	"github.com/lucytrasero/ROBOX-sub001/internal/escrow"
	"github.com/lucytrasero/ROBOX-sub001/internal/events"
	"github.com/lucytrasero/ROBOX-sub001/internal/ledger"
	"github.com/lucytrasero/ROBOX-sub001/internal/logging"
	"github.com/lucytrasero/ROBOX-sub001/internal/metrics"
	"github.com/lucytrasero/ROBOX-sub001/internal/middleware"
	"github.com/lucytrasero/ROBOX-sub001/internal/scheduler"
	"github.com/lucytrasero/ROBOX-sub001/internal/traces"
)

// Build info, set by ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	logger.Info("starting roboxd",
		"version", Version, "commit", Commit, "build_time", BuildTime,
		"env", cfg.Env)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Error("tracing init failed", "error", err)
		os.Exit(1)
	}

	var (
		store      ledger.Store
		schedStore scheduler.Store
	)
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, using in-memory storage")
		store = ledger.NewMemoryStore()
		schedStore = scheduler.NewMemoryStore()
	} else {
		db, err := ledger.Connect(ctx, cfg.DatabaseURL, cfg.DBMaxOpenConns, cfg.DBConnTimeout)
		if err != nil {
			logger.Error("database connect failed", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		go metrics.StartDBStatsCollector(ctx, db, 15*time.Second)
		store = ledger.NewPostgresStore(db)
		schedStore = scheduler.NewPostgresStore(db)
	}

	var defaultLimits *ledger.Limits
	if cfg.DefaultMaxTransfer != "" || cfg.DefaultDailyLimit != "" || cfg.DefaultMinBalance != "" {
		defaultLimits = &ledger.Limits{
			MaxTransferAmount:  cfg.DefaultMaxTransfer,
			DailyTransferLimit: cfg.DefaultDailyLimit,
			MinBalance:         cfg.DefaultMinBalance,
		}
	}
	var feeCalc ledger.FeeCalculator
	if cfg.FeeBps > 0 {
		feeCalc = ledger.BpsFee(cfg.FeeBps)
	}

	bus := events.New()
	limiter := middleware.NewRateLimiter(middleware.DefaultRateLimitConfig())
	defer limiter.Stop()
	chain := middleware.NewChain(
		middleware.Logging(),
		middleware.RateLimit(limiter),
	)

	core := ledger.NewService(store, bus, chain, ledger.Options{
		DefaultLimits:  defaultLimits,
		FeeSinkAccount: cfg.FeeSinkAccount,
		EnableAuditLog: cfg.EnableAuditLog,
		FeeCalculator:  feeCalc,
	})

	escrows := escrow.New(core, escrow.Options{EnableAuditLog: cfg.EnableAuditLog})
	sweeper := escrow.NewSweeper(escrows, cfg.EscrowSweepInterval)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	sched := scheduler.New(schedStore, scheduler.NewTransferExecutor(core), bus, scheduler.Options{
		CheckInterval: cfg.SchedulerCheckInterval,
		MaxFailures:   cfg.SchedulerMaxFailures,
	})
	sched.Start(ctx)
	defer sched.Stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics listening", "addr", cfg.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown failed", "error", err)
	}
	if err := shutdownTraces(shutdownCtx); err != nil {
		logger.Error("trace shutdown failed", "error", err)
	}
	logger.Info("stopped")
}
