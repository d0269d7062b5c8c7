package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"market-structure-lab/internal/binance"
	"market-structure-lab/internal/config"
	"market-structure-lab/internal/ingestion"
	"market-structure-lab/internal/observability"
	"market-structure-lab/internal/orchestrator"
)

func main() {
	// Parse flags
	configPath := flag.String("config", "", "Path to TOML config file (defaults apply when empty)")
	mode := flag.String("mode", "all", "Run mode: extrema, levels, all, or daemon")
	symbols := flag.String("symbol", "", "Comma-separated symbols, overrides market.symbols")
	backend := flag.String("backend", "", "Storage backend, overrides storage.backend")
	once := flag.Bool("once", false, "In daemon mode, run a single pass and exit")
	metricsAddr := flag.String("metrics-addr", "", "Prometheus metrics HTTP address, overrides metrics.addr")

	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatalf("Load config: %v", err)
	}
	if *symbols != "" {
		cfg.Market.Symbols = strings.Split(*symbols, ",")
	}
	if *backend != "" {
		cfg.Storage.Backend = *backend
	}
	if *metricsAddr != "" {
		cfg.Metrics.Addr = *metricsAddr
	}
	if err := cfg.Validate(); err != nil {
		logrus.Fatal(err)
	}

	// Setup logger
	logger, err := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		logrus.Fatal(err)
	}

	daemon := *mode == "daemon"
	trackers := orchestrator.Mode(*mode)
	if daemon {
		trackers = orchestrator.ModeAll
	}
	if !trackers.IsValid() {
		logger.Fatalf("Unknown mode: %s", *mode)
	}

	metrics := observability.NewMetrics(cfg.Metrics.Namespace, nil)

	// Start metrics server if enabled
	if cfg.Metrics.Addr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", observability.Handler())
			mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				w.Write([]byte("ok"))
			})
			logger.Infof("Starting metrics server on %s", cfg.Metrics.Addr)
			if err := http.ListenAndServe(cfg.Metrics.Addr, mux); err != nil && err != http.ErrServerClosed {
				logger.Errorf("Metrics server error: %v", err)
			}
		}()
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())

	// Handle shutdown signals with graceful timeout
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Channel to signal main goroutine completion
	done := make(chan error, 1)

	go func() {
		sig := <-sigCh
		logger.Infof("Received signal %v, initiating graceful shutdown...", sig)
		cancel()

		// Wait for second signal for immediate shutdown
		select {
		case sig := <-sigCh:
			logger.Warnf("Received second signal %v, forcing immediate shutdown", sig)
			os.Exit(1)
		case <-time.After(30 * time.Second):
			logger.Warn("Graceful shutdown timed out after 30s, forcing exit")
			os.Exit(1)
		case <-done:
			// Normal shutdown completed
		}
	}()

	err = run(ctx, logger, cfg, trackers, daemon && !*once, metrics)

	// Signal completion to shutdown handler
	done <- err
	cancel()

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatalf("Error: %v", err)
	}

	logger.Info("Shutdown complete")
}

// run wires sources, storage and sinks, then executes the trackers once or
// until ctx is cancelled.
func run(ctx context.Context, logger *logrus.Logger, cfg *config.Config, mode orchestrator.Mode, repeat bool, metrics *observability.Metrics) error {
	backend, err := orchestrator.OpenBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer backend.Close()
	logger.WithField("backend", cfg.Storage.Backend).Info("State backend ready")

	sinks, err := orchestrator.OpenSinks(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sinks.Close()

	client := binance.NewClient(cfg.Market.BaseURL,
		binance.WithAPIKey(cfg.Market.APIKey),
		binance.WithRateLimit(cfg.Market.RequestsPerSecond, 1),
	)

	var snapshots ingestion.SnapshotSource = client
	if cfg.Market.UseDepthStream && mode != orchestrator.ModeExtrema {
		stream, err := binance.NewDepthStream(cfg.Market.StreamURL, cfg.Market.Symbols, &binance.StreamConfig{
			Levels: cfg.Market.StreamLevels,
		})
		if err != nil {
			return err
		}
		if err := stream.Start(ctx); err != nil {
			return err
		}
		defer stream.Close()
		snapshots = stream
		logger.WithField("levels", cfg.Market.StreamLevels).Info("Depth stream connected")
	}

	orch, err := orchestrator.New(orchestrator.Options{
		Config:    cfg,
		Mode:      mode,
		Backend:   backend,
		Bars:      client,
		Snapshots: snapshots,
		Sink:      sinks.Sink,
		Metrics:   metrics,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	scheduler := ingestion.NewScheduler(ingestion.SchedulerOptions{
		Interval:   cfg.Scheduler.Interval.Duration,
		Jitter:     cfg.Scheduler.Jitter.Duration,
		RetryDelay: cfg.Scheduler.RetryDelay.Duration,
		MaxBackoff: cfg.Scheduler.MaxBackoff.Duration,
		Logger:     logger,
	})

	jobs := orch.Jobs()
	logger.WithFields(logrus.Fields{"jobs": len(jobs), "mode": mode, "daemon": repeat}).Info("Starting trackers")

	if repeat {
		return scheduler.Run(ctx, jobs)
	}
	return scheduler.RunOnce(ctx, jobs)
}
