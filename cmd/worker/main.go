package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/jwalitptl/mail-guardian/internal/app"
	"github.com/jwalitptl/mail-guardian/internal/config"
	"github.com/jwalitptl/mail-guardian/internal/worker"
	"github.com/jwalitptl/mail-guardian/pkg/logger"
)

const healthAddr = ":8081"

// setupHealthCheck serves liveness, readiness and metrics for the worker.
func setupHealthCheck(a *app.App, logger *logger.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health/live", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.DB.PingContext(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: healthAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(err, "Health check server failed")
			os.Exit(1)
		}
	}()
	return srv
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	logger := app.NewLogger(cfg.Logging).WithFields(map[string]interface{}{"service": "worker"})

	a, err := app.New(cfg, logger)
	if err != nil {
		logger.Fatal(err, "Failed to initialize worker")
	}
	defer a.Close()

	processor := worker.NewRetryProcessor(
		a.Retries,
		a.Idempotency,
		a.Processor,
		worker.RetryProcessorConfig{
			BatchSize:    cfg.Retry.BatchSize,
			PollInterval: cfg.Retry.PollInterval,
			StuckTimeout: cfg.Retry.StuckTimeout,
		},
		logger,
		a.Metrics,
	)

	retention := worker.NewRetentionWorker(
		a.Repos.Fingerprints,
		a.Repos.Audit,
		cfg.Retention.FingerprintDays,
		cfg.Retention.AuditDays,
		cfg.Retention.Interval,
		logger,
	)

	health := setupHealthCheck(a, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Shutting down...")
		cancel()
	}()

	a.ListenSafeMode(ctx)

	var wg sync.WaitGroup
	for _, run := range []func(context.Context){processor.Start, retention.Start, a.Daemon.RunLoop} {
		wg.Add(1)
		go func(run func(context.Context)) {
			defer wg.Done()
			run(ctx)
		}(run)
	}
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = health.Shutdown(shutdownCtx)
}
