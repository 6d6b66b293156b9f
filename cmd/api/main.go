package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jwalitptl/mail-guardian/internal/app"
	"github.com/jwalitptl/mail-guardian/internal/config"
	"github.com/jwalitptl/mail-guardian/internal/handler/admin"
	"github.com/jwalitptl/mail-guardian/internal/handler/health"
	"github.com/jwalitptl/mail-guardian/internal/handler/prometheus"
	"github.com/jwalitptl/mail-guardian/internal/handler/webhook"
	"github.com/jwalitptl/mail-guardian/internal/middleware"
	"github.com/jwalitptl/mail-guardian/internal/router"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := app.NewLogger(cfg.Logging)

	a, err := app.New(cfg, logger)
	if err != nil {
		logger.Fatal(err, "failed to initialize application")
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.ListenSafeMode(ctx)

	adminHandler := admin.NewHandler(admin.Deps{
		UnsafeThreads: a.Repos.Unsafe,
		Processed:     a.Repos.Processed,
		Retries:       a.Repos.RetryQueue,
		Repairs:       a.Repos.RepairLog,
		Audit:         a.Audit,
		Guardians:     a.Guardians,
		Daemon:        a.Daemon,
		Risk:          a.Risk,
	})

	r := router.NewRouter(
		middleware.NewAuthMiddleware(cfg.Admin.JWTSecret),
		webhook.NewHandler(a.Pipeline),
		adminHandler,
		health.NewHandler(a.DB),
		prometheus.New(a.Registry, a.Registry),
		logger,
		router.RouterConfig{
			DefaultTenant:    a.DefaultTenant,
			WebhookPerMinute: cfg.Webhook.RequestsPerMin,
			AdminRPS:         adminRPS(cfg.RateLimit),
			AdminBurst:       cfg.RateLimit.Burst,
			AllowedOrigins:   cfg.Server.AllowedOrigins,
		},
	)
	r.Setup()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r.Engine(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal(err, "failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server...")
	cancel()

	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error(err, "server forced to shutdown")
	}

	logger.Info("server exited properly")
}

func adminRPS(cfg config.RateLimitConfig) float64 {
	if !cfg.Enabled {
		return 0
	}
	return cfg.RequestsPerSecond
}
