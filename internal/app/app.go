// Package app wires the components shared by the api, worker and guardianctl
// binaries.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/jwalitptl/mail-guardian/internal/aegis"
	"github.com/jwalitptl/mail-guardian/internal/config"
	"github.com/jwalitptl/mail-guardian/internal/daemon"
	"github.com/jwalitptl/mail-guardian/internal/email"
	"github.com/jwalitptl/mail-guardian/internal/guardian"
	"github.com/jwalitptl/mail-guardian/internal/repository/postgres"
	"github.com/jwalitptl/mail-guardian/internal/service/audit"
	"github.com/jwalitptl/mail-guardian/internal/service/idempotency"
	"github.com/jwalitptl/mail-guardian/internal/service/retry"
	"github.com/jwalitptl/mail-guardian/internal/service/webhook"
	"github.com/jwalitptl/mail-guardian/pkg/logger"
	"github.com/jwalitptl/mail-guardian/pkg/messaging"
	"github.com/jwalitptl/mail-guardian/pkg/messaging/redis"
	"github.com/jwalitptl/mail-guardian/pkg/metrics"
)

const metricsNamespace = "mail_guardian"

type App struct {
	Config   *config.Config
	Log      *logger.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics

	DB     *sqlx.DB
	Repos  *postgres.Repositories
	Broker messaging.Broker
	Audit  *audit.Service

	Guardians   *guardian.Registry
	Gate        *guardian.WriteGate
	Idempotency *idempotency.Service
	Retries     *retry.Queue
	Processor   webhook.Processor
	Pipeline    *webhook.Pipeline
	Scorer      *aegis.Scorer
	Risk        daemon.RiskAnalyzer
	Daemon      *daemon.Daemon

	DefaultTenant uuid.UUID
}

// NewLogger builds the process logger from the logging section.
func NewLogger(cfg config.LoggingConfig) *logger.Logger {
	return logger.NewLogger(&logger.Config{
		Level:      logger.ParseLevel(cfg.Level),
		TimeFormat: time.RFC3339,
		Output:     os.Stdout,
		JSON:       cfg.JSON,
	})
}

// New connects to the database and the broker and builds every service.
func New(cfg *config.Config, log *logger.Logger) (*App, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(metricsNamespace, reg)

	defaultTenant := uuid.Nil
	if cfg.Daemon.DefaultTenantID != "" {
		id, err := uuid.Parse(cfg.Daemon.DefaultTenantID)
		if err != nil {
			return nil, fmt.Errorf("invalid default tenant id: %w", err)
		}
		defaultTenant = id
	}

	db, err := postgres.NewDB(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	repos := postgres.NewRepositories(db, m)

	broker, err := newBroker(cfg.Redis, log)
	if err != nil {
		db.Close()
		return nil, err
	}

	auditSvc := audit.NewService(repos.Audit, log)

	retries := retry.NewQueue(repos.RetryQueue, log, m).WithMaxRetries(cfg.Retry.MaxRetries)

	guardians := guardian.NewRegistry(guardian.Dependencies{
		UnsafeThreads: repos.Unsafe,
		Repairs:       repos.RepairLog,
		State:         repos.SystemState,
		AuditRepo:     repos.Audit,
		Audit:         auditSvc,
		Retries:       retries,
		Counters:      counters(cfg.Guardian, repos),
		Broker:        broker,
		Notifier:      notifier(cfg.SMTP),
		Logger:        log,
		Metrics:       m,
	}, guardianConfig(cfg))
	auditSvc.SetForwarder(guardian.NewManager(guardians))

	gate := guardian.NewWriteGate(guardians)
	idem := idempotency.NewService(repos.Processed, repos.Locker, log)
	processor := webhook.NewBrokerProcessor(broker, gate)

	keys := webhook.NewJWKSProvider(cfg.Webhook.JWKSURL, cfg.Webhook.JWKSCacheTTL, &http.Client{Timeout: 10 * time.Second})
	verifier := webhook.NewTokenVerifier(webhook.VerifierConfig{
		TrustedIssuers: cfg.Webhook.TrustedIssuers,
		ServiceAccount: cfg.Webhook.ServiceAccount,
		ClockSkew:      cfg.Webhook.ClockSkew,
		AudienceFor: func(tenantID uuid.UUID) string {
			return cfg.Webhook.AudienceFor(tenantID.String())
		},
	}, keys, auditSvc)

	pipeline := webhook.NewPipeline(
		verifier,
		webhook.NewReplayGuard(repos.Fingerprints),
		idem,
		retries,
		processor,
		auditSvc,
		log,
		m,
	)

	scorer := aegis.NewScorer(aegis.Sources{
		Tenants:       repos.Tenants,
		UnsafeThreads: repos.Unsafe,
		Retries:       repos.RetryQueue,
		Repairs:       repos.RepairLog,
		AuditLog:      repos.Audit,
	}, auditSvc, log, m)

	var risk daemon.RiskAnalyzer = daemon.NopRiskAnalyzer{}
	if cfg.Daemon.RiskAnalysis {
		risk = scorer
	}

	d := daemon.New(repos.Tenants, guardians, risk, repos.SystemState, auditSvc, daemon.Config{
		Interval:        cfg.Daemon.Interval,
		DefaultTenantID: defaultTenant,
	}, log, m)

	return &App{
		Config:        cfg,
		Log:           log,
		Registry:      reg,
		Metrics:       m,
		DB:            db,
		Repos:         repos,
		Broker:        broker,
		Audit:         auditSvc,
		Guardians:     guardians,
		Gate:          gate,
		Idempotency:   idem,
		Retries:       retries,
		Processor:     processor,
		Pipeline:      pipeline,
		Scorer:        scorer,
		Risk:          risk,
		Daemon:        d,
		DefaultTenant: defaultTenant,
	}, nil
}

// ListenSafeMode applies safe mode notices from other instances in the
// background until ctx is cancelled.
func (a *App) ListenSafeMode(ctx context.Context) {
	go func() {
		if err := a.Guardians.ListenSafeMode(ctx); err != nil && ctx.Err() == nil {
			a.Log.Error(err, "Safe mode listener stopped")
		}
	}()
}

func (a *App) Close() {
	if err := a.Broker.Close(); err != nil {
		a.Log.Warn(err, "Failed to close broker")
	}
	if err := a.DB.Close(); err != nil {
		a.Log.Warn(err, "Failed to close database")
	}
}

func newBroker(cfg config.RedisConfig, log *logger.Logger) (messaging.Broker, error) {
	if cfg.URL == "" {
		log.Info("Redis not configured, safe mode notices and hand-off stay in process")
		return messaging.NopBroker{}, nil
	}
	broker, err := redis.NewRedisBroker(cfg.ToBrokerConfig(), &log.ZL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return broker, nil
}

func notifier(cfg config.SMTPConfig) guardian.Notifier {
	if cfg.Host == "" || len(cfg.Operators) == 0 {
		return email.NopNotifier{}
	}
	return email.NewSafeModeNotifier(email.NewSMTPService(cfg), cfg.Operators)
}

func counters(cfg config.GuardianConfig, repos *postgres.Repositories) guardian.CounterFactory {
	if cfg.CounterBackend == "store" {
		return guardian.StoreCounters(repos.Counters, cfg.CounterTTL)
	}
	return guardian.MemoryCounters(cfg.CounterCapacity, cfg.CounterTTL)
}

func guardianConfig(cfg *config.Config) guardian.Config {
	return guardian.Config{
		SecurityFailureThreshold: cfg.Guardian.SecurityFailureThreshold,
		RepairThreshold:          cfg.Guardian.RepairThreshold,
		ObservationThreshold:     cfg.Guardian.ObservationThreshold,
		ObservationWindow:        cfg.Guardian.ObservationWindow,
		StuckTimeout:             cfg.Retry.StuckTimeout,
		SafeModeCacheTTL:         cfg.Guardian.SafeModeCacheTTL,
		SafeModeFailClosed:       cfg.Guardian.SafeModeFailClosed,
		AllowedDomains:           cfg.Guardian.AllowedDomains,
	}
}
