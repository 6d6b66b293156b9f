package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/mail-guardian/internal/repository"
	"github.com/jwalitptl/mail-guardian/pkg/metrics"
)

// BaseRepository provides common functionality for all repositories
type BaseRepository struct {
	db      *sqlx.DB
	metrics *metrics.Metrics
}

// NewBaseRepository creates a new base repository
func NewBaseRepository(db *sqlx.DB, m *metrics.Metrics) BaseRepository {
	if m == nil {
		m = metrics.NewNop()
	}
	return BaseRepository{db: db, metrics: m}
}

// GetDB returns the database instance
func (r *BaseRepository) GetDB() *sqlx.DB {
	return r.db
}

// WithTx executes a function within a transaction
func (r *BaseRepository) WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

func (r *BaseRepository) observe(op string, err error) {
	if errors.Is(err, sql.ErrNoRows) {
		err = nil
	}
	r.metrics.ObserveDB(op, err)
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return repository.ErrNotFound
	}
	return err
}

// Repositories bundles every postgres repository over one connection pool.
type Repositories struct {
	Tenants      repository.TenantRepository
	Fingerprints repository.FingerprintRepository
	Processed    repository.ProcessedRepository
	Locker       repository.Locker
	RetryQueue   repository.RetryQueueRepository
	Unsafe       repository.UnsafeThreadRepository
	RepairLog    repository.RepairLogRepository
	SystemState  repository.SystemStateRepository
	Audit        repository.AuditRepository
	Counters     repository.CounterRepository
}

func NewRepositories(db *sqlx.DB, m *metrics.Metrics) *Repositories {
	base := NewBaseRepository(db, m)
	return &Repositories{
		Tenants:      NewTenantRepository(base),
		Fingerprints: NewFingerprintRepository(base),
		Processed:    NewProcessedRepository(base),
		Locker:       NewAdvisoryLocker(base),
		RetryQueue:   NewRetryQueueRepository(base),
		Unsafe:       NewUnsafeThreadRepository(base),
		RepairLog:    NewRepairLogRepository(base),
		SystemState:  NewSystemStateRepository(base),
		Audit:        NewAuditRepository(base),
		Counters:     NewCounterRepository(base),
	}
}
