package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/mail-guardian/internal/model"
)

var (
	// ErrNotFound is returned by single-row lookups that match nothing.
	ErrNotFound = errors.New("record not found")
	// ErrLockConflict is returned when another session holds the advisory lock.
	ErrLockConflict = errors.New("lock held by another session")
)

// All repository interfaces in one file
type (
	TenantRepository interface {
		ListActive(ctx context.Context) ([]uuid.UUID, error)
	}

	// FingerprintRepository is the sync log of delivered notifications.
	FingerprintRepository interface {
		Exists(ctx context.Context, tenantID uuid.UUID, fp model.Fingerprint) (bool, error)
		// Record inserts the fingerprint; an existing row is left untouched.
		Record(ctx context.Context, rec *model.FingerprintRecord) error
		DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
	}

	ProcessedRepository interface {
		Exists(ctx context.Context, tenantID uuid.UUID, externalID string) (bool, error)
		Mark(ctx context.Context, tenantID uuid.UUID, externalID string) error
		CountSince(ctx context.Context, tenantID uuid.UUID, since time.Time) (int, error)
	}

	// LockHandle releases a held lock. Release is safe to call more than once.
	LockHandle interface {
		Release(ctx context.Context) error
	}

	Locker interface {
		// TryLock never blocks; it returns ErrLockConflict if the key is held.
		TryLock(ctx context.Context, tenantID uuid.UUID, key string) (LockHandle, error)
	}

	RetryQueueRepository interface {
		Create(ctx context.Context, item *model.RetryQueueItem) error
		Get(ctx context.Context, id uuid.UUID) (*model.RetryQueueItem, error)
		// ClaimReady moves up to limit due pending items to processing and returns
		// them ordered by scheduled_at.
		ClaimReady(ctx context.Context, now time.Time, limit int) ([]*model.RetryQueueItem, error)
		MarkCompleted(ctx context.Context, id uuid.UUID, now time.Time) error
		MarkFailed(ctx context.Context, id uuid.UUID, errorMessage string, now time.Time) error
		Reschedule(ctx context.Context, id uuid.UUID, retryCount int, scheduledAt time.Time, errorMessage string) error
		// ResetStuck returns processing items started before the cutoff to pending.
		// uuid.Nil sweeps every tenant.
		ResetStuck(ctx context.Context, tenantID uuid.UUID, startedBefore time.Time) (int64, error)
		List(ctx context.Context, filter model.RetryFilter) ([]*model.RetryQueueItem, error)
		CountByStatusSince(ctx context.Context, tenantID uuid.UUID, statuses []model.RetryStatus, since time.Time) (int, error)
	}

	UnsafeThreadRepository interface {
		Upsert(ctx context.Context, tag *model.UnsafeThreadTag) error
		Exists(ctx context.Context, tenantID uuid.UUID, threadID string) (bool, error)
		List(ctx context.Context, tenantID uuid.UUID, page model.Pagination) ([]*model.UnsafeThreadTag, error)
		Delete(ctx context.Context, tenantID uuid.UUID, threadID string) (bool, error)
		CountSince(ctx context.Context, tenantID uuid.UUID, since time.Time) (int, error)
	}

	RepairLogRepository interface {
		Create(ctx context.Context, entry *model.RepairLogEntry) error
		CountFailuresSince(ctx context.Context, tenantID uuid.UUID, since time.Time) (int, error)
		ListRecent(ctx context.Context, tenantID uuid.UUID, limit int) ([]*model.RepairLogEntry, error)
	}

	SystemStateRepository interface {
		// Get returns ErrNotFound when the key has never been written.
		Get(ctx context.Context, tenantID uuid.UUID, key string) (*model.SystemState, error)
		Set(ctx context.Context, state *model.SystemState) error
	}

	AuditRepository interface {
		Create(ctx context.Context, log *model.AuditLog) error
		List(ctx context.Context, tenantID uuid.UUID, page model.Pagination) ([]*model.AuditLog, error)
		// CountSince counts rows whose action starts with actionPrefix; an empty
		// level matches every level.
		CountSince(ctx context.Context, tenantID uuid.UUID, actionPrefix string, level model.AuditLevel, since time.Time) (int, error)
		DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
	}

	// CounterRepository backs windowed failure counters that survive restarts.
	CounterRepository interface {
		// Increment bumps the counter and returns the new value. A counter whose
		// window started before windowStart restarts at 1.
		Increment(ctx context.Context, tenantID uuid.UUID, scope, key string, windowStart time.Time) (int, error)
		Reset(ctx context.Context, tenantID uuid.UUID, scope, key string) error
	}
)
