package idempotency

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/jwalitptl/mail-guardian/internal/repository"
	apperrors "github.com/jwalitptl/mail-guardian/pkg/errors"
	"github.com/jwalitptl/mail-guardian/pkg/logger"
)

var (
	ErrAlreadyProcessed = apperrors.NewConflict("message already processed", nil)
	ErrAlreadyLocked    = apperrors.NewConflict("message is being processed", repository.ErrLockConflict)
)

// Service combines the processed-marker oracle with the per-message lock.
type Service struct {
	processed repository.ProcessedRepository
	locker    repository.Locker
	log       *logger.Logger
}

func NewService(processed repository.ProcessedRepository, locker repository.Locker, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewNop()
	}
	return &Service{processed: processed, locker: locker, log: log}
}

// IsProcessed reports whether a marker exists. Errors are returned so the
// caller picks the failure policy.
func (s *Service) IsProcessed(ctx context.Context, tenantID uuid.UUID, externalID string) (bool, error) {
	return s.processed.Exists(ctx, tenantID, externalID)
}

// AcquireLock never blocks. A held key yields ErrAlreadyLocked.
func (s *Service) AcquireLock(ctx context.Context, tenantID uuid.UUID, externalID string) (repository.LockHandle, error) {
	handle, err := s.locker.TryLock(ctx, tenantID, externalID)
	if errors.Is(err, repository.ErrLockConflict) {
		return nil, ErrAlreadyLocked
	}
	if err != nil {
		return nil, fmt.Errorf("acquire lock for %s: %w", externalID, err)
	}
	return handle, nil
}

// Release is idempotent and logs instead of failing.
func (s *Service) Release(ctx context.Context, handle repository.LockHandle) {
	if handle == nil {
		return
	}
	if err := handle.Release(ctx); err != nil {
		s.log.Warn(err, "Failed to release message lock")
	}
}

func (s *Service) MarkProcessed(ctx context.Context, tenantID uuid.UUID, externalID string) error {
	return s.processed.Mark(ctx, tenantID, externalID)
}

// WithLock runs fn while holding the message lock and releases it however fn
// returns, including by panic.
func (s *Service) WithLock(ctx context.Context, tenantID uuid.UUID, externalID string, fn func(ctx context.Context) error) error {
	handle, err := s.AcquireLock(ctx, tenantID, externalID)
	if err != nil {
		return err
	}
	defer s.Release(ctx, handle)
	return fn(ctx)
}
