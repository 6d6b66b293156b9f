package idempotency

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/mail-guardian/internal/repository/memory"
	apperrors "github.com/jwalitptl/mail-guardian/pkg/errors"
)

func TestService_MarkAndCheck(t *testing.T) {
	ctx := context.Background()
	svc := NewService(&memory.ProcessedRepository{}, &memory.Locker{}, nil)
	tenant := uuid.New()

	done, err := svc.IsProcessed(ctx, tenant, "gm-1")
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, svc.MarkProcessed(ctx, tenant, "gm-1"))
	require.NoError(t, svc.MarkProcessed(ctx, tenant, "gm-1"))

	done, err = svc.IsProcessed(ctx, tenant, "gm-1")
	require.NoError(t, err)
	assert.True(t, done)

	done, err = svc.IsProcessed(ctx, uuid.New(), "gm-1")
	require.NoError(t, err)
	assert.False(t, done)
}

func TestService_LockIsExclusive(t *testing.T) {
	ctx := context.Background()
	locker := &memory.Locker{}
	svc := NewService(&memory.ProcessedRepository{}, locker, nil)
	tenant := uuid.New()

	handle, err := svc.AcquireLock(ctx, tenant, "gm-1")
	require.NoError(t, err)

	_, err = svc.AcquireLock(ctx, tenant, "gm-1")
	assert.ErrorIs(t, err, ErrAlreadyLocked)
	assert.Equal(t, http.StatusConflict, apperrors.StatusFor(err))

	other, err := svc.AcquireLock(ctx, uuid.New(), "gm-1")
	require.NoError(t, err, "locks are scoped per tenant")
	svc.Release(ctx, other)

	svc.Release(ctx, handle)
	svc.Release(ctx, handle)
	svc.Release(ctx, nil)
	assert.False(t, locker.Held(tenant, "gm-1"))
}

func TestService_WithLockReleasesOnError(t *testing.T) {
	ctx := context.Background()
	locker := &memory.Locker{}
	svc := NewService(&memory.ProcessedRepository{}, locker, nil)
	tenant := uuid.New()
	boom := errors.New("boom")

	err := svc.WithLock(ctx, tenant, "gm-1", func(context.Context) error {
		assert.True(t, locker.Held(tenant, "gm-1"))
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.False(t, locker.Held(tenant, "gm-1"))
}

func TestService_WithLockReleasesOnPanic(t *testing.T) {
	ctx := context.Background()
	locker := &memory.Locker{}
	svc := NewService(&memory.ProcessedRepository{}, locker, nil)
	tenant := uuid.New()

	assert.Panics(t, func() {
		_ = svc.WithLock(ctx, tenant, "gm-1", func(context.Context) error { panic("processor bug") })
	})
	assert.False(t, locker.Held(tenant, "gm-1"))
}

func TestService_LockStorageError(t *testing.T) {
	svc := NewService(&memory.ProcessedRepository{}, &memory.Locker{Err: errors.New("pool exhausted")}, nil)

	_, err := svc.AcquireLock(context.Background(), uuid.New(), "gm-1")

	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrAlreadyLocked)
	assert.Contains(t, err.Error(), "pool exhausted")
}
