package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/mail-guardian/internal/model"
	"github.com/jwalitptl/mail-guardian/internal/repository/memory"
)

func TestBackoff(t *testing.T) {
	want := []time.Duration{
		2 * time.Minute,
		4 * time.Minute,
		8 * time.Minute,
		16 * time.Minute,
		32 * time.Minute,
		32 * time.Minute,
		32 * time.Minute,
	}
	for count, d := range want {
		assert.Equal(t, d, Backoff(count), "retry count %d", count)
	}
	assert.Equal(t, 2*time.Minute, Backoff(-1))
	assert.Equal(t, MaxBackoff, Backoff(64))
}

func newTestQueue(now time.Time) (*Queue, *memory.RetryQueueRepository) {
	repo := &memory.RetryQueueRepository{}
	q := NewQueue(repo, nil, nil)
	q.now = func() time.Time { return now }
	return q, repo
}

func TestQueue_Enqueue(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q, repo := newTestQueue(now)
	tenant := uuid.New()

	item, err := q.Enqueue(context.Background(), EnqueueParams{
		TenantID:     tenant,
		SubjectID:    "gm-1",
		Context:      model.JSONMap{"thread_id": "th-1"},
		ErrorMessage: "downstream 503",
	})
	require.NoError(t, err)

	stored, err := repo.Get(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RetryStatusPending, stored.Status)
	assert.Equal(t, 0, stored.RetryCount)
	assert.Equal(t, DefaultMaxRetries, stored.MaxRetries)
	assert.Equal(t, now.Add(2*time.Minute), stored.ScheduledAt)
	assert.Equal(t, "downstream 503", *stored.ErrorMessage)

	_, err = q.Enqueue(context.Background(), EnqueueParams{TenantID: tenant})
	assert.Error(t, err)
}

func TestQueue_WithMaxRetries(t *testing.T) {
	q, _ := newTestQueue(time.Now())
	q.WithMaxRetries(5).WithMaxRetries(0)

	item, err := q.Enqueue(context.Background(), EnqueueParams{TenantID: uuid.New(), SubjectID: "gm-1"})
	require.NoError(t, err)
	assert.Equal(t, 5, item.MaxRetries)

	item, err = q.Enqueue(context.Background(), EnqueueParams{TenantID: uuid.New(), SubjectID: "gm-2", MaxRetries: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, item.MaxRetries)
}

func TestQueue_DequeueOnlyDueItems(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q, _ := newTestQueue(now)
	ctx := context.Background()

	item, err := q.Enqueue(ctx, EnqueueParams{TenantID: uuid.New(), SubjectID: "gm-1"})
	require.NoError(t, err)

	due, err := q.DequeueReady(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	q.now = func() time.Time { return now.Add(3 * time.Minute) }
	due, err = q.DequeueReady(ctx, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, item.ID, due[0].ID)
	assert.Equal(t, model.RetryStatusProcessing, due[0].Status)

	due, err = q.DequeueReady(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, due, "claimed items are not handed out twice")
}

func TestQueue_RescheduleWalksTheBackoffThenFails(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q, repo := newTestQueue(now)
	ctx := context.Background()
	q.WithMaxRetries(4)

	item, err := q.Enqueue(ctx, EnqueueParams{TenantID: uuid.New(), SubjectID: "gm-1"})
	require.NoError(t, err)

	for _, wantDelay := range []time.Duration{2 * time.Minute, 4 * time.Minute, 8 * time.Minute} {
		require.NoError(t, q.Reschedule(ctx, item, errors.New("still failing")))
		stored, err := repo.Get(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, model.RetryStatusPending, stored.Status)
		assert.Equal(t, now.Add(wantDelay), stored.ScheduledAt)
		assert.Equal(t, item.RetryCount, stored.RetryCount)
	}
	assert.Equal(t, 3, item.RetryCount)

	require.NoError(t, q.Reschedule(ctx, item, errors.New("still failing")))
	stored, err := repo.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RetryStatusFailed, stored.Status)
	assert.Contains(t, *stored.ErrorMessage, "max retries reached (4)")
	assert.Contains(t, *stored.ErrorMessage, "still failing")
	assert.True(t, stored.Status.Terminal())
}

func TestQueue_PostponeKeepsRetryCount(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q, repo := newTestQueue(now)
	ctx := context.Background()

	item, err := q.Enqueue(ctx, EnqueueParams{TenantID: uuid.New(), SubjectID: "gm-1", ErrorMessage: "downstream unavailable"})
	require.NoError(t, err)
	require.NoError(t, q.Reschedule(ctx, item, errors.New("downstream unavailable")))

	require.NoError(t, q.Postpone(ctx, item, time.Minute, nil))

	stored, err := repo.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.RetryCount)
	assert.Equal(t, model.RetryStatusPending, stored.Status)
	assert.Equal(t, now.Add(time.Minute), stored.ScheduledAt)
	require.NotNil(t, stored.ErrorMessage)
	assert.Equal(t, "downstream unavailable", *stored.ErrorMessage)
}

func TestQueue_Complete(t *testing.T) {
	q, repo := newTestQueue(time.Now())
	ctx := context.Background()
	item, err := q.Enqueue(ctx, EnqueueParams{TenantID: uuid.New(), SubjectID: "gm-1"})
	require.NoError(t, err)

	require.NoError(t, q.Complete(ctx, item))

	stored, err := repo.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RetryStatusCompleted, stored.Status)
	assert.NotNil(t, stored.CompletedAt)
}

func TestQueue_ResetStuck(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q, repo := newTestQueue(now)
	ctx := context.Background()
	tenant := uuid.New()

	for _, age := range []time.Duration{2 * time.Hour, 10 * time.Minute} {
		started := now.Add(-age)
		require.NoError(t, repo.Create(ctx, &model.RetryQueueItem{
			ID: uuid.New(), TenantID: tenant, SubjectID: "gm", Status: model.RetryStatusProcessing, StartedAt: &started,
		}))
	}

	n, err := q.ResetStuck(ctx, tenant, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = q.ResetStuck(ctx, uuid.New(), time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)
}
