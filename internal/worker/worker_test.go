package worker

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
	"github.com/jwalitptl/mail-guardian/internal/service/idempotency"
	"github.com/jwalitptl/mail-guardian/internal/service/retry"
	"github.com/jwalitptl/mail-guardian/internal/service/webhook"
	"github.com/jwalitptl/mail-guardian/pkg/logger"
	"github.com/jwalitptl/mail-guardian/pkg/metrics"
)

type fakeProcessor struct {
	calls    int
	payloads []model.JSONMap
	result   *webhook.ProcessingResult
	err      error
}

func (p *fakeProcessor) Process(_ context.Context, payload model.JSONMap, _ uuid.UUID, _ string) (*webhook.ProcessingResult, error) {
	p.calls++
	p.payloads = append(p.payloads, payload)
	if p.err != nil {
		return nil, p.err
	}
	if p.result != nil {
		return p.result, nil
	}
	return &webhook.ProcessingResult{Status: "queued"}, nil
}

type retryFixture struct {
	worker    *RetryProcessor
	repo      *memory.RetryQueueRepository
	processed *memory.ProcessedRepository
	locker    *memory.Locker
	processor *fakeProcessor
	tenant    uuid.UUID
}

func newRetryFixture() *retryFixture {
	f := &retryFixture{
		repo:      &memory.RetryQueueRepository{},
		processed: &memory.ProcessedRepository{},
		locker:    &memory.Locker{},
		processor: &fakeProcessor{},
		tenant:    uuid.New(),
	}
	f.worker = NewRetryProcessor(
		retry.NewQueue(f.repo, nil, nil),
		idempotency.NewService(f.processed, f.locker, nil),
		f.processor,
		RetryProcessorConfig{BatchSize: 10, PollInterval: time.Second},
		logger.NewNop(),
		metrics.NewNop(),
	)
	return f
}

func (f *retryFixture) due(t *testing.T, subject string) uuid.UUID {
	t.Helper()
	past := time.Now().UTC().Add(-time.Minute)
	item := &model.RetryQueueItem{
		ID:        uuid.New(),
		TenantID:  f.tenant,
		SubjectID: subject,
		AccountContext: model.JSONMap{
			"payload":  map[string]interface{}{"messageId": subject},
			"trace_id": "trace-1",
		},
		MaxRetries:  3,
		Status:      model.RetryStatusPending,
		ScheduledAt: past,
		CreatedAt:   past,
	}
	require.NoError(t, f.repo.Create(context.Background(), item))
	return item.ID
}

func (f *retryFixture) item(t *testing.T, id uuid.UUID) *model.RetryQueueItem {
	t.Helper()
	item, err := f.repo.Get(context.Background(), id)
	require.NoError(t, err)
	return item
}

func TestNewRetryProcessor_PanicsOnBadConfig(t *testing.T) {
	assert.Panics(t, func() {
		NewRetryProcessor(nil, nil, nil, RetryProcessorConfig{PollInterval: time.Second}, logger.NewNop(), metrics.NewNop())
	})
	assert.Panics(t, func() {
		NewRetryProcessor(nil, nil, nil, RetryProcessorConfig{BatchSize: 1}, logger.NewNop(), metrics.NewNop())
	})
}

func TestRetryProcessor_CompletesSuccessfulRetry(t *testing.T) {
	f := newRetryFixture()
	id := f.due(t, "gm-1")

	require.NoError(t, f.worker.ProcessBatch(context.Background()))

	assert.Equal(t, model.RetryStatusCompleted, f.item(t, id).Status)
	require.Equal(t, 1, f.processor.calls)
	assert.Equal(t, "gm-1", f.processor.payloads[0]["messageId"])
	done, _ := f.processed.Exists(context.Background(), f.tenant, "gm-1")
	assert.True(t, done)
	assert.False(t, f.locker.Held(f.tenant, "gm-1"))
}

func TestRetryProcessor_SkipsAlreadyProcessed(t *testing.T) {
	f := newRetryFixture()
	id := f.due(t, "gm-1")
	require.NoError(t, f.processed.Mark(context.Background(), f.tenant, "gm-1"))

	require.NoError(t, f.worker.ProcessBatch(context.Background()))

	assert.Equal(t, model.RetryStatusCompleted, f.item(t, id).Status)
	assert.Zero(t, f.processor.calls)
}

func TestRetryProcessor_ReschedulesFailure(t *testing.T) {
	f := newRetryFixture()
	f.processor.err = errors.New("downstream unavailable")
	id := f.due(t, "gm-1")
	before := time.Now().UTC()

	require.NoError(t, f.worker.ProcessBatch(context.Background()))

	item := f.item(t, id)
	assert.Equal(t, model.RetryStatusPending, item.Status)
	assert.Equal(t, 1, item.RetryCount)
	assert.WithinDuration(t, before.Add(2*time.Minute), item.ScheduledAt, 5*time.Second)
	assert.Contains(t, *item.ErrorMessage, "downstream unavailable")
	done, _ := f.processed.Exists(context.Background(), f.tenant, "gm-1")
	assert.False(t, done)
}

func TestRetryProcessor_BlockedIsRescheduled(t *testing.T) {
	f := newRetryFixture()
	f.processor.result = &webhook.ProcessingResult{Status: "blocked", Blocked: true, Reason: "blocked — safe mode"}
	id := f.due(t, "gm-1")

	require.NoError(t, f.worker.ProcessBatch(context.Background()))

	item := f.item(t, id)
	assert.Equal(t, model.RetryStatusPending, item.Status)
	assert.Contains(t, *item.ErrorMessage, "processing blocked")
}

func TestRetryProcessor_LockedMessageIsRescheduled(t *testing.T) {
	f := newRetryFixture()
	id := f.due(t, "gm-1")
	handle, err := f.locker.TryLock(context.Background(), f.tenant, "gm-1")
	require.NoError(t, err)
	defer handle.Release(context.Background())

	before := time.Now().UTC()
	require.NoError(t, f.worker.ProcessBatch(context.Background()))

	assert.Zero(t, f.processor.calls)
	item := f.item(t, id)
	assert.Equal(t, model.RetryStatusPending, item.Status)
	assert.Zero(t, item.RetryCount, "a lock conflict does not spend an attempt")
	assert.WithinDuration(t, before.Add(time.Minute), item.ScheduledAt, 5*time.Second)
}

func TestRetryProcessor_LockConflictsNeverExhaustRetries(t *testing.T) {
	f := newRetryFixture()
	id := f.due(t, "gm-1")
	handle, err := f.locker.TryLock(context.Background(), f.tenant, "gm-1")
	require.NoError(t, err)
	defer handle.Release(context.Background())

	for i := 0; i < 5; i++ {
		require.NoError(t, f.repo.Reschedule(context.Background(), id, f.item(t, id).RetryCount, time.Now().UTC().Add(-time.Second), ""))
		require.NoError(t, f.worker.ProcessBatch(context.Background()))
	}

	item := f.item(t, id)
	assert.Equal(t, model.RetryStatusPending, item.Status)
	assert.Zero(t, item.RetryCount)
}

type processedUnderLock struct {
	*memory.ProcessedRepository
	lookups int
}

func (r *processedUnderLock) Exists(ctx context.Context, tenantID uuid.UUID, externalID string) (bool, error) {
	done, err := r.ProcessedRepository.Exists(ctx, tenantID, externalID)
	r.lookups++
	if r.lookups == 1 && err == nil && !done {
		err = r.ProcessedRepository.Mark(ctx, tenantID, externalID)
	}
	return done, err
}

func TestRetryProcessor_RechecksMarkerUnderLock(t *testing.T) {
	f := newRetryFixture()
	processed := &processedUnderLock{ProcessedRepository: f.processed}
	f.worker.idem = idempotency.NewService(processed, f.locker, nil)
	id := f.due(t, "gm-1")

	require.NoError(t, f.worker.ProcessBatch(context.Background()))

	assert.Zero(t, f.processor.calls)
	assert.Equal(t, 2, processed.lookups)
	assert.Equal(t, model.RetryStatusCompleted, f.item(t, id).Status)
	assert.False(t, f.locker.Held(f.tenant, "gm-1"))
}

func TestRetryProcessor_FailsAfterMaxRetries(t *testing.T) {
	f := newRetryFixture()
	f.processor.err = errors.New("still broken")
	id := f.due(t, "gm-1")
	require.NoError(t, f.repo.Reschedule(context.Background(), id, 2, time.Now().UTC().Add(-time.Second), "earlier"))

	require.NoError(t, f.worker.ProcessBatch(context.Background()))

	item := f.item(t, id)
	assert.Equal(t, model.RetryStatusFailed, item.Status)
	assert.Contains(t, *item.ErrorMessage, "max retries reached")
	assert.Contains(t, *item.ErrorMessage, "still broken")
}

func TestRetentionWorker_Cleanup(t *testing.T) {
	ctx := context.Background()
	fingerprints := &memory.FingerprintRepository{}
	auditRepo := &memory.AuditRepository{}
	now := time.Now().UTC()
	tenant := uuid.New()

	for _, age := range []time.Duration{10 * 24 * time.Hour, time.Hour} {
		fp := webhook.ComputeFingerprint(uuid.NewString(), "2026-03-01T12:00:00Z", 1)
		require.NoError(t, fingerprints.Record(ctx, &model.FingerprintRecord{
			TenantID:    tenant,
			Fingerprint: fp[:],
			CreatedAt:   now.Add(-age),
		}))
	}
	for _, age := range []time.Duration{100 * 24 * time.Hour, 24 * time.Hour} {
		require.NoError(t, auditRepo.Create(ctx, &model.AuditLog{TenantID: tenant, Action: "email.processed", CreatedAt: now.Add(-age)}))
	}

	w := NewRetentionWorker(fingerprints, auditRepo, 7, 90, time.Hour, logger.NewNop())
	require.NoError(t, w.Cleanup(ctx))

	assert.Len(t, fingerprints.Records, 1)
	assert.Len(t, auditRepo.Logs, 1)
}

func TestRetentionWorker_ZeroDaysKeepsRows(t *testing.T) {
	ctx := context.Background()
	auditRepo := &memory.AuditRepository{}
	require.NoError(t, auditRepo.Create(ctx, &model.AuditLog{TenantID: uuid.New(), CreatedAt: time.Now().AddDate(-5, 0, 0)}))

	w := NewRetentionWorker(&memory.FingerprintRepository{}, auditRepo, 0, 0, time.Hour, logger.NewNop())
	require.NoError(t, w.Cleanup(ctx))

	assert.Len(t, auditRepo.Logs, 1)
}
