// Package memory holds in-memory repositories used by the service and
// handler tests.
package memory

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/mail-guardian/internal/model"
	"github.com/jwalitptl/mail-guardian/internal/repository"
)

type TenantRepository struct {
	mu  sync.Mutex
	IDs []uuid.UUID
	Err error
}

func (r *TenantRepository) ListActive(context.Context) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return nil, r.Err
	}
	return append([]uuid.UUID(nil), r.IDs...), nil
}

// FingerprintRepository fails Exists and Record with Err when it is set.
type FingerprintRepository struct {
	mu      sync.Mutex
	Records []*model.FingerprintRecord
	Err     error
}

func (r *FingerprintRepository) Exists(_ context.Context, tenantID uuid.UUID, fp model.Fingerprint) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return false, r.Err
	}
	for _, rec := range r.Records {
		if rec.TenantID == tenantID && bytes.Equal(rec.Fingerprint, fp[:]) {
			return true, nil
		}
	}
	return false, nil
}

func (r *FingerprintRepository) Record(_ context.Context, rec *model.FingerprintRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	for _, existing := range r.Records {
		if existing.TenantID == rec.TenantID && bytes.Equal(existing.Fingerprint, rec.Fingerprint) {
			return nil
		}
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	r.Records = append(r.Records, rec)
	return nil
}

func (r *FingerprintRepository) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.Records[:0]
	var n int64
	for _, rec := range r.Records {
		if rec.CreatedAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, rec)
	}
	r.Records = kept
	return n, nil
}

// ProcessedRepository fails Exists and Mark with Err when it is set.
type ProcessedRepository struct {
	mu      sync.Mutex
	markers map[string]time.Time
	Err     error
}

func processedKey(tenantID uuid.UUID, externalID string) string {
	return tenantID.String() + "/" + externalID
}

func (r *ProcessedRepository) Exists(_ context.Context, tenantID uuid.UUID, externalID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return false, r.Err
	}
	_, ok := r.markers[processedKey(tenantID, externalID)]
	return ok, nil
}

func (r *ProcessedRepository) Mark(_ context.Context, tenantID uuid.UUID, externalID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	if r.markers == nil {
		r.markers = make(map[string]time.Time)
	}
	key := processedKey(tenantID, externalID)
	if _, ok := r.markers[key]; !ok {
		r.markers[key] = time.Now().UTC()
	}
	return nil
}

func (r *ProcessedRepository) CountSince(_ context.Context, tenantID uuid.UUID, since time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prefix := tenantID.String() + "/"
	n := 0
	for k, at := range r.markers {
		if strings.HasPrefix(k, prefix) && !at.Before(since) {
			n++
		}
	}
	return n, nil
}

// Locker is a non-blocking, non-reentrant lock table.
type Locker struct {
	mu   sync.Mutex
	held map[string]bool
	Err  error
}

func (l *Locker) TryLock(_ context.Context, tenantID uuid.UUID, key string) (repository.LockHandle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Err != nil {
		return nil, l.Err
	}
	if l.held == nil {
		l.held = make(map[string]bool)
	}
	k := processedKey(tenantID, key)
	if l.held[k] {
		return nil, repository.ErrLockConflict
	}
	l.held[k] = true
	return &lockHandle{locker: l, key: k}, nil
}

// Held reports whether key is currently locked for tenantID.
func (l *Locker) Held(tenantID uuid.UUID, key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held[processedKey(tenantID, key)]
}

type lockHandle struct {
	once   sync.Once
	locker *Locker
	key    string
}

func (h *lockHandle) Release(context.Context) error {
	h.once.Do(func() {
		h.locker.mu.Lock()
		delete(h.locker.held, h.key)
		h.locker.mu.Unlock()
	})
	return nil
}

type RetryQueueRepository struct {
	mu    sync.Mutex
	items map[uuid.UUID]*model.RetryQueueItem
}

func (r *RetryQueueRepository) Create(_ context.Context, item *model.RetryQueueItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.items == nil {
		r.items = make(map[uuid.UUID]*model.RetryQueueItem)
	}
	cp := *item
	r.items[item.ID] = &cp
	return nil
}

func (r *RetryQueueRepository) Get(_ context.Context, id uuid.UUID) (*model.RetryQueueItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.items[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *item
	return &cp, nil
}

func (r *RetryQueueRepository) ClaimReady(_ context.Context, now time.Time, limit int) ([]*model.RetryQueueItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []*model.RetryQueueItem
	for _, item := range r.items {
		if item.Status == model.RetryStatusPending && !item.ScheduledAt.After(now) {
			due = append(due, item)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ScheduledAt.Before(due[j].ScheduledAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]*model.RetryQueueItem, 0, len(due))
	for _, item := range due {
		started := now
		item.Status = model.RetryStatusProcessing
		item.StartedAt = &started
		item.UpdatedAt = now
		cp := *item
		out = append(out, &cp)
	}
	return out, nil
}

func (r *RetryQueueRepository) update(id uuid.UUID, fn func(*model.RetryQueueItem)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.items[id]
	if !ok {
		return repository.ErrNotFound
	}
	fn(item)
	return nil
}

func (r *RetryQueueRepository) MarkCompleted(_ context.Context, id uuid.UUID, now time.Time) error {
	return r.update(id, func(item *model.RetryQueueItem) {
		item.Status = model.RetryStatusCompleted
		item.CompletedAt = &now
		item.UpdatedAt = now
	})
}

func (r *RetryQueueRepository) MarkFailed(_ context.Context, id uuid.UUID, errorMessage string, now time.Time) error {
	return r.update(id, func(item *model.RetryQueueItem) {
		item.Status = model.RetryStatusFailed
		item.ErrorMessage = &errorMessage
		item.UpdatedAt = now
	})
}

func (r *RetryQueueRepository) Reschedule(_ context.Context, id uuid.UUID, retryCount int, scheduledAt time.Time, errorMessage string) error {
	return r.update(id, func(item *model.RetryQueueItem) {
		item.Status = model.RetryStatusPending
		item.RetryCount = retryCount
		item.ScheduledAt = scheduledAt
		item.StartedAt = nil
		if errorMessage != "" {
			item.ErrorMessage = &errorMessage
		}
	})
}

func (r *RetryQueueRepository) ResetStuck(_ context.Context, tenantID uuid.UUID, startedBefore time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, item := range r.items {
		if tenantID != uuid.Nil && item.TenantID != tenantID {
			continue
		}
		if item.Status == model.RetryStatusProcessing && item.StartedAt != nil && item.StartedAt.Before(startedBefore) {
			item.Status = model.RetryStatusPending
			item.StartedAt = nil
			n++
		}
	}
	return n, nil
}

func (r *RetryQueueRepository) List(_ context.Context, filter model.RetryFilter) ([]*model.RetryQueueItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.RetryQueueItem
	for _, item := range r.items {
		if filter.TenantID != uuid.Nil && item.TenantID != filter.TenantID {
			continue
		}
		if filter.Status != "" && item.Status != filter.Status {
			continue
		}
		cp := *item
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, filter.Pagination), nil
}

func (r *RetryQueueRepository) CountByStatusSince(_ context.Context, tenantID uuid.UUID, statuses []model.RetryStatus, since time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, item := range r.items {
		if item.TenantID != tenantID || item.CreatedAt.Before(since) {
			continue
		}
		for _, s := range statuses {
			if item.Status == s {
				n++
				break
			}
		}
	}
	return n, nil
}

type UnsafeThreadRepository struct {
	mu   sync.Mutex
	tags []*model.UnsafeThreadTag
	Err  error
}

func (r *UnsafeThreadRepository) Upsert(_ context.Context, tag *model.UnsafeThreadTag) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	now := time.Now().UTC()
	for _, t := range r.tags {
		if t.TenantID == tag.TenantID && t.ThreadID == tag.ThreadID {
			t.Reason, t.ViolationType, t.Severity, t.UpdatedAt = tag.Reason, tag.ViolationType, tag.Severity, now
			return nil
		}
	}
	cp := *tag
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	r.tags = append(r.tags, &cp)
	return nil
}

func (r *UnsafeThreadRepository) Exists(_ context.Context, tenantID uuid.UUID, threadID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return false, r.Err
	}
	for _, t := range r.tags {
		if t.TenantID == tenantID && t.ThreadID == threadID {
			return true, nil
		}
	}
	return false, nil
}

func (r *UnsafeThreadRepository) List(_ context.Context, tenantID uuid.UUID, p model.Pagination) ([]*model.UnsafeThreadTag, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return nil, r.Err
	}
	var out []*model.UnsafeThreadTag
	for _, t := range r.tags {
		if t.TenantID == tenantID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return page(out, p), nil
}

func (r *UnsafeThreadRepository) Delete(_ context.Context, tenantID uuid.UUID, threadID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, t := range r.tags {
		if t.TenantID == tenantID && t.ThreadID == threadID {
			r.tags = append(r.tags[:i], r.tags[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (r *UnsafeThreadRepository) CountSince(_ context.Context, tenantID uuid.UUID, since time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.tags {
		if t.TenantID == tenantID && !t.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

type RepairLogRepository struct {
	mu      sync.Mutex
	Entries []*model.RepairLogEntry
}

func (r *RepairLogRepository) Create(_ context.Context, entry *model.RepairLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *entry
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	r.Entries = append(r.Entries, &cp)
	return nil
}

func (r *RepairLogRepository) CountFailuresSince(_ context.Context, tenantID uuid.UUID, since time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.Entries {
		if e.TenantID == tenantID && !e.Success && !e.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (r *RepairLogRepository) ListRecent(_ context.Context, tenantID uuid.UUID, limit int) ([]*model.RepairLogEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.RepairLogEntry
	for i := len(r.Entries) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if r.Entries[i].TenantID == tenantID {
			cp := *r.Entries[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Snapshot returns a copy of every entry for tenantID in insertion order.
func (r *RepairLogRepository) Snapshot(tenantID uuid.UUID) []model.RepairLogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.RepairLogEntry
	for _, e := range r.Entries {
		if e.TenantID == tenantID {
			out = append(out, *e)
		}
	}
	return out
}

type SystemStateRepository struct {
	mu     sync.Mutex
	states map[string]*model.SystemState
	Err    error
}

func (r *SystemStateRepository) Get(_ context.Context, tenantID uuid.UUID, key string) (*model.SystemState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return nil, r.Err
	}
	st, ok := r.states[processedKey(tenantID, key)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *st
	return &cp, nil
}

func (r *SystemStateRepository) Set(_ context.Context, state *model.SystemState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	if r.states == nil {
		r.states = make(map[string]*model.SystemState)
	}
	cp := *state
	cp.UpdatedAt = time.Now().UTC()
	r.states[processedKey(state.TenantID, state.Key)] = &cp
	return nil
}

type AuditRepository struct {
	mu   sync.Mutex
	Logs []*model.AuditLog
	Err  error
}

func (r *AuditRepository) Create(_ context.Context, log *model.AuditLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	if log.ID == uuid.Nil {
		log.ID = uuid.New()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	cp := *log
	r.Logs = append(r.Logs, &cp)
	return nil
}

func (r *AuditRepository) List(_ context.Context, tenantID uuid.UUID, p model.Pagination) ([]*model.AuditLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.AuditLog
	for i := len(r.Logs) - 1; i >= 0; i-- {
		if r.Logs[i].TenantID == tenantID {
			cp := *r.Logs[i]
			out = append(out, &cp)
		}
	}
	return page(out, p), nil
}

func (r *AuditRepository) CountSince(_ context.Context, tenantID uuid.UUID, actionPrefix string, level model.AuditLevel, since time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return 0, r.Err
	}
	n := 0
	for _, l := range r.Logs {
		if l.TenantID != tenantID || !strings.HasPrefix(l.Action, actionPrefix) || l.CreatedAt.Before(since) {
			continue
		}
		if level != "" && l.Level != level {
			continue
		}
		n++
	}
	return n, nil
}

func (r *AuditRepository) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.Logs[:0]
	var n int64
	for _, l := range r.Logs {
		if l.CreatedAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, l)
	}
	r.Logs = kept
	return n, nil
}

// Actions returns the action of every row for tenantID in insertion order.
func (r *AuditRepository) Actions(tenantID uuid.UUID) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, l := range r.Logs {
		if l.TenantID == tenantID {
			out = append(out, l.Action)
		}
	}
	return out
}

type counter struct {
	value       int
	windowStart time.Time
}

type CounterRepository struct {
	mu       sync.Mutex
	counters map[string]*counter
}

func (r *CounterRepository) Increment(_ context.Context, tenantID uuid.UUID, scope, key string, windowStart time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counters == nil {
		r.counters = make(map[string]*counter)
	}
	k := processedKey(tenantID, scope+"/"+key)
	c, ok := r.counters[k]
	if !ok || c.windowStart.Before(windowStart) {
		c = &counter{windowStart: time.Now().UTC()}
		r.counters[k] = c
	}
	c.value++
	return c.value, nil
}

func (r *CounterRepository) Reset(_ context.Context, tenantID uuid.UUID, scope, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.counters, processedKey(tenantID, scope+"/"+key))
	return nil
}

func page[T any](items []T, p model.Pagination) []T {
	if p.Offset >= len(items) {
		return nil
	}
	items = items[p.Offset:]
	if p.Limit > 0 && len(items) > p.Limit {
		items = items[:p.Limit]
	}
	return items
}
