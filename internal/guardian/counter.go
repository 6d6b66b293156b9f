package guardian

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/jwalitptl/mail-guardian/internal/repository"
)

// Counter tracks failures per key. Implementations must be safe for
// concurrent use.
type Counter interface {
	Increment(ctx context.Context, key string) (int, error)
	Reset(ctx context.Context, key string) error
}

// CounterFactory builds the counter for one tenant and guardian scope.
type CounterFactory func(tenantID uuid.UUID, scope string) Counter

// MemoryCounter is a bounded in-process counter. Keys expire ttl after their
// last write and the least recently used key is evicted at capacity.
type MemoryCounter struct {
	mu     sync.Mutex
	counts *expirable.LRU[string, int]
}

func NewMemoryCounter(capacity int, ttl time.Duration) *MemoryCounter {
	if capacity <= 0 {
		capacity = 10000
	}
	return &MemoryCounter{counts: expirable.NewLRU[string, int](capacity, nil, ttl)}
}

func (c *MemoryCounter) Increment(_ context.Context, key string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, _ := c.counts.Get(key)
	n++
	c.counts.Add(key, n)
	return n, nil
}

func (c *MemoryCounter) Reset(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts.Remove(key)
	return nil
}

// StoreCounter keeps counts in the guardian_counters table so they survive
// restarts and are shared by every instance.
type StoreCounter struct {
	repo     repository.CounterRepository
	tenantID uuid.UUID
	scope    string
	window   time.Duration
	now      func() time.Time
}

func NewStoreCounter(repo repository.CounterRepository, tenantID uuid.UUID, scope string, window time.Duration) *StoreCounter {
	return &StoreCounter{repo: repo, tenantID: tenantID, scope: scope, window: window, now: time.Now}
}

func (c *StoreCounter) Increment(ctx context.Context, key string) (int, error) {
	return c.repo.Increment(ctx, c.tenantID, c.scope, key, c.now().Add(-c.window))
}

func (c *StoreCounter) Reset(ctx context.Context, key string) error {
	return c.repo.Reset(ctx, c.tenantID, c.scope, key)
}

// MemoryCounters returns a factory handing each tenant and scope its own
// bounded counter.
func MemoryCounters(capacity int, ttl time.Duration) CounterFactory {
	return func(uuid.UUID, string) Counter {
		return NewMemoryCounter(capacity, ttl)
	}
}

func StoreCounters(repo repository.CounterRepository, window time.Duration) CounterFactory {
	return func(tenantID uuid.UUID, scope string) Counter {
		return NewStoreCounter(repo, tenantID, scope, window)
	}
}
