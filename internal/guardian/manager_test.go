package guardian

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
	"github.com/jwalitptl/mail-guardian/internal/service/audit"
)

func TestRoute(t *testing.T) {
	tests := []struct {
		name       string
		entry      model.AuditLog
		wantSentra bool
		wantVita   bool
	}{
		{
			name:  "info is observed only",
			entry: model.AuditLog{Level: model.AuditLevelInfo, Service: "gmail"},
		},
		{
			name:       "error goes to sentra",
			entry:      model.AuditLog{Level: model.AuditLevelError, Service: "gmail"},
			wantSentra: true,
		},
		{
			name:     "processor crash goes to vita",
			entry:    model.AuditLog{Level: model.AuditLevelWarning, Service: "email_processor", Metadata: model.JSONMap{"error": "Worker CRASH"}},
			wantVita: true,
		},
		{
			name:       "processor failure at error level goes to both",
			entry:      model.AuditLog{Level: model.AuditLevelError, Service: "email_processor", Metadata: model.JSONMap{"error": "handoff failure"}},
			wantSentra: true,
			wantVita:   true,
		},
		{
			name:  "other service failure skips vita",
			entry: model.AuditLog{Level: model.AuditLevelWarning, Service: "calendar", Metadata: model.JSONMap{"error": "failure"}},
		},
		{
			name:  "processor timeout skips vita",
			entry: model.AuditLog{Level: model.AuditLevelInfo, Service: "email_processor", Metadata: model.JSONMap{"error": "timeout"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			toSentra, toVita := Route(&tt.entry)
			assert.Equal(t, tt.wantSentra, toSentra)
			assert.Equal(t, tt.wantVita, toVita)
		})
	}
}

func TestManager_ForwardsThroughAuditService(t *testing.T) {
	ctx := context.Background()
	f := newFixture(Config{})
	svc := audit.NewService(f.audit, nil)
	svc.SetForwarder(NewManager(f.registry))

	svc.LogEvent(ctx, audit.Event{
		TenantID:     f.tenant,
		Action:       "gmail.sync_failed",
		ResourceType: "gmail",
		Level:        model.AuditLevelError,
		Metadata:     model.JSONMap{"error": "unauthorized", "thread_id": "th-1"},
	})

	actions := f.audit.Actions(f.tenant)
	assert.Contains(t, actions, "gmail.sync_failed")
	assert.Contains(t, actions, model.AuditActionSentraPrefix+"gmail.sync_failed")
	assert.Contains(t, actions, model.AuditActionSolinPrefix+"gmail.sync_failed")
	assert.Contains(t, actions, model.AuditActionSentraViolation)
	assert.True(t, f.triad().Sentra.IsThreadUnsafe(ctx, "th-1"))
}

func TestManager_IgnoresSystemTenantAndGuardianEvents(t *testing.T) {
	ctx := context.Background()
	f := newFixture(Config{})
	svc := audit.NewService(f.audit, nil)
	svc.SetForwarder(NewManager(f.registry))

	svc.LogEvent(ctx, audit.Event{TenantID: model.SystemTenantID, Action: "system.boot", Level: model.AuditLevelError})
	svc.LogEvent(ctx, audit.Event{TenantID: f.tenant, Action: model.AuditActionSentraPrefix + "loop", Level: model.AuditLevelError})

	assert.Equal(t, []string{"system.boot"}, f.audit.Actions(model.SystemTenantID))
	assert.Equal(t, []string{model.AuditActionSentraPrefix + "loop"}, f.audit.Actions(f.tenant))
}

func TestRegistry_OneTriadPerTenant(t *testing.T) {
	f := newFixture(Config{})
	a := f.registry.For(f.tenant)
	assert.Same(t, a, f.registry.For(f.tenant))
	assert.NotSame(t, a, f.registry.For(uuid.New()))
}

func TestWriteGate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(Config{})
	gate := NewWriteGate(f.registry)
	calls := 0
	write := func(context.Context) error { calls++; return nil }

	res, err := gate.Do(ctx, f.tenant, "send_reply", "th-1", write)
	require.NoError(t, err)
	assert.False(t, res.Blocked)
	assert.Equal(t, 1, calls)

	f.triad().Sentra.EnforceAction(ctx, ViolationPromptInjection, "x", model.JSONMap{"thread_id": "th-1"})
	res, err = gate.Do(ctx, f.tenant, "send_reply", "th-1", write)
	require.NoError(t, err)
	assert.Equal(t, WriteResult{Blocked: true, Reason: ReasonUnsafeThread}, res)

	res, err = gate.Do(ctx, f.tenant, "create_event", "", write)
	require.NoError(t, err)
	assert.False(t, res.Blocked)
	assert.Equal(t, 2, calls)

	require.NoError(t, f.triad().Solin.ActivateSafeMode(ctx, "hold", nil))
	res, err = gate.Do(ctx, f.tenant, "send_reply", "th-1", write)
	require.NoError(t, err)
	assert.Equal(t, ReasonSafeMode, res.Reason)
	assert.Equal(t, 2, calls)
}

func TestWriteGate_PropagatesWriteError(t *testing.T) {
	f := newFixture(Config{})
	boom := errors.New("calendar api 500")

	res, err := NewWriteGate(f.registry).Do(context.Background(), f.tenant, "create_event", "", func(context.Context) error { return boom })

	assert.ErrorIs(t, err, boom)
	assert.False(t, res.Blocked)
}

func TestMemoryCounter(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCounter(2, time.Minute)

	for want := 1; want <= 3; want++ {
		n, err := c.Increment(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
	require.NoError(t, c.Reset(ctx, "a"))
	n, _ := c.Increment(ctx, "a")
	assert.Equal(t, 1, n)

	_, _ = c.Increment(ctx, "b")
	_, _ = c.Increment(ctx, "c")
	n, _ = c.Increment(ctx, "a")
	assert.Equal(t, 1, n, "least recently used key is evicted at capacity")
}

func TestStoreCounter_IsScopedPerTenantAndGuardian(t *testing.T) {
	ctx := context.Background()
	repo := &memory.CounterRepository{}
	tenant := uuid.New()
	factory := StoreCounters(repo, time.Hour)

	sentra := factory(tenant, NameSentra)
	vita := factory(tenant, NameVita)

	n, err := sentra.Increment(ctx, "th-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, _ = sentra.Increment(ctx, "th-1")
	assert.Equal(t, 2, n)

	n, _ = vita.Increment(ctx, "th-1")
	assert.Equal(t, 1, n)
	n, _ = factory(uuid.New(), NameSentra).Increment(ctx, "th-1")
	assert.Equal(t, 1, n)

	require.NoError(t, sentra.Reset(ctx, "th-1"))
	n, _ = sentra.Increment(ctx, "th-1")
	assert.Equal(t, 1, n)
}
