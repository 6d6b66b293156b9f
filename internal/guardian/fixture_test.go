package guardian

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/jwalitptl/mail-guardian/internal/model"
	"github.com/jwalitptl/mail-guardian/internal/repository/memory"
	"github.com/jwalitptl/mail-guardian/internal/service/audit"
	"github.com/jwalitptl/mail-guardian/internal/service/retry"
	"github.com/jwalitptl/mail-guardian/pkg/messaging"
)

type fixture struct {
	registry *Registry
	unsafe   *memory.UnsafeThreadRepository
	repairs  *memory.RepairLogRepository
	state    *memory.SystemStateRepository
	audit    *memory.AuditRepository
	retries  *memory.RetryQueueRepository
	notifier *recordingNotifier
	tenant   uuid.UUID
}

func newFixture(cfg Config) *fixture {
	f := &fixture{
		unsafe:   &memory.UnsafeThreadRepository{},
		repairs:  &memory.RepairLogRepository{},
		state:    &memory.SystemStateRepository{},
		audit:    &memory.AuditRepository{},
		retries:  &memory.RetryQueueRepository{},
		notifier: &recordingNotifier{},
		tenant:   uuid.New(),
	}
	f.registry = NewRegistry(Dependencies{
		UnsafeThreads: f.unsafe,
		Repairs:       f.repairs,
		State:         f.state,
		AuditRepo:     f.audit,
		Audit:         audit.NewService(f.audit, nil),
		Retries:       retry.NewQueue(f.retries, nil, nil),
		Broker:        messaging.NopBroker{},
		Notifier:      f.notifier,
	}, cfg)
	return f
}

func (f *fixture) triad() *Triad {
	return f.registry.For(f.tenant)
}

func (f *fixture) count(action string) int {
	n := 0
	for _, a := range f.audit.Actions(f.tenant) {
		if a == action {
			n++
		}
	}
	return n
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []SafeModeNotice
}

func (n *recordingNotifier) SafeModeChanged(_ context.Context, notice SafeModeNotice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
	return nil
}

func (n *recordingNotifier) len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.notices)
}

type recordingReceiver struct {
	actions []string
}

func (r *recordingReceiver) ReceiveEvent(_ context.Context, action string, _ model.JSONMap) {
	r.actions = append(r.actions, action)
}
