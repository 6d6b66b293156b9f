package guardian

import (
	"context"
	"strings"

	"github.com/jwalitptl/mail-guardian/internal/model"
)

// processorService is the service name the email processor writes under.
const processorService = "email_processor"

// Manager receives the audit stream and routes each entry through the
// tenant's Solin. It implements audit.Forwarder.
type Manager struct {
	registry *Registry
}

func NewManager(registry *Registry) *Manager {
	return &Manager{registry: registry}
}

// Route decides the fan-out flags for an audit entry: errors go to Sentra,
// processor crashes and failures go to Vita.
func Route(entry *model.AuditLog) (toSentra, toVita bool) {
	toSentra = strings.EqualFold(string(entry.Level), string(model.AuditLevelError))
	if entry.Service == processorService {
		errText := strings.ToLower(entry.Metadata.String("error"))
		toVita = strings.Contains(errText, "crash") || strings.Contains(errText, "failure")
	}
	return toSentra, toVita
}

func (m *Manager) Forward(ctx context.Context, entry *model.AuditLog) {
	if entry == nil || entry.TenantID == model.SystemTenantID {
		return
	}
	toSentra, toVita := Route(entry)
	m.registry.For(entry.TenantID).Solin.ReceiveEvent(ctx, entry.Action, entry.Metadata, toSentra, toVita)
}
