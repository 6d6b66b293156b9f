package webhook

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/mail-guardian/internal/guardian"
	"github.com/jwalitptl/mail-guardian/internal/model"
	"github.com/jwalitptl/mail-guardian/pkg/messaging"
)

// ChannelInbound receives verified notifications for the email processor.
const ChannelInbound = "mail.inbound"

// InboundMessage is the hand-off record published to the email processor.
type InboundMessage struct {
	TenantID   uuid.UUID     `json:"tenant_id"`
	TraceID    string        `json:"trace_id,omitempty"`
	Payload    model.JSONMap `json:"payload"`
	ReceivedAt time.Time     `json:"received_at"`
}

// BrokerProcessor hands notifications to the processor over the message
// broker. The publish runs through the write gate, so safe mode and unsafe
// threads turn it into a blocked result.
type BrokerProcessor struct {
	broker  messaging.Broker
	gate    *guardian.WriteGate
	channel string
}

func NewBrokerProcessor(broker messaging.Broker, gate *guardian.WriteGate) *BrokerProcessor {
	return &BrokerProcessor{broker: broker, gate: gate, channel: ChannelInbound}
}

func (p *BrokerProcessor) Process(ctx context.Context, payload model.JSONMap, tenantID uuid.UUID, traceID string) (*ProcessingResult, error) {
	threadID := payload.String("threadId")
	if threadID == "" {
		threadID = payload.String("thread_id")
	}

	res, err := p.gate.Do(ctx, tenantID, "handoff", threadID, func(ctx context.Context) error {
		return p.broker.Publish(ctx, p.channel, InboundMessage{
			TenantID:   tenantID,
			TraceID:    traceID,
			Payload:    payload,
			ReceivedAt: time.Now().UTC(),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("handoff failure: %w", err)
	}
	if res.Blocked {
		return &ProcessingResult{Status: "blocked", Blocked: true, Reason: res.Reason}, nil
	}
	return &ProcessingResult{Status: "queued"}, nil
}
