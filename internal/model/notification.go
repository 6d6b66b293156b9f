package model

import (
	"encoding/hex"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// PushRequest is the JSON body delivered by the push-notification provider.
type PushRequest struct {
	Message      PushMessage `json:"message"`
	Subscription string      `json:"subscription"`
}

type PushMessage struct {
	Data        string            `json:"data"`
	MessageID   string            `json:"messageId"`
	PublishTime string            `json:"publishTime"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// Envelope is built per request from a decoded PushRequest and never persisted.
type Envelope struct {
	MessageID     string
	PublishTime   string
	RawDataLength int
	Payload       JSONMap
}

// ExternalMessageID is the mailbox-side identity used for locking and the
// processed marker. It prefers ids carried in the payload over the envelope id.
func (e *Envelope) ExternalMessageID() string {
	for _, key := range []string{"messageId", "gmailMessageId", "historyId"} {
		if v := e.Payload.String(key); v != "" {
			return v
		}
		if n, ok := e.Payload[key].(float64); ok {
			return formatNumber(n)
		}
	}
	return e.MessageID
}

func (e *Envelope) ThreadID() string {
	return e.Payload.String("threadId")
}

// Fingerprint identifies one delivery of a notification.
type Fingerprint [32]byte

func (f Fingerprint) Hex() string {
	return hex.EncodeToString(f[:])
}

// FingerprintRecord is a row of the sync log.
type FingerprintRecord struct {
	TenantID    uuid.UUID `json:"tenant_id" db:"tenant_id"`
	Fingerprint []byte    `json:"-" db:"fingerprint"`
	MessageID   string    `json:"message_id" db:"message_id"`
	Metadata    JSONMap   `json:"metadata" db:"metadata"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// ProcessedMarker records that a message finished processing for a tenant.
type ProcessedMarker struct {
	TenantID          uuid.UUID `json:"tenant_id" db:"tenant_id"`
	ExternalMessageID string    `json:"external_message_id" db:"external_message_id"`
	ProcessedAt       time.Time `json:"processed_at" db:"processed_at"`
}

func formatNumber(n float64) string {
	return strconv.FormatFloat(n, 'f', -1, 64)
}
