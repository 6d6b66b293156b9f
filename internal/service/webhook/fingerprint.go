package webhook

import (
	"context"
	"crypto/sha256"
	"strconv"

	"github.com/google/uuid"

	"github.com/jwalitptl/mail-guardian/internal/model"
	"github.com/jwalitptl/mail-guardian/internal/repository"
)

// ComputeFingerprint hashes messageID, publishTime and the decimal payload
// length concatenated in that order.
func ComputeFingerprint(messageID, publishTime string, payloadLength int) model.Fingerprint {
	return sha256.Sum256([]byte(messageID + publishTime + strconv.Itoa(payloadLength)))
}

// ReplayGuard is the Fingerprint Store front. It returns storage errors
// unchanged; the pipeline decides to fail open.
type ReplayGuard struct {
	repo repository.FingerprintRepository
}

func NewReplayGuard(repo repository.FingerprintRepository) *ReplayGuard {
	return &ReplayGuard{repo: repo}
}

func (g *ReplayGuard) IsReplay(ctx context.Context, fp model.Fingerprint, tenantID uuid.UUID) (bool, error) {
	return g.repo.Exists(ctx, tenantID, fp)
}

// Record is first-writer-wins; a duplicate is not an error.
func (g *ReplayGuard) Record(ctx context.Context, fp model.Fingerprint, tenantID uuid.UUID, messageID string, metadata model.JSONMap) error {
	return g.repo.Record(ctx, &model.FingerprintRecord{
		TenantID:    tenantID,
		Fingerprint: fp[:],
		MessageID:   messageID,
		Metadata:    metadata,
	})
}
