package webhook

import (
	"context"
	"crypto/sha256"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/mail-guardian/internal/repository/memory"
)

func TestComputeFingerprint(t *testing.T) {
	fp := ComputeFingerprint("1234", "2026-03-01T12:00:00Z", 42)

	assert.Equal(t, sha256.Sum256([]byte("12342026-03-01T12:00:00Z42")), [32]byte(fp))
	assert.Len(t, fp.Hex(), 64)

	assert.Equal(t, fp, ComputeFingerprint("1234", "2026-03-01T12:00:00Z", 42))
	assert.NotEqual(t, fp, ComputeFingerprint("1234", "2026-03-01T12:00:00Z", 43))
	assert.NotEqual(t, fp, ComputeFingerprint("1235", "2026-03-01T12:00:00Z", 42))
	assert.NotEqual(t, fp, ComputeFingerprint("1234", "2026-03-01T12:00:01Z", 42))
}

func TestReplayGuard_FirstWriterWins(t *testing.T) {
	ctx := context.Background()
	repo := &memory.FingerprintRepository{}
	guard := NewReplayGuard(repo)
	tenant := uuid.New()
	fp := ComputeFingerprint("m-1", "2026-03-01T12:00:00Z", 10)

	replayed, err := guard.IsReplay(ctx, fp, tenant)
	require.NoError(t, err)
	assert.False(t, replayed)

	require.NoError(t, guard.Record(ctx, fp, tenant, "m-1", nil))
	require.NoError(t, guard.Record(ctx, fp, tenant, "m-1", nil))
	assert.Len(t, repo.Records, 1)

	replayed, err = guard.IsReplay(ctx, fp, tenant)
	require.NoError(t, err)
	assert.True(t, replayed)

	replayed, err = guard.IsReplay(ctx, fp, uuid.New())
	require.NoError(t, err)
	assert.False(t, replayed, "fingerprints are scoped per tenant")
}
