package cloud_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-fit-flow/internal/cloud"
	"github.com/ramiqadoumi/go-fit-flow/internal/domain"
)

var _ cloud.Backend = (*cloud.MemoryBackend)(nil)

func TestMemoryBackend_UpsertIsIdempotent(t *testing.T) {
	b := cloud.NewMemoryBackend()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, b.PutLedgerEntry(ctx, domain.LedgerEntry{ID: "l1", FinalXP: 40}))
		require.NoError(t, b.PutStatsDelta(ctx, domain.StatsDelta{ID: "s1", XP: 40}))
	}
	assert.Len(t, b.LedgerEntries(), 1)
	assert.Equal(t, 40, b.TotalXP())
	assert.Equal(t, 3, b.Writes(domain.StepLedger))
}

func TestMemoryBackend_FaultInjection(t *testing.T) {
	b := cloud.NewMemoryBackend()
	boom := errors.New("503")
	b.SetFault(func(step domain.WriteStep, _ string) error {
		if step == domain.StepActivityPost {
			return boom
		}
		return nil
	})

	ctx := context.Background()
	require.NoError(t, b.PutLedgerEntry(ctx, domain.LedgerEntry{ID: "l1"}))
	err := b.PutActivityPost(ctx, domain.ActivityPost{ID: "p1"})
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, b.ActivityPosts())

	b.SetFault(nil)
	require.NoError(t, b.PutActivityPost(ctx, domain.ActivityPost{ID: "p1"}))
	assert.Len(t, b.ActivityPosts(), 1)
}

func TestMemoryBackend_RespectsCancellation(t *testing.T) {
	b := cloud.NewMemoryBackend()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := b.PutLedgerEntry(ctx, domain.LedgerEntry{ID: "l1"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, b.LedgerEntries())
}
