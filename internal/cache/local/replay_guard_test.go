package local

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplayGuardRejectsRepeatsUntilExpiry(t *testing.T) {
	g := NewReplayGuard()
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return clock }
	ctx := context.Background()

	ok, err := g.Claim(ctx, "sig-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = g.Claim(ctx, "sig-a", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "same token inside its ttl")

	ok, _ = g.Claim(ctx, "sig-b", time.Minute)
	assert.True(t, ok, "tokens are independent")

	clock = clock.Add(time.Minute)
	ok, err = g.Claim(ctx, "sig-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired token can be claimed again")
	assert.Equal(t, 1, g.Len(), "sweep dropped sig-b")
}

func TestReplayGuardRejectsBadTTL(t *testing.T) {
	_, err := NewReplayGuard().Claim(context.Background(), "k", 0)
	require.Error(t, err)
}
