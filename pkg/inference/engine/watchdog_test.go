package engine

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkWatchdogFiresWithoutTouch(t *testing.T) {
	ctx, _, stop := ChunkWatchdog(context.Background(), 10*time.Millisecond)
	defer stop()

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("watchdog did not fire")
	}
	assert.True(t, errors.Is(context.Cause(ctx), ErrChunkTimeout))

	ret := FromError(context.Background(), ErrorKindProvider, context.Cause(ctx))
	assert.Equal(t, ErrorKindTimeout, ret.ErrorKind)
}

func TestChunkWatchdogTouchKeepsStreamAlive(t *testing.T) {
	ctx, touch, stop := ChunkWatchdog(context.Background(), 50*time.Millisecond)
	for range 5 {
		time.Sleep(20 * time.Millisecond)
		touch()
	}
	require.NoError(t, ctx.Err())
	stop()
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}

func TestChunkWatchdogDisabled(t *testing.T) {
	ctx, touch, stop := ChunkWatchdog(context.Background(), 0)
	touch()
	require.NoError(t, ctx.Err())
	stop()
	assert.Error(t, ctx.Err())
}
