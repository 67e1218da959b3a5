package engine

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// ErrChunkTimeout is the cancellation cause of a stream whose next chunk did
// not arrive within StreamingOptions.ChunkTimeout. It matches
// context.DeadlineExceeded, so such a stream ends with a Timeout Return.
var ErrChunkTimeout = errors.Wrap(context.DeadlineExceeded, "stream chunk timed out")

// ChunkWatchdog derives a context that is cancelled with ErrChunkTimeout
// when touch is not called within d. With d <= 0 the context only ends
// with its parent or stop. stop must be called once the stream is done.
func ChunkWatchdog(ctx context.Context, d time.Duration) (wctx context.Context, touch func(), stop func()) {
	wctx, cancel := context.WithCancelCause(ctx)
	if d <= 0 {
		return wctx, func() {}, func() { cancel(nil) }
	}
	t := time.AfterFunc(d, func() { cancel(ErrChunkTimeout) })
	return wctx, func() { t.Reset(d) }, func() {
		t.Stop()
		cancel(nil)
	}
}

// StreamCause reports the cancellation cause of ctx when it ended, err
// otherwise. Transports return a bare context error when the watchdog fires.
func StreamCause(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		if c := context.Cause(ctx); c != nil {
			return c
		}
	}
	return err
}
