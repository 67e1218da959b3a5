package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/go-go-golems/palaver/pkg/interaction"
)

// HandlerFunc is one buffered provider call.
type HandlerFunc func(ctx context.Context, req *Request) (*Return, error)

// Middleware wraps a HandlerFunc. Chain(h, m1, m2) runs m1(m2(h)).
type Middleware func(HandlerFunc) HandlerFunc

func Chain(handler HandlerFunc, middlewares ...Middleware) HandlerFunc {
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](handler)
	}
	return handler
}

// ExecutorWithMiddleware runs buffered calls through a middleware chain.
// Streaming adapters of the wrapped executor are handed out unchanged.
type ExecutorWithMiddleware struct {
	inner   Executor
	handler HandlerFunc
}

var _ Executor = (*ExecutorWithMiddleware)(nil)

func NewExecutorWithMiddleware(e Executor, middlewares ...Middleware) *ExecutorWithMiddleware {
	return &ExecutorWithMiddleware{
		inner:   e,
		handler: Chain(e.ExecProvider, middlewares...),
	}
}

func (e *ExecutorWithMiddleware) ExecProvider(ctx context.Context, req *Request) (*Return, error) {
	return e.handler(ctx, req)
}

func (e *ExecutorWithMiddleware) StreamingAdapter(req *Request) (StreamingAdapter, bool) {
	return e.inner.StreamingAdapter(req)
}

// Unwrap returns the wrapped executor.
func (e *ExecutorWithMiddleware) Unwrap() Executor {
	return e.inner
}

// NewLoggingMiddleware logs every buffered call with a count of what it sent
// and produced.
func NewLoggingMiddleware(logger zerolog.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (*Return, error) {
			lg := logger.With().
				Str("provider", req.Provider).
				Str("model", req.Model).
				Int("tools", len(req.Tools)).
				Logger()
			sent := kindCounts(req.Body.Interactions())
			lg.Debug().Dict("sent", sent).Msg("engine: provider call starting")

			start := time.Now()
			ret, err := next(ctx, req)
			if err != nil {
				lg.Debug().Err(err).Dur("elapsed", time.Since(start)).Msg("engine: provider call failed")
				return ret, err
			}
			if ret == nil {
				lg.Debug().Dur("elapsed", time.Since(start)).Msg("engine: provider call produced nothing")
				return ret, nil
			}
			lg.Debug().
				Str("status", string(ret.Status)).
				Dict("produced", kindCounts(ret.Interactions())).
				Int("tokens", ret.Metrics.TotalTokens).
				Dur("elapsed", time.Since(start)).
				Msg("engine: provider call finished")
			return ret, nil
		}
	}
}

func kindCounts(items []interaction.Interaction) *zerolog.Event {
	var text, calls, results int
	for _, it := range items {
		switch it.Kind() {
		case interaction.KindText:
			text++
		case interaction.KindToolCall:
			calls++
		case interaction.KindToolResult:
			results++
		}
	}
	return zerolog.Dict().Int("text", text).Int("tool_calls", calls).Int("tool_results", results)
}
