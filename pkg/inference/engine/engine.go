package engine

import (
	"context"
	"iter"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var (
	// ErrNoResponse is reported when an executor returns neither a result nor an error.
	ErrNoResponse = errors.New("provider produced no response")
	// ErrMaxTurnsExceeded is reported when a run did not settle within MaxTurns.
	ErrMaxTurnsExceeded = errors.New("maximum number of turns exceeded without a stable result")
	// ErrMaxToolPassesExceeded is reported when tool calls kept appearing past MaxToolPasses.
	ErrMaxToolPassesExceeded = errors.New("maximum number of tool passes exceeded")
	// ErrStreamEmpty is reported when a stream ended without any delta.
	ErrStreamEmpty = errors.New("stream ended without producing any delta")
	// ErrPendingToolCalls is reported when a provider call is attempted with unanswered tool calls.
	ErrPendingToolCalls = errors.New("provider call attempted with pending tool calls")
)

// Executor performs provider calls. It hides the transport entirely.
type Executor interface {
	// ExecProvider runs one buffered provider call. The returned Body holds
	// only the interactions the call produced. A nil Return with a nil error
	// means no response was produced.
	ExecProvider(ctx context.Context, req *Request) (*Return, error)
	// StreamingAdapter returns the adapter to stream req, or false when the
	// provider cannot stream it.
	StreamingAdapter(req *Request) (StreamingAdapter, bool)
}

type StreamingOptions struct {
	// IncludeUsage asks the provider to report token usage at the end of the stream.
	IncludeUsage bool `json:"include_usage" yaml:"include_usage"`
	// ChunkTimeout bounds the wait for each chunk. Zero means no bound.
	ChunkTimeout time.Duration `json:"chunk_timeout" yaml:"chunk_timeout"`
}

func DefaultStreamingOptions() StreamingOptions {
	return StreamingOptions{IncludeUsage: true}
}

// StreamingAdapter streams one provider turn as a sequence of deltas.
//
// Each delta carries the new-only interactions of the chunk in Body and,
// when the provider accumulates natively, the whole turn so far in Snapshot.
// The sequence ends when the turn ends; an error element ends it early.
type StreamingAdapter interface {
	Stream(ctx context.Context, req *Request, opts StreamingOptions) iter.Seq2[*Return, error]
	// NormalizeDelta reconciles a provider specific delta shape. Adapters
	// with nothing to reconcile return raw unchanged.
	NormalizeDelta(raw *Return) *Return
}

// ExecutorFunc adapts a function to a non-streaming Executor.
type ExecutorFunc func(ctx context.Context, req *Request) (*Return, error)

var _ Executor = ExecutorFunc(nil)

func (f ExecutorFunc) ExecProvider(ctx context.Context, req *Request) (*Return, error) {
	return f(ctx, req)
}

func (f ExecutorFunc) StreamingAdapter(*Request) (StreamingAdapter, bool) {
	return nil, false
}

var tracer = otel.Tracer("github.com/go-go-golems/palaver/pkg/inference/engine")

// Invoke runs one buffered provider call and always returns a Return.
// Cancellation is checked before the call, panics are recovered, a nil
// result becomes a provider error and the call duration is recorded when
// the executor did not set it.
func Invoke(ctx context.Context, exec Executor, req *Request) (ret *Return) {
	if err := ctx.Err(); err != nil {
		return NewCancellationReturn(ctx)
	}
	if exec == nil {
		return NewErrorReturn(ErrorKindProvider, errors.New("no executor configured"))
	}

	ctx, span := tracer.Start(ctx, "provider.exec")
	span.SetAttributes(
		attribute.String("provider", req.Provider),
		attribute.String("model", req.Model),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("provider", req.Provider).Msg("engine: provider panicked")
			ret = NewErrorReturn(ErrorKindProvider, errors.Errorf("provider panicked: %v", r))
		}
		if ret.IsError() {
			span.SetStatus(codes.Error, ret.ErrorMessage)
		}
	}()

	res, err := exec.ExecProvider(ctx, req)
	if err != nil {
		log.Debug().Err(err).Str("provider", req.Provider).Msg("engine: provider call failed")
		return FromError(ctx, ErrorKindProvider, errors.Wrap(err, "provider call failed"))
	}
	if res == nil {
		return NewErrorReturn(ErrorKindProvider, ErrNoResponse)
	}
	if res.IsError() {
		return res
	}
	if res.Body == nil {
		res.Body = NewReturn().Body
	}
	if res.Status == "" {
		res.Status = NewReturn(res.Body.Interactions()...).Status
	}
	if res.Metrics.Duration == 0 {
		res.Metrics.Duration = time.Since(start)
	}
	span.SetAttributes(
		attribute.Int("tokens.input", res.Metrics.InputTokens),
		attribute.Int("tokens.output", res.Metrics.OutputTokens),
	)
	return res
}
