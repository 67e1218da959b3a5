package session

import (
	"context"
	"iter"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-go-golems/palaver/pkg/events"
	"github.com/go-go-golems/palaver/pkg/inference/engine"
	"github.com/go-go-golems/palaver/pkg/interaction"
)

// Stream is RunToStableResult for callers that want deltas as they arrive.
//
// For every streamed chunk it yields a Return with Status Streaming whose
// Body holds only that chunk's interactions. At the end of a turn it yields
// one Return with what the turn persisted, and the run ends with a final or
// error Return exactly like RunToStableResult. Deltas are never persisted:
// each streamed turn adds a single coalesced snapshot to the history.
// Providers without a streaming adapter run the buffered provider and tool
// step and yield a single Return per turn.
//
// Breaking out of the loop stops the run; the turn in progress is not
// persisted.
func (s *Session) Stream(ctx context.Context, opts RunOptions, sopts engine.StreamingOptions) iter.Seq[*engine.Return] {
	return func(yield func(*engine.Return) bool) {
		ctx, release, err := s.begin(ctx)
		if err != nil {
			yield(s.reject(err))
			return
		}
		defer release()

		ctx, span := tracer.Start(ctx, "session.stream", trace.WithAttributes(
			attribute.String("session_id", s.SessionID),
			attribute.Int("max_turns", opts.maxTurns()),
		))
		defer span.End()

		r := s.newRun(ctx, opts, true)
		end := func(ret *engine.Return) {
			yield(r.terminate(span, ret))
		}

		head := s.protect(func() *engine.Return {
			s.discover(ctx)
			if greeting, done := r.greeting(ctx); done {
				return greeting
			}
			if invalid := r.gate(); invalid != nil {
				return invalid
			}
			r.start = s.historyLen()
			return nil
		})
		if head != nil {
			end(head)
			return
		}

		for r.turns < opts.maxTurns() {
			if ctx.Err() != nil {
				end(engine.NewCancellationReturn(ctx))
				return
			}
			turnID := uuid.NewString()
			tctx := WithSessionMeta(ctx, s.SessionID, turnID)

			if opts.ProcessTools && s.pending() > 0 {
				drained := s.protect(func() *engine.Return { return r.drain(tctx, turnID) })
				if drained.IsError() {
					end(drained)
					return
				}
				if !yield(drained) {
					r.abandon(span)
					return
				}
				continue
			}

			turn, stopped := r.streamTurn(tctx, turnID, sopts, yield)
			if stopped {
				r.abandon(span)
				return
			}
			if turn.IsError() {
				end(turn)
				return
			}
			if r.settled(turn) {
				end(r.final(turn))
				return
			}
			if !yield(turn) {
				r.abandon(span)
				return
			}
		}
		end(r.unstable())
	}
}

// abandon ends a run whose consumer stopped iterating.
func (r *run) abandon(span trace.Span) {
	r.terminate(span, engine.NewErrorReturn(engine.ErrorKindCancellation, ErrStreamStopped))
}

// streamTurn plays one provider turn. Deltas are yielded as they arrive;
// the Return that ends the turn is handed back to the caller. stopped is
// set when yield asked to stop.
func (r *run) streamTurn(
	ctx context.Context,
	turnID string,
	sopts engine.StreamingOptions,
	yield func(*engine.Return) bool,
) (turn *engine.Return, stopped bool) {
	req := r.s.request(r.opts.ProcessTools)
	if n := req.Body.PendingToolCallsCount(); r.opts.ProcessTools && n > 0 {
		return engine.NewErrorReturn(engine.ErrorKindValidation,
			errors.Wrapf(engine.ErrPendingToolCalls, "%d calls before turn %s", n, turnID)), false
	}
	if invalid := r.validate(req); invalid != nil {
		return invalid, false
	}

	var adapter engine.StreamingAdapter
	ok := false
	if r.s.exec != nil {
		adapter, ok = r.s.exec.StreamingAdapter(req)
	}
	if !ok || adapter == nil {
		r.s.logger.Debug().Str("session_id", r.s.SessionID).Str("provider", req.Provider).
			Msg("session: no streaming adapter, running buffered turn")
		return r.s.protect(func() *engine.Return { return r.compositeTurn(ctx, turnID) }), false
	}

	r.turns++
	r.s.notify(r.observer, func(o events.Observer) { o.OnStart(req) })
	start := time.Now()

	next, stop := iter.Pull2(adapter.Stream(ctx, req, sopts))
	defer stop()

	acc := newDeltaAccumulator()
	for {
		if ctx.Err() != nil {
			return engine.NewCancellationReturn(ctx), false
		}
		delta, ok, err := r.pull(next, adapter)
		if !ok {
			break
		}
		if err != nil {
			return engine.FromError(ctx, engine.ErrorKindProvider, errors.Wrap(err, "stream failed")), false
		}
		if delta == nil {
			continue
		}
		if delta.IsError() {
			return delta, false
		}

		out := acc.add(delta, turnID)
		if announce := acc.announcement(out); announce != nil {
			r.s.notify(r.observer, func(o events.Observer) { o.OnPartial(announce) })
		}
		if !yield(out) {
			return nil, true
		}
	}
	if ctx.Err() != nil {
		return engine.NewCancellationReturn(ctx), false
	}
	if acc.count == 0 {
		return engine.NewErrorReturn(engine.ErrorKindProvider,
			errors.Wrapf(engine.ErrStreamEmpty, "turn %s", turnID)), false
	}

	items := acc.persisted(turnID)
	r.s.commit(items...)
	metrics := acc.metrics
	if metrics.Duration == 0 {
		metrics.Duration = time.Since(start)
	}
	r.metrics = r.metrics.Combine(metrics)
	lg := LoggerFromContext(ctx, r.s.logger)
	lg.Debug().Int("deltas", acc.count).Int("persisted", len(items)).Msg("session: stream turn persisted")

	turn = &engine.Return{Status: engine.StatusFinished, Body: interaction.NewBody(items...), Metrics: metrics}
	if hasToolCall(items) {
		turn.Status = engine.StatusCallingTools
	}
	r.last = turn
	r.s.setLast(turn)

	if r.opts.ProcessTools && r.s.pending() > 0 {
		drained := r.s.protect(func() *engine.Return { return r.drain(ctx, turnID) })
		if drained.IsError() {
			return drained, false
		}
		turn.Body = interaction.NewBody(append(items, drained.Interactions()...)...)
	}
	return turn, false
}

// compositeTurn is the buffered provider call followed by the tool drain,
// used when a provider cannot stream.
func (r *run) compositeTurn(ctx context.Context, turnID string) *engine.Return {
	turn := r.providerTurn(ctx, turnID)
	if turn.IsError() || !r.opts.ProcessTools || r.s.pending() == 0 {
		return turn
	}
	drained := r.drain(ctx, turnID)
	if drained.IsError() {
		return drained
	}
	out := turn.Clone()
	out.Body = interaction.NewBody(append(turn.Interactions(), drained.Interactions()...)...)
	return out
}

// pull fetches the next delta and normalizes it. A panicking adapter is
// reported as an error.
func (r *run) pull(next func() (*engine.Return, error, bool), adapter engine.StreamingAdapter) (delta *engine.Return, ok bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.s.logger.Error().Interface("panic", p).Str("session_id", r.s.SessionID).Msg("session: stream panicked")
			delta, ok, err = nil, true, errors.Errorf("stream panicked: %v", p)
		}
	}()
	raw, err, ok := next()
	if !ok {
		return nil, false, nil
	}
	if err != nil {
		return nil, true, err
	}
	if raw == nil {
		return nil, true, nil
	}
	return adapter.NormalizeDelta(raw), true, nil
}

func hasToolCall(items []interaction.Interaction) bool {
	for _, it := range items {
		if it != nil && it.Kind() == interaction.KindToolCall {
			return true
		}
	}
	return false
}
