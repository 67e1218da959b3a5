package session

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-go-golems/palaver/pkg/events"
	"github.com/go-go-golems/palaver/pkg/inference/engine"
	"github.com/go-go-golems/palaver/pkg/inference/toolloop"
	"github.com/go-go-golems/palaver/pkg/interaction"
	"github.com/go-go-golems/palaver/pkg/validation"
)

var tracer = otel.Tracer("github.com/go-go-golems/palaver/pkg/inference/session")

// run is the state of one RunToStableResult or Stream call.
type run struct {
	s         *Session
	opts      RunOptions
	streaming bool
	observer  events.Observer

	// start is the history length when the turn loop began
	start   int
	turns   int
	metrics interaction.Metrics
	last    *engine.Return
	// warned is set once validation warnings were logged for this run
	warned bool
}

func (s *Session) newRun(ctx context.Context, opts RunOptions, streaming bool) *run {
	return &run{s: s, opts: opts, streaming: streaming, observer: s.observerFor(ctx)}
}

// RunToStableResult drives the conversation until the provider stops
// requesting tools, for at most opts.MaxTurns provider calls. Pending tool
// calls are drained between provider calls without consuming a turn.
//
// It always returns a Return. Failures, cancellation and panics become
// error Returns, and the observer's error hook fires before returning; on
// success the final hook fires. The successful Return's Body is a copy of
// the history in which the interactions the run added are marked new.
func (s *Session) RunToStableResult(ctx context.Context, opts RunOptions) *engine.Return {
	ctx, release, err := s.begin(ctx)
	if err != nil {
		return s.reject(err)
	}
	defer release()

	ctx, span := tracer.Start(ctx, "session.run", trace.WithAttributes(
		attribute.String("session_id", s.SessionID),
		attribute.Int("max_turns", opts.maxTurns()),
	))
	defer span.End()

	r := s.newRun(ctx, opts, false)
	ret := s.protect(func() *engine.Return {
		s.discover(ctx)
		if greeting, done := r.greeting(ctx); done {
			return greeting
		}
		if invalid := r.gate(); invalid != nil {
			return invalid
		}
		r.start = s.historyLen()
		return r.loop(ctx)
	})
	return r.terminate(span, ret)
}

func (r *run) loop(ctx context.Context) *engine.Return {
	for r.turns < r.opts.maxTurns() {
		if ctx.Err() != nil {
			return engine.NewCancellationReturn(ctx)
		}
		turnID := uuid.NewString()
		tctx := WithSessionMeta(ctx, r.s.SessionID, turnID)

		if r.opts.ProcessTools && r.s.pending() > 0 {
			if drained := r.drain(tctx, turnID); drained.IsError() {
				return drained
			}
			continue
		}

		turn := r.providerTurn(tctx, turnID)
		if turn.IsError() {
			return turn
		}
		if r.settled(turn) {
			return r.final(turn)
		}
	}
	return r.unstable()
}

// gate validates the session request before the turn loop starts, so
// that an invalid request fails before any tool is drained.
func (r *run) gate() *engine.Return {
	return r.validate(r.s.request(r.opts.ProcessTools))
}

// validate checks req before it is sent. It runs before every provider
// call, as the request may change between turns.
func (r *run) validate(req *engine.Request) *engine.Return {
	report := engine.ValidateRequest(req, engine.RequestContext{
		Streaming:    r.streaming,
		ProcessTools: r.opts.ProcessTools,
		Resolver:     r.s.resolver,
	})
	if !r.warned {
		for _, m := range report.Messages {
			if m.Severity == validation.SeverityWarning {
				r.s.logger.Warn().Str("session_id", r.s.SessionID).Str("validator", m.Source).Msg("session: " + m.Text)
			}
		}
		r.warned = true
	}
	if !report.Valid {
		return engine.NewErrorReturn(engine.ErrorKindValidation, report.Err(), report.Messages...)
	}
	return nil
}

// providerTurn makes one provider call and merges what it produced, tagged
// with turnID, into the history.
func (r *run) providerTurn(ctx context.Context, turnID string) *engine.Return {
	req := r.s.request(r.opts.ProcessTools)
	if n := req.Body.PendingToolCallsCount(); r.opts.ProcessTools && n > 0 {
		return engine.NewErrorReturn(engine.ErrorKindValidation,
			errors.Wrapf(engine.ErrPendingToolCalls, "%d calls before turn %s", n, turnID))
	}
	if invalid := r.validate(req); invalid != nil {
		return invalid
	}

	r.turns++
	r.s.notify(r.observer, func(o events.Observer) { o.OnStart(req) })
	lg := LoggerFromContext(ctx, r.s.logger)
	lg.Debug().Int("turn", r.turns).Int("history", req.Body.Len()).Msg("session: provider turn")

	ret := engine.Invoke(ctx, r.s.exec, req)
	if ret.IsError() {
		return ret
	}
	items := interaction.StampTurn(ret.Interactions(), turnID)
	r.s.commit(items...)

	turn := &engine.Return{
		Status:   engine.StatusFinished,
		Body:     interaction.NewBody(items...),
		Metrics:  ret.Metrics,
		Messages: ret.Messages,
	}
	if r.s.pending() > 0 {
		turn.Status = engine.StatusCallingTools
	}
	r.merged(turn)
	return turn
}

// drain executes the pending tool calls without calling the provider.
func (r *run) drain(ctx context.Context, turnID string) *engine.Return {
	work := r.s.request(false)
	loop := toolloop.New(
		toolloop.WithExecutor(r.s.exec),
		toolloop.WithTools(r.s.tools),
		toolloop.WithCapabilityResolver(r.s.resolver),
		toolloop.WithLoopConfig(toolloop.DefaultLoopConfig().WithMaxToolPasses(r.opts.MaxToolPasses)),
	)
	ret := loop.Drain(ctx, work, turnID)
	// results of the calls that ran before a cancellation are kept
	r.s.commit(ret.Interactions()...)
	lg := LoggerFromContext(ctx, r.s.logger)
	if ret.IsError() {
		lg.Debug().Str("error_kind", string(ret.ErrorKind)).Int("results", ret.Body.Len()).
			Int("pending", r.s.pending()).Msg("session: tool drain stopped")
		return ret
	}
	lg.Debug().Int("results", ret.Body.Len()).Msg("session: tools drained")
	r.merged(ret)
	return ret
}

// merged records a successful partial result and notifies it.
func (r *run) merged(ret *engine.Return) {
	r.metrics = r.metrics.Combine(ret.Metrics)
	r.last = ret
	r.s.setLast(ret)
	r.s.notify(r.observer, func(o events.Observer) { o.OnPartial(ret) })
}

// settled reports whether the loop may stop after turn.
func (r *run) settled(turn *engine.Return) bool {
	return !r.opts.ProcessTools || turn.Status != engine.StatusCallingTools
}

// final builds the Return of a run that settled after turn.
func (r *run) final(turn *engine.Return) *engine.Return {
	body := r.s.since(r.start)
	ret := &engine.Return{
		Status:   turn.Status,
		Body:     body,
		Metrics:  r.metrics,
		Messages: turn.Messages,
	}
	if body.JSONOutputSchema == nil {
		return ret
	}
	res := engine.NewJSONResponseValidator(validation.SeverityError).Validate(body, struct{}{})
	if res.IsValid {
		return ret
	}
	if r.opts.StrictJSONOutput {
		invalid := engine.NewErrorReturn(engine.ErrorKindValidation,
			errors.New("response does not match the JSON output schema"), res.Messages...)
		invalid.Last = turn
		return invalid
	}
	for _, m := range res.Messages {
		m.Severity = validation.SeverityWarning
		ret.Messages = append(ret.Messages, m)
	}
	return ret
}

func (r *run) unstable() *engine.Return {
	ret := engine.NewErrorReturn(engine.ErrorKindStabilityExceeded,
		errors.Wrapf(engine.ErrMaxTurnsExceeded, "%d provider turns", r.turns))
	ret.Last = r.last
	ret.Metrics = r.metrics
	return ret
}

// terminate records ret as the session's last result and fires the
// terminal notification.
func (r *run) terminate(span trace.Span, ret *engine.Return) *engine.Return {
	r.s.setLast(ret)
	span.SetAttributes(attribute.Int("turns", r.turns))
	if ret.IsError() {
		span.SetStatus(codes.Error, ret.ErrorMessage)
		r.s.logger.Debug().Str("session_id", r.s.SessionID).Str("error_kind", string(ret.ErrorKind)).
			Str("error", ret.ErrorMessage).Int("turns", r.turns).Msg("session: run failed")
		r.s.notify(r.observer, func(o events.Observer) { o.OnError(ret.Err) })
		return ret
	}
	r.s.logger.Debug().Str("session_id", r.s.SessionID).Int("turns", r.turns).
		Int("tokens", r.metrics.TotalTokens).Msg("session: run settled")
	r.s.notify(r.observer, func(o events.Observer) { o.OnFinal(ret) })
	return ret
}
