package session

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-go-golems/palaver/pkg/events"
	"github.com/go-go-golems/palaver/pkg/inference/engine"
	"github.com/go-go-golems/palaver/pkg/inference/specialturn"
)

// RunSpecialTurn runs cfg on an isolated copy of the request and folds its
// result back into the history according to cfg.Strategy. The Return holds
// what the turn produced; the observer is notified once, after the history
// was updated.
func (s *Session) RunSpecialTurn(ctx context.Context, cfg specialturn.Config, streaming bool) *engine.Return {
	ctx, release, err := s.begin(ctx)
	if err != nil {
		return s.reject(err)
	}
	defer release()

	ctx, span := tracer.Start(ctx, "session.special_turn", trace.WithAttributes(
		attribute.String("session_id", s.SessionID),
		attribute.String("name", cfg.Name),
	))
	defer span.End()
	return s.finishSpecial(ctx, s.protect(func() *engine.Return {
		return s.runSpecial(ctx, cfg, streaming)
	}))
}

// GenerateGreeting runs the session's greeting turn, or the default greeting
// preset when none was configured.
func (s *Session) GenerateGreeting(ctx context.Context, streaming bool) *engine.Return {
	cfg, err := s.greetingConfig()
	if err != nil {
		return s.reject(err)
	}
	ret := s.RunSpecialTurn(ctx, cfg, streaming)
	if !ret.IsError() {
		s.markGreeted()
	}
	return ret
}

// Summarize replaces the conversation, except system and context
// interactions, with a summary of it.
func (s *Session) Summarize(ctx context.Context, data specialturn.PromptData) *engine.Return {
	cfg, err := specialturn.SummaryConfig(data)
	if err != nil {
		return s.reject(err)
	}
	return s.RunSpecialTurn(ctx, cfg, false)
}

func (s *Session) greetingConfig() (specialturn.Config, error) {
	if s.greeting != nil {
		return *s.greeting, nil
	}
	return specialturn.GreetingConfig(specialturn.DefaultPromptData())
}

func (s *Session) markGreeted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.greetingGenerated = true
}

// pendingGreeting returns the greeting to run, if one is enabled and was
// not produced yet.
func (s *Session) pendingGreeting() (specialturn.Config, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.greeting == nil || s.greetingGenerated {
		return specialturn.Config{}, false
	}
	return *s.greeting, true
}

// runSpecial runs cfg and applies its outcome to the history. It does not
// notify.
func (s *Session) runSpecial(ctx context.Context, cfg specialturn.Config, streaming bool) *engine.Return {
	opts := []specialturn.Option{
		specialturn.WithCapabilityResolver(s.resolver),
		specialturn.WithStreamingOptions(s.sopts),
	}
	if s.tools != nil {
		opts = append(opts, specialturn.WithTools(s.tools))
	}
	out := specialturn.NewEngine(s.exec, opts...).Run(ctx, s.Request(), cfg, streaming)

	s.mu.Lock()
	if out.Applied.Replaced {
		s.req.Body.Replace(out.Applied.History...)
	} else {
		s.req.Body.Append(out.Applied.Added...)
	}
	s.mu.Unlock()

	s.logger.Debug().Str("session_id", s.SessionID).Str("special_turn", cfg.Name).
		Str("strategy", string(out.Strategy)).Int("persisted", len(out.Applied.Added)).
		Bool("failed", out.Return.IsError()).Msg("session: special turn applied")
	return out.Return
}

func (s *Session) finishSpecial(ctx context.Context, ret *engine.Return) *engine.Return {
	s.setLast(ret)
	o := s.observerFor(ctx)
	if ret.IsError() {
		trace.SpanFromContext(ctx).SetStatus(codes.Error, ret.ErrorMessage)
		s.notify(o, func(o events.Observer) { o.OnError(ret.Err) })
		return ret
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.Int("tokens", ret.Metrics.TotalTokens))
	s.notify(o, func(o events.Observer) { o.OnFinal(ret) })
	return ret
}

// greeting runs the greeting turn when the run asks for one. done is set
// when the run must stop with ret.
func (r *run) greeting(ctx context.Context) (ret *engine.Return, done bool) {
	if !r.opts.wantsGreeting() {
		return nil, false
	}
	cfg, ok := r.s.pendingGreeting()
	if !ok {
		if r.opts.GreetingOnly {
			return r.s.GetHistoryReturn(), true
		}
		return nil, false
	}

	ret = r.s.runSpecial(ctx, cfg, r.streaming)
	if !ret.IsError() {
		r.s.markGreeted()
	}
	if r.opts.GreetingOnly {
		return ret, true
	}
	if ret.IsError() {
		r.s.logger.Warn().Str("session_id", r.s.SessionID).Str("error", ret.ErrorMessage).
			Msg("session: greeting failed, continuing")
		return nil, false
	}
	r.merged(ret)
	return nil, false
}
