package toolloop

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/palaver/pkg/inference/engine"
	"github.com/go-go-golems/palaver/pkg/inference/tools"
	"github.com/go-go-golems/palaver/pkg/interaction"
	"github.com/go-go-golems/palaver/pkg/validation"
)

// ToolExecutor runs a single tool call. *tools.Manager implements it.
type ToolExecutor interface {
	ExecuteTool(ctx context.Context, call interaction.ToolCall, vctx tools.ValidationContext) *engine.Return
}

var _ ToolExecutor = (*tools.Manager)(nil)

// Loop executes pending tool calls and, for Run, lets the provider consume
// the results.
type Loop struct {
	exec     engine.Executor
	tools    ToolExecutor
	loopCfg  LoopConfig
	resolver engine.CapabilityResolver

	snapshotHook SnapshotHook
}

type Option func(*Loop)

func New(opts ...Option) *Loop {
	l := &Loop{
		loopCfg: DefaultLoopConfig(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

func WithExecutor(exec engine.Executor) Option {
	return func(l *Loop) { l.exec = exec }
}

func WithTools(t ToolExecutor) Option {
	return func(l *Loop) { l.tools = t }
}

func WithLoopConfig(cfg LoopConfig) Option {
	return func(l *Loop) { l.loopCfg = cfg }
}

func WithCapabilityResolver(r engine.CapabilityResolver) Option {
	return func(l *Loop) { l.resolver = r }
}

func WithSnapshotHook(h SnapshotHook) Option {
	return func(l *Loop) { l.snapshotHook = h }
}

func (l *Loop) snapshot(ctx context.Context, b *interaction.Body, phase string) {
	if l.snapshotHook != nil {
		l.snapshotHook(ctx, b, phase)
		return
	}
	if h, ok := TurnSnapshotHookFromContext(ctx); ok {
		h(ctx, b, phase)
	}
}

func (l *Loop) validationContext(req *engine.Request) tools.ValidationContext {
	return tools.ValidationContext{Provider: req.Provider, Model: req.Model, Resolver: l.resolver}
}

// Drain executes the pending tool calls of req.Body, pass after pass, until
// every call has a result. It never calls the provider. Results are
// appended to the body once per pass; each ToolResult carries the turn id
// of the call it answers, or turnID when the call has none.
//
// The returned Return holds every result produced. It is an error Return
// on cancellation or when calls are still pending after MaxToolPasses.
// Failing tools do not make the drain fail: their error ToolResults are
// appended like any other.
func (l *Loop) Drain(ctx context.Context, req *engine.Request, turnID string) *engine.Return {
	var produced []interaction.Interaction
	var metrics interaction.Metrics
	var msgs []validation.Message

	maxPasses := l.loopCfg.maxPasses()
	for pass := 1; req.Body.PendingToolCallsCount() > 0; pass++ {
		if pass > maxPasses {
			log.Warn().Int("max_tool_passes", maxPasses).Int("pending", req.Body.PendingToolCallsCount()).
				Msg("toolloop: tool calls did not settle")
			ret := engine.NewErrorReturn(engine.ErrorKindStabilityExceeded,
				errors.Wrapf(engine.ErrMaxToolPassesExceeded, "%d tool calls still pending after %d passes",
					req.Body.PendingToolCallsCount(), maxPasses), msgs...)
			ret.Body.Append(produced...)
			ret.Metrics = metrics
			return ret
		}

		results, m, passMsgs, cancelled := l.executePass(ctx, req, turnID)
		metrics = metrics.Combine(m)
		msgs = append(msgs, passMsgs...)
		produced = append(produced, results...)
		req.Body.Append(results...)
		l.snapshot(ctx, req.Body, PhasePostTools)

		if cancelled != nil {
			cancelled.Body.Append(produced...)
			return cancelled
		}
		log.Debug().Int("pass", pass).Int("results", len(results)).Msg("toolloop: tool pass done")
	}

	ret := &engine.Return{
		Status:   engine.StatusFinished,
		Body:     interaction.NewBody(produced...),
		Metrics:  metrics,
		Messages: msgs,
	}
	return ret
}

// executePass runs every currently pending call once, sequentially, in the
// order the calls appear.
func (l *Loop) executePass(ctx context.Context, req *engine.Request, turnID string) (
	results []interaction.Interaction,
	metrics interaction.Metrics,
	msgs []validation.Message,
	cancelled *engine.Return,
) {
	vctx := l.validationContext(req)
	for _, call := range req.Body.PendingToolCalls() {
		if ctx.Err() != nil {
			return results, metrics, msgs, engine.NewCancellationReturn(ctx)
		}
		var ret *engine.Return
		if l.tools == nil {
			ret = engine.NewErrorReturn(engine.ErrorKindTool, errors.Errorf("no tool manager to run %s", call.Name))
			res := interaction.NewToolError(call.ID, call.Name, ret.ErrorMessage)
			ret.Body.Append(res)
		} else {
			ret = l.tools.ExecuteTool(ctx, call, vctx)
		}
		if ret.ErrorKind == engine.ErrorKindCancellation || ret.ErrorKind == engine.ErrorKindTimeout {
			if ctx.Err() != nil {
				return results, metrics, msgs, ret
			}
		}
		metrics = metrics.Combine(ret.Metrics)
		if ret.IsError() {
			msgs = append(msgs, ret.Messages...)
		}
		for _, it := range ret.Interactions() {
			res, ok := it.(interaction.ToolResult)
			if !ok {
				continue
			}
			switch {
			case call.TurnID() != "":
				res.Turn = call.TurnID()
			case res.Turn == "":
				res.Turn = turnID
			}
			results = append(results, res)
		}
	}
	return results, metrics, msgs, nil
}

// Run is the composite tool step: drain the pending calls, let the provider
// consume the results with one call, and repeat while the provider keeps
// requesting tools, for at most MaxToolPasses rounds. The provider is only
// called when no tool call is pending. Run does nothing when nothing is
// pending. The Return holds every interaction produced; they are also
// appended to req.Body.
func (l *Loop) Run(ctx context.Context, req *engine.Request, turnID string) *engine.Return {
	if req == nil || req.Body == nil {
		return engine.NewErrorReturn(engine.ErrorKindValidation, errors.New("tool loop needs a request with a body"))
	}
	var produced []interaction.Interaction
	var metrics interaction.Metrics

	finish := func(ret *engine.Return) *engine.Return {
		ret.Body.Append(produced...)
		ret.Metrics = metrics.Combine(ret.Metrics)
		return ret
	}

	maxPasses := l.loopCfg.maxPasses()
	for pass := 1; req.Body.PendingToolCallsCount() > 0; pass++ {
		if pass > maxPasses {
			return finish(engine.NewErrorReturn(engine.ErrorKindStabilityExceeded,
				errors.Wrapf(engine.ErrMaxToolPassesExceeded, "provider kept calling tools after %d passes", maxPasses)))
		}

		drained := l.Drain(ctx, req, turnID)
		produced = append(produced, drained.Interactions()...)
		metrics = metrics.Combine(drained.Metrics)
		if drained.IsError() {
			drained.Body = interaction.NewBody()
			drained.Metrics = interaction.Metrics{}
			return finish(drained)
		}

		if n := req.Body.PendingToolCallsCount(); n > 0 {
			return finish(engine.NewErrorReturn(engine.ErrorKindValidation,
				errors.Wrapf(engine.ErrPendingToolCalls, "%d calls", n)))
		}

		l.snapshot(ctx, req.Body, PhasePreInference)
		ret := engine.Invoke(ctx, l.exec, req)
		if ret.IsError() {
			return finish(ret)
		}
		metrics = metrics.Combine(ret.Metrics)
		items := interaction.StampTurn(ret.Interactions(), turnID)
		req.Body.Append(items...)
		produced = append(produced, items...)
		l.snapshot(ctx, req.Body, PhasePostInference)
	}

	return &engine.Return{
		Status:  engine.StatusFinished,
		Body:    interaction.NewBody(produced...),
		Metrics: metrics,
	}
}
