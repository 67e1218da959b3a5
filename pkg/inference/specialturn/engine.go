package specialturn

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/go-go-golems/palaver/pkg/inference/engine"
	"github.com/go-go-golems/palaver/pkg/inference/toolloop"
	"github.com/go-go-golems/palaver/pkg/inference/tools"
	"github.com/go-go-golems/palaver/pkg/interaction"
)

// ErrTimeout is the cancellation cause of a special turn that ran past its
// Timeout.
var ErrTimeout = errors.New("special turn timed out")

// ToolSource offers tools to a turn and runs them. *tools.Manager
// implements it.
type ToolSource interface {
	toolloop.ToolExecutor
	Specs(filter *interaction.ToolFilter) []engine.ToolSpec
}

var _ ToolSource = (*tools.Manager)(nil)

// Outcome is the result of a special turn.
type Outcome struct {
	// Return is the turn's own result. Its Body holds what the turn produced.
	Return *engine.Return
	// Applied is the history the strategy computed.
	Applied Applied
	// Strategy is the strategy that was applied. A failed ReplaceAbove turn
	// is applied as Ephemeral.
	Strategy Strategy
	TurnID   string
}

// Engine runs special turns on isolated copies of a request.
type Engine struct {
	exec     engine.Executor
	tools    ToolSource
	resolver engine.CapabilityResolver
	sopts    engine.StreamingOptions
}

type Option func(*Engine)

func WithTools(t ToolSource) Option {
	return func(e *Engine) { e.tools = t }
}

func WithCapabilityResolver(r engine.CapabilityResolver) Option {
	return func(e *Engine) { e.resolver = r }
}

func WithStreamingOptions(o engine.StreamingOptions) Option {
	return func(e *Engine) { e.sopts = o }
}

func NewEngine(exec engine.Executor, opts ...Option) *Engine {
	e := &Engine{exec: exec, sopts: engine.DefaultStreamingOptions()}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

var tracer = otel.Tracer("github.com/go-go-golems/palaver/pkg/inference/specialturn")

// Run executes cfg against an isolated copy of live and computes the
// history the strategy leaves behind. live is never modified; applying
// Outcome.Applied is up to the caller. Observers are never notified here.
func (e *Engine) Run(ctx context.Context, live *engine.Request, cfg Config, streaming bool) Outcome {
	turnID := uuid.NewString()
	if live == nil {
		live = &engine.Request{}
	}
	snapshot := live.Body.Interactions()

	ctx, span := tracer.Start(ctx, "specialturn.run")
	span.SetAttributes(attribute.String("name", cfg.Name), attribute.String("strategy", string(cfg.strategy())))
	defer span.End()

	isolated, inputs := e.isolate(live, cfg)
	ret := e.execute(ctx, isolated, cfg, streaming, turnID)

	strategy := cfg.strategy()
	var results []interaction.Interaction
	if ret.IsError() {
		if strategy == StrategyReplaceAbove {
			strategy = StrategyEphemeral
		}
		log.Debug().Str("special_turn", cfg.Name).Str("error_kind", string(ret.ErrorKind)).
			Str("error", ret.ErrorMessage).Msg("specialturn: turn failed")
	} else {
		results = ret.Interactions()
	}

	applied := Apply(strategy, snapshot, inputs, results, cfg.Filter, turnID)
	log.Debug().Str("special_turn", cfg.Name).Str("strategy", string(strategy)).
		Int("added", len(applied.Added)).Int("history", len(applied.History)).Msg("specialturn: applied")

	return Outcome{Return: ret, Applied: applied, Strategy: strategy, TurnID: turnID}
}

// isolate builds the request the turn runs on. It shares no mutable state
// with live. inputs are the interactions the turn adds on top of history.
func (e *Engine) isolate(live *engine.Request, cfg Config) (*engine.Request, []interaction.Interaction) {
	req := &engine.Request{
		Provider:   firstNonEmpty(cfg.Provider, live.Provider),
		Model:      firstNonEmpty(cfg.Model, live.Model),
		Endpoint:   firstNonEmpty(cfg.Endpoint, live.Endpoint),
		Capability: live.Capability,
	}
	if cfg.Capability != "" {
		req.Capability = cfg.Capability
	}

	var inputs []interaction.Interaction
	if len(cfg.Interactions) > 0 {
		req.Body = live.Body.WithInteractions(cfg.Interactions...)
		inputs = append(inputs, cfg.Interactions...)
	} else {
		req.Body = live.Body.Clone()
		if req.Body == nil {
			req.Body = interaction.NewBody()
		}
	}
	if len(cfg.Append) > 0 {
		cp := make([]interaction.Interaction, 0, len(cfg.Append))
		for _, it := range cfg.Append {
			cp = append(cp, interaction.Clone(it))
		}
		req.Body.Append(cp...)
		inputs = append(inputs, cfg.Append...)
	}
	if cfg.ToolFilter != nil {
		req.Body.ToolFilter = cfg.ToolFilter.Clone()
	}
	if cfg.ContextFilter != nil {
		req.Body.ContextFilter = cfg.ContextFilter.Clone()
	}
	req.Body.ClearNew()

	if cfg.ProcessTools && e.tools != nil {
		req.Tools = e.tools.Specs(req.Body.ToolFilter)
	}
	return req, inputs
}

func (e *Engine) execute(ctx context.Context, req *engine.Request, cfg Config, streaming bool, turnID string) (ret *engine.Return) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("special_turn", cfg.Name).Msg("specialturn: panic")
			ret = engine.NewErrorReturn(engine.ErrorKindProvider, errors.Errorf("special turn panicked: %v", r))
		}
	}()

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, cfg.Timeout, ErrTimeout)
		defer cancel()
	}

	useStreaming := streaming && !cfg.ForceNonStreaming
	report := engine.ValidateRequest(req, engine.RequestContext{
		Streaming:    useStreaming,
		ProcessTools: cfg.ProcessTools,
		Resolver:     e.resolver,
	})
	if !report.Valid {
		return engine.NewErrorReturn(engine.ErrorKindValidation, report.Err(), report.Messages...)
	}

	var produced *engine.Return
	if adapter, ok := e.streamingAdapter(req, useStreaming); ok {
		produced = e.stream(ctx, adapter, req, cfg, turnID)
	} else {
		produced = engine.Invoke(ctx, e.exec, req)
		if !produced.IsError() {
			produced.Body = interaction.NewBody(interaction.StampTurn(produced.Interactions(), turnID)...)
		}
	}
	if produced.IsError() {
		return produced
	}
	req.Body.Append(produced.Interactions()...)

	if cfg.ProcessTools && req.Body.PendingToolCallsCount() > 0 {
		loop := toolloop.New(
			toolloop.WithExecutor(e.exec),
			toolloop.WithTools(e.tools),
			toolloop.WithCapabilityResolver(e.resolver),
			toolloop.WithLoopConfig(toolloop.DefaultLoopConfig().WithMaxToolPasses(cfg.MaxToolPasses)),
		)
		looped := loop.Run(ctx, req, turnID)
		if looped.IsError() {
			return looped
		}
		produced.Body = interaction.NewBody(append(produced.Interactions(), looped.Interactions()...)...)
		produced.Metrics = produced.Metrics.Combine(looped.Metrics)
	}

	produced.Status = engine.StatusFinished
	if req.Body.PendingToolCallsCount() > 0 {
		produced.Status = engine.StatusCallingTools
	}
	return produced
}

func (e *Engine) streamingAdapter(req *engine.Request, useStreaming bool) (engine.StreamingAdapter, bool) {
	if !useStreaming || e.exec == nil {
		return nil, false
	}
	return e.exec.StreamingAdapter(req)
}

// stream consumes the provider's delta stream and folds its text into a
// single interaction.
func (e *Engine) stream(ctx context.Context, adapter engine.StreamingAdapter, req *engine.Request, cfg Config, turnID string) *engine.Return {
	if err := ctx.Err(); err != nil {
		return engine.NewCancellationReturn(ctx)
	}
	start := time.Now()
	var items []interaction.Interaction
	var metrics interaction.Metrics
	deltas := 0

	for raw, err := range adapter.Stream(ctx, req, e.sopts) {
		if ctx.Err() != nil {
			return engine.NewCancellationReturn(ctx)
		}
		if err != nil {
			return engine.FromError(ctx, engine.ErrorKindProvider, errors.Wrap(err, "stream failed"))
		}
		delta := adapter.NormalizeDelta(raw)
		if delta == nil {
			continue
		}
		if delta.IsError() {
			return delta
		}
		deltas++
		metrics = metrics.Combine(delta.Metrics)
		items = append(items, delta.Interactions()...)
	}
	if ctx.Err() != nil {
		return engine.NewCancellationReturn(ctx)
	}
	if deltas == 0 {
		return engine.NewErrorReturn(engine.ErrorKindProvider, errors.Wrapf(engine.ErrStreamEmpty, "special turn %s", cfg.Name))
	}

	ret := engine.NewReturn(interaction.CoalesceDeltas(items, turnID, cfg.PreserveMetrics)...)
	ret.Body = interaction.NewBody(interaction.StampTurn(ret.Interactions(), turnID)...)
	ret.Metrics = metrics
	if ret.Metrics.Duration == 0 {
		ret.Metrics.Duration = time.Since(start)
	}
	return ret
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
