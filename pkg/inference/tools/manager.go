package tools

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/palaver/pkg/inference/engine"
	"github.com/go-go-golems/palaver/pkg/interaction"
	"github.com/go-go-golems/palaver/pkg/validation"
)

var tracer = otel.Tracer("github.com/go-go-golems/palaver/pkg/inference/tools")

// Manager discovers tools from providers, keeps them in a Registry and
// executes tool calls. ExecuteTool never panics and never returns a Go
// error: every failure becomes a ToolError Return.
type Manager struct {
	registry *Registry
	config   ManagerConfig

	mu        sync.Mutex
	providers []ToolProvider
	discover  sync.Once

	validators *validation.Pipeline[interaction.ToolCall, ValidationContext]
}

type ManagerOption func(*Manager)

func WithConfig(c ManagerConfig) ManagerOption {
	return func(m *Manager) {
		m.config = c
	}
}

func WithProviders(p ...ToolProvider) ManagerOption {
	return func(m *Manager) {
		m.providers = append(m.providers, p...)
	}
}

// WithValidators appends validators run after the built-in ones.
func WithValidators(v ...CallValidator) ManagerOption {
	return func(m *Manager) {
		m.validators.Add(v...)
	}
}

func NewManager(opts ...ManagerOption) *Manager {
	reg := NewRegistry()
	m := &Manager{
		registry: reg,
		config:   DefaultManagerConfig(),
		validators: validation.NewPipeline[interaction.ToolCall, ValidationContext](
			NewExistenceValidator(reg),
			NewSchemaValidator(reg),
			NewCapabilityValidator(reg),
		),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

var (
	defaultManager     *Manager
	defaultManagerOnce sync.Once
)

// DefaultManager returns the process-wide manager.
func DefaultManager() *Manager {
	defaultManagerOnce.Do(func() {
		defaultManager = NewManager()
	})
	return defaultManager
}

func (m *Manager) Registry() *Registry {
	return m.registry
}

// AddProvider queues a provider for discovery. Providers added after
// Discover ran are not queried.
func (m *Manager) AddProvider(p ToolProvider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers = append(m.providers, p)
}

// Discover queries every provider once. Providers are queried concurrently
// and their tools registered in provider order, so a later provider wins a
// name clash. Failing providers are logged and skipped.
func (m *Manager) Discover(ctx context.Context) {
	m.discover.Do(func() {
		m.mu.Lock()
		providers := append([]ToolProvider(nil), m.providers...)
		m.mu.Unlock()

		found := make([][]Tool, len(providers))
		var g errgroup.Group
		g.SetLimit(4)
		for i, p := range providers {
			g.Go(func() error {
				defer func() {
					if r := recover(); r != nil {
						log.Error().Interface("panic", r).Str("provider", p.Name()).Msg("tools: provider panicked during discovery")
					}
				}()
				list, err := p.GetTools(ctx)
				if err != nil {
					log.Warn().Err(err).Str("provider", p.Name()).Msg("tools: discovery failed, skipping provider")
					return nil
				}
				found[i] = list
				return nil
			})
		}
		_ = g.Wait()

		for i, list := range found {
			for _, t := range list {
				if err := m.registry.Register(t); err != nil {
					log.Warn().Err(err).Str("provider", providers[i].Name()).Msg("tools: could not register tool")
					continue
				}
				if t.Category == "" {
					log.Debug().Str("tool", t.Name).Str("provider", providers[i].Name()).Msg("tools: registered tool")
				} else {
					log.Debug().Str("tool", t.Name).Str("category", t.Category).Str("provider", providers[i].Name()).Msg("tools: registered tool")
				}
			}
		}
	})
}

// Register adds a tool directly, bypassing discovery.
func (m *Manager) Register(t Tool) error {
	return m.registry.Register(t)
}

// RegisterFunc wraps fn with NewToolFromFunc and registers it.
func (m *Manager) RegisterFunc(name, description string, fn interface{}) error {
	t, err := NewToolFromFunc(name, description, fn)
	if err != nil {
		return errors.Wrapf(err, "could not create tool %s", name)
	}
	return m.registry.Register(*t)
}

// SortedNames lists the registered tool names in lexical order.
func (m *Manager) SortedNames() []string {
	return m.registry.SortedNames()
}

func (m *Manager) Tool(name string) (Tool, bool) {
	return m.registry.Get(name)
}

// Tools lists registered tools allowed by filter, in registration order.
func (m *Manager) Tools(filter *interaction.ToolFilter) []Tool {
	return m.registry.List(filter)
}

// Specs lists the provider-facing descriptions of the tools allowed by filter.
func (m *Manager) Specs(filter *interaction.ToolFilter) []engine.ToolSpec {
	list := m.registry.List(filter)
	if len(list) == 0 {
		return nil
	}
	out := make([]engine.ToolSpec, 0, len(list))
	for _, t := range list {
		out = append(out, t.Spec())
	}
	return out
}

// ValidateCall runs every call validator without executing anything.
func (m *Manager) ValidateCall(call interaction.ToolCall, vctx ValidationContext) validation.Report {
	return m.validators.Run(call, vctx)
}

// ExecuteTool validates and runs call. The returned Return always holds a
// single ToolResult correlated with call, including on failure.
func (m *Manager) ExecuteTool(ctx context.Context, call interaction.ToolCall, vctx ValidationContext) (ret *engine.Return) {
	ctx, span := tracer.Start(ctx, "tool.execute")
	span.SetAttributes(attribute.String("tool", call.Name), attribute.String("call_id", call.ID))
	defer span.End()
	defer func() {
		if ret.IsError() {
			span.SetStatus(codes.Error, ret.ErrorMessage)
		}
	}()

	if err := ctx.Err(); err != nil {
		return engine.NewCancellationReturn(ctx)
	}
	m.Discover(ctx)

	report := m.ValidateCall(call, vctx)
	if !report.Valid {
		log.Debug().Str("tool", call.Name).Strs("failed", report.Failed).Msg("tools: call rejected by validation")
		return toolErrorReturn(call, report.Err(), report.Messages)
	}

	tool, _ := m.registry.Get(call.Name)
	start := time.Now()
	res, err := m.run(ctx, tool, vctx, call)
	elapsed := time.Since(start)

	if err != nil {
		if ctx.Err() != nil {
			return engine.NewCancellationReturn(ctx)
		}
		log.Debug().Err(err).Str("tool", call.Name).Msg("tools: handler failed")
		failed := toolErrorReturn(call, errors.Wrapf(err, "tool %s failed", call.Name), handlerMessages(res))
		if partial, ok := firstToolResult(res); ok && partial.Result != nil {
			errResult := failed.Body.Last().(interaction.ToolResult)
			errResult.Result = partial.Result
			failed.Body.Replace(errResult)
		}
		failed.Metrics.Duration = elapsed
		return failed
	}

	result, ok := firstToolResult(res)
	if !ok {
		result = interaction.ToolResult{}
		if res != nil {
			if t := res.Body.Text(); t != "" {
				result.Result = t
			}
		}
	}
	result = m.correlate(result, call)
	msgs := report.Messages
	if s, isString := result.Result.(string); isString && m.config.MaxResultBytes > 0 && len(s) > m.config.MaxResultBytes {
		result.Result = truncateUTF8(s, m.config.MaxResultBytes)
		msgs = append(msgs, validation.Warning("result_truncated",
			fmt.Sprintf("result of %s truncated from %d to %d bytes", call.Name, len(s), len(result.Result.(string)))))
	}

	out := &engine.Return{
		Status:   engine.StatusFinished,
		Body:     interaction.NewBody(result),
		Messages: msgs,
	}
	if res != nil {
		out.Metrics = res.Metrics
	}
	if out.Metrics.Duration == 0 {
		out.Metrics.Duration = elapsed
	}
	if result.Error != "" {
		out.Status = engine.StatusError
		out.ErrorKind = engine.ErrorKindTool
		out.ErrorMessage = result.Error
		out.Messages = append(out.Messages, validation.Error(string(engine.ErrorKindTool), result.Error))
	}
	return out
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func (m *Manager) run(ctx context.Context, tool Tool, vctx ValidationContext, call interaction.ToolCall) (res *engine.Return, err error) {
	if m.config.ExecutionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.config.ExecutionTimeout)
		defer cancel()
	}
	ctx = WithCurrentToolCall(ctx, call)
	ctx = WithValidationContext(ctx, vctx)
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("tool", call.Name).Msg("tools: handler panicked")
			res, err = nil, errors.Errorf("panic: %v", r)
		}
	}()
	return tool.Execute(ctx, call)
}

// correlate back-fills id, name and turn id from the originating call.
func (m *Manager) correlate(r interaction.ToolResult, call interaction.ToolCall) interaction.ToolResult {
	if r.ID == "" {
		r.ID = call.ID
	}
	if r.Name == "" {
		r.Name = call.Name
	}
	if r.Turn == "" {
		r.Turn = call.TurnID()
	}
	return r
}

func firstToolResult(r *engine.Return) (interaction.ToolResult, bool) {
	if r == nil {
		return interaction.ToolResult{}, false
	}
	for _, it := range r.Body.Interactions() {
		if tr, ok := it.(interaction.ToolResult); ok {
			return tr, true
		}
	}
	return interaction.ToolResult{}, false
}

func handlerMessages(r *engine.Return) []validation.Message {
	if r == nil {
		return nil
	}
	return r.Messages
}

// toolErrorReturn builds a ToolError Return carrying an error ToolResult
// correlated with call.
func toolErrorReturn(call interaction.ToolCall, err error, msgs []validation.Message) *engine.Return {
	if err == nil {
		err = fmt.Errorf("tool %s failed", call.Name)
	}
	ret := engine.NewErrorReturn(engine.ErrorKindTool, err, msgs...)
	res := interaction.NewToolError(call.ID, call.Name, err.Error())
	res.Turn = call.TurnID()
	ret.Body.Append(res)
	return ret
}
