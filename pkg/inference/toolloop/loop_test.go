package toolloop

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/palaver/pkg/inference/engine"
	"github.com/go-go-golems/palaver/pkg/inference/tools"
	"github.com/go-go-golems/palaver/pkg/interaction"
)

type echoIn struct {
	Text string `json:"text"`
}

func newEchoManager(t *testing.T) *tools.Manager {
	m := tools.NewManager()
	require.NoError(t, m.RegisterFunc("echo", "Echo back the provided text", func(in echoIn) (map[string]any, error) {
		return map[string]any{"echo": in.Text}, nil
	}))
	require.NoError(t, m.RegisterFunc("fail", "Always fails", func(in echoIn) (string, error) {
		return "", errors.New("nope")
	}))
	return m
}

// toolCallingExecutor asks for the echo tool until it has seen n results.
type toolCallingExecutor struct {
	calls       atomic.Int64
	rounds      int
	pendingSeen int
}

func (e *toolCallingExecutor) ExecProvider(ctx context.Context, req *engine.Request) (*engine.Return, error) {
	n := e.calls.Add(1)
	if req.Body.PendingToolCallsCount() > 0 {
		e.pendingSeen++
	}
	if int(n) <= e.rounds {
		return engine.NewReturn(interaction.NewToolCall(fmt.Sprintf("call-%d", n), "echo", map[string]any{"text": "hi"})), nil
	}
	return engine.NewReturn(interaction.NewAssistantText("done")), nil
}

func (e *toolCallingExecutor) StreamingAdapter(*engine.Request) (engine.StreamingAdapter, bool) {
	return nil, false
}

func request(items ...interaction.Interaction) *engine.Request {
	return &engine.Request{Provider: "scripted", Model: "test", Body: interaction.NewBody(items...)}
}

func TestDrainNeverCallsProvider(t *testing.T) {
	exec := &toolCallingExecutor{rounds: 10}
	l := New(WithExecutor(exec), WithTools(newEchoManager(t)))

	req := request(
		interaction.NewUserText("go"),
		interaction.NewToolCall("a", "echo", map[string]any{"text": "one"}).WithTurnID("t1"),
		interaction.NewToolCall("b", "fail", map[string]any{"text": "two"}).WithTurnID("t1"),
		interaction.NewToolCall("c", "echo", map[string]any{"text": "three"}),
	)
	ret := l.Drain(context.Background(), req, "t2")
	require.False(t, ret.IsError(), ret.ErrorMessage)
	assert.EqualValues(t, 0, exec.calls.Load())
	assert.Equal(t, 0, req.Body.PendingToolCallsCount())

	results := ret.Interactions()
	require.Len(t, results, 3)
	ids := []string{}
	for _, r := range results {
		ids = append(ids, r.(interaction.ToolResult).ID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids, "results follow call order")
	assert.Equal(t, "t1", results[0].TurnID())
	assert.Equal(t, "t1", results[1].TurnID())
	assert.Equal(t, "t2", results[2].TurnID())
	assert.NotEmpty(t, results[1].(interaction.ToolResult).Error, "failing tool still answers its call")
	assert.Equal(t, map[string]any{"echo": "three"}, results[2].(interaction.ToolResult).Result)

	assert.True(t, engine.ValidateRequest(req, engine.RequestContext{}).Valid)
}

// wrongIDExecutor answers with a result that never matches the call.
type wrongIDExecutor struct {
	calls int
}

func (w *wrongIDExecutor) ExecuteTool(ctx context.Context, call interaction.ToolCall, _ tools.ValidationContext) *engine.Return {
	w.calls++
	return engine.NewReturn(interaction.NewToolResult("other", call.Name, "x"))
}

func TestDrainReportsUnsettledCalls(t *testing.T) {
	w := &wrongIDExecutor{}
	l := New(WithTools(w), WithLoopConfig(DefaultLoopConfig().WithMaxToolPasses(3)))
	req := request(interaction.NewToolCall("a", "echo", nil))

	ret := l.Drain(context.Background(), req, "t")
	require.True(t, ret.IsError())
	assert.Equal(t, engine.ErrorKindStabilityExceeded, ret.ErrorKind)
	assert.True(t, errors.Is(ret.Err, engine.ErrMaxToolPassesExceeded))
	assert.Equal(t, 3, w.calls)
}

func TestDrainCancellationBetweenCalls(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := tools.NewManager()
	require.NoError(t, m.Register(tools.Tool{
		Name: "stop",
		Execute: func(ctx context.Context, call interaction.ToolCall) (*engine.Return, error) {
			cancel()
			return engine.NewReturn(interaction.NewToolResult(call.ID, call.Name, "stopped")), nil
		},
	}))
	l := New(WithTools(m))
	req := request(
		interaction.NewToolCall("a", "stop", nil),
		interaction.NewToolCall("b", "stop", nil),
	)
	ret := l.Drain(ctx, req, "t")
	require.True(t, ret.IsError())
	assert.Equal(t, engine.ErrorKindCancellation, ret.ErrorKind)
	assert.Equal(t, 1, req.Body.PendingToolCallsCount(), "computed results are kept, the rest is not run")
}

func TestRunConsumesResultsWithProvider(t *testing.T) {
	exec := &toolCallingExecutor{rounds: 2}
	var phases []string
	l := New(
		WithExecutor(exec),
		WithTools(newEchoManager(t)),
		WithSnapshotHook(func(ctx context.Context, b *interaction.Body, phase string) {
			phases = append(phases, phase)
		}),
	)
	req := request(interaction.NewUserText("go"), interaction.NewToolCall("call-0", "echo", map[string]any{"text": "x"}))

	ret := l.Run(context.Background(), req, "special")
	require.False(t, ret.IsError(), ret.ErrorMessage)
	assert.EqualValues(t, 3, exec.calls.Load())
	assert.Equal(t, 0, exec.pendingSeen, "provider never sees pending calls")
	assert.Equal(t, "done", req.Body.Text())
	assert.Equal(t, "done", ret.Body.Text())
	for _, it := range ret.Interactions() {
		if it.Kind() == interaction.KindText {
			assert.Equal(t, "special", it.TurnID())
		}
	}
	assert.Equal(t, PhasePostTools, phases[0])
	assert.Contains(t, phases, PhasePostInference)
}

func TestRunBoundedByMaxToolPasses(t *testing.T) {
	exec := &toolCallingExecutor{rounds: 100}
	l := New(WithExecutor(exec), WithTools(newEchoManager(t)), WithLoopConfig(LoopConfig{MaxToolPasses: 2}))
	req := request(interaction.NewToolCall("call-0", "echo", map[string]any{"text": "x"}))

	ret := l.Run(context.Background(), req, "t")
	require.True(t, ret.IsError())
	assert.Equal(t, engine.ErrorKindStabilityExceeded, ret.ErrorKind)
	assert.EqualValues(t, 2, exec.calls.Load())
	assert.NotEmpty(t, ret.Interactions())
}

func TestRunWithoutPendingDoesNothing(t *testing.T) {
	exec := &toolCallingExecutor{}
	l := New(WithExecutor(exec), WithTools(newEchoManager(t)))
	ret := l.Run(context.Background(), request(interaction.NewAssistantText("hi")), "t")
	require.False(t, ret.IsError())
	assert.EqualValues(t, 0, exec.calls.Load())
	assert.Equal(t, 0, ret.Body.Len())
}
