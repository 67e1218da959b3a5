package specialturn

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/palaver/pkg/inference/engine"
	"github.com/go-go-golems/palaver/pkg/inference/fixtures"
	"github.com/go-go-golems/palaver/pkg/inference/tools"
	"github.com/go-go-golems/palaver/pkg/interaction"
)

func history() []interaction.Interaction {
	return []interaction.Interaction{
		interaction.NewSystemText("be brief").WithTurnID("t0"),
		interaction.NewContextText("user likes tea").WithTurnID("t0"),
		interaction.NewUserText("hi").WithTurnID("t1"),
		interaction.NewAssistantText("hello").WithTurnID("t1"),
		interaction.NewUserText("what's new?").WithTurnID("t2"),
		interaction.NewAssistantText("not much").WithTurnID("t2"),
	}
}

func live() *engine.Request {
	return &engine.Request{Provider: "scripted", Model: "gpt-4", Body: interaction.NewHistoricalBody(history()...)}
}

func TestApplyPersistResultAddsExactlyOne(t *testing.T) {
	snapshot := history()
	inputs := []interaction.Interaction{interaction.NewSystemText("greet")}
	results := []interaction.Interaction{
		interaction.NewAssistantText("Welcome!"),
		interaction.NewToolCall("c", "x", nil),
	}
	a := Apply(StrategyPersistResult, snapshot, inputs, results, nil, "special")
	require.Len(t, a.History, len(snapshot)+1)
	require.Len(t, a.Added, 1)
	assert.Equal(t, "special", a.Added[0].TurnID())
	assert.Equal(t, "Welcome!", a.History[len(a.History)-1].(interaction.Text).Content)
	assert.False(t, a.Replaced)

	assert.Equal(t, "", results[0].TurnID(), "inputs are not modified")
	assert.Equal(t, history(), snapshot)
}

func TestApplyPersistAllUsesFilter(t *testing.T) {
	inputs := []interaction.Interaction{interaction.NewSystemText("sys"), interaction.NewUserText("q")}
	results := []interaction.Interaction{interaction.NewAssistantText("a").WithTurnID("own")}

	a := Apply(StrategyPersistAll, nil, inputs, results, nil, "st")
	require.Len(t, a.Added, 2, "system prompts are not persisted by default")
	assert.Equal(t, "st", a.Added[0].TurnID())
	assert.Equal(t, "own", a.Added[1].TurnID(), "existing turn ids are kept")

	onlyUser := &interaction.InteractionFilter{Allow: []interaction.Agent{interaction.AgentUser}}
	a = Apply(StrategyPersistAll, nil, inputs, results, onlyUser, "st")
	require.Len(t, a.Added, 1)
	assert.Equal(t, interaction.AgentUser, a.Added[0].Agent())
}

func TestApplyEphemeral(t *testing.T) {
	a := Apply(StrategyEphemeral, history(), nil, []interaction.Interaction{interaction.NewAssistantText("x")}, nil, "st")
	assert.Equal(t, history(), a.History)
	assert.Empty(t, a.Added)
}

func TestApplyReplaceAboveRoundTrip(t *testing.T) {
	summary := []interaction.Interaction{interaction.NewAssistantText("summary one")}
	a := Apply(StrategyReplaceAbove, history(), nil, summary, nil, "s1")
	require.True(t, a.Replaced)
	require.Len(t, a.History, 3)
	assert.Equal(t, interaction.AgentSystem, a.History[0].Agent())
	assert.Equal(t, interaction.AgentContext, a.History[1].Agent())
	assert.Equal(t, "summary one", a.History[2].(interaction.Text).Content)
	assert.Equal(t, "s1", a.History[2].TurnID())

	// summarizing the summarized history keeps the preserved part and
	// swaps the old summary for the new one
	next := append(a.History, interaction.NewUserText("more"), interaction.NewAssistantText("ok"))
	b := Apply(StrategyReplaceAbove, next, nil, []interaction.Interaction{interaction.NewAssistantText("summary two")}, nil, "s2")
	require.Len(t, b.History, 3)
	assert.Equal(t, a.History[:2], b.History[:2])
	assert.Equal(t, "summary two", b.History[2].(interaction.Text).Content)
}

func TestRunLeavesLiveRequestUntouched(t *testing.T) {
	exec := fixtures.NewExecutor(fixtures.Script{Turns: []fixtures.Step{{Text: "Welcome back!"}}})
	e := NewEngine(exec)
	req := live()
	before := req.Body.Clone()

	cfg := DefaultConfig().WithInteractions(interaction.NewSystemText("greet the user")).WithProvider("", "gpt-4o")
	out := e.Run(context.Background(), req, cfg, false)
	require.False(t, out.Return.IsError(), out.Return.ErrorMessage)

	assert.Equal(t, before.Interactions(), req.Body.Interactions())
	require.Len(t, out.Applied.Added, 1)
	assert.Equal(t, out.TurnID, out.Applied.Added[0].TurnID())
	assert.Len(t, out.Applied.History, len(history())+1)

	sent := exec.Requests()
	require.Len(t, sent, 1)
	assert.Equal(t, "gpt-4o", sent[0].Model)
	require.Equal(t, 1, sent[0].Body.Len(), "override replaces the history the provider sees")
	assert.Equal(t, interaction.AgentSystem, sent[0].Body.Last().Agent())
}

func TestRunStreamingCoalescesText(t *testing.T) {
	exec := fixtures.NewExecutor(fixtures.Script{Turns: []fixtures.Step{{Chunks: []string{"Sum", "mary", "."}}}}, fixtures.WithStreaming(true))
	e := NewEngine(exec)

	cfg := DefaultConfig().WithStrategy(StrategyReplaceAbove).WithAppend(interaction.NewUserText("summarize"))
	out := e.Run(context.Background(), live(), cfg, true)
	require.False(t, out.Return.IsError(), out.Return.ErrorMessage)

	items := out.Return.Interactions()
	require.Len(t, items, 1)
	assert.Equal(t, "Summary.", items[0].(interaction.Text).Content)
	assert.Equal(t, out.TurnID, items[0].TurnID())

	require.Len(t, out.Applied.History, 3)
	assert.Equal(t, "Summary.", out.Applied.History[2].(interaction.Text).Content)

	sent := exec.Requests()[0]
	assert.Equal(t, len(history())+1, sent.Body.Len())
	assert.Equal(t, "summarize", sent.Body.Last().(interaction.Text).Content)
}

func TestForceNonStreamingWins(t *testing.T) {
	step := fixtures.Step{Chunks: []string{"a", "b"}, FailAfter: 1}
	exec := fixtures.NewExecutor(fixtures.Script{Turns: []fixtures.Step{step, step}}, fixtures.WithStreaming(true))
	e := NewEngine(exec)

	out := e.Run(context.Background(), live(), DefaultConfig(), true)
	require.True(t, out.Return.IsError(), "the stream breaks after one chunk")
	assert.Equal(t, engine.ErrorKindProvider, out.Return.ErrorKind)

	out = e.Run(context.Background(), live(), DefaultConfig().WithForceNonStreaming(true), true)
	require.False(t, out.Return.IsError(), out.Return.ErrorMessage)
	assert.Equal(t, "ab", out.Return.Body.Text())
}

func TestFailedReplaceAboveKeepsHistory(t *testing.T) {
	exec := fixtures.NewExecutor(fixtures.Script{Turns: []fixtures.Step{{Error: "rate limited"}}})
	out := NewEngine(exec).Run(context.Background(), live(), DefaultConfig().WithStrategy(StrategyReplaceAbove), false)

	require.True(t, out.Return.IsError())
	assert.Equal(t, engine.ErrorKindProvider, out.Return.ErrorKind)
	assert.Equal(t, StrategyEphemeral, out.Strategy)
	assert.Equal(t, history(), out.Applied.History)
	assert.False(t, out.Applied.Replaced)
}

func TestRunTimeout(t *testing.T) {
	exec := fixtures.NewExecutor(fixtures.Script{Turns: []fixtures.Step{{Text: "late", Delay: time.Second}}})
	out := NewEngine(exec).Run(context.Background(), live(), DefaultConfig().WithTimeout(20*time.Millisecond), false)

	require.True(t, out.Return.IsError())
	assert.Equal(t, engine.ErrorKindTimeout, out.Return.ErrorKind)
	assert.True(t, errors.Is(out.Return.Err, ErrTimeout))
	assert.Equal(t, history(), out.Applied.History)
}

type cityArgs struct {
	City string `json:"city" jsonschema:"required"`
}

func TestRunProcessesTools(t *testing.T) {
	m := tools.NewManager()
	require.NoError(t, m.RegisterFunc("get_weather", "Weather for a city", func(in cityArgs) (string, error) {
		return "sunny in " + in.City, nil
	}))
	exec := fixtures.NewExecutor(fixtures.Script{Turns: []fixtures.Step{
		{ToolCalls: []fixtures.ToolCall{{Name: "get_weather", Arguments: map[string]any{"city": "Paris"}}}},
		{Text: "It is sunny in Paris."},
	}})
	e := NewEngine(exec, WithTools(m))

	cfg := DefaultConfig().
		WithInteractions(interaction.NewUserText("weather in Paris?")).
		WithProcessTools(true).
		WithStrategy(StrategyPersistAll)
	out := e.Run(context.Background(), live(), cfg, false)
	require.False(t, out.Return.IsError(), out.Return.ErrorMessage)
	assert.Equal(t, 2, exec.Calls())

	added := out.Applied.Added
	require.Len(t, added, 4)
	assert.Equal(t, interaction.AgentUser, added[0].Agent())
	assert.Equal(t, interaction.KindToolCall, added[1].Kind())
	res := added[2].(interaction.ToolResult)
	assert.Equal(t, "sunny in Paris", res.Result)
	assert.Equal(t, "It is sunny in Paris.", added[3].(interaction.Text).Content)
	for _, it := range added {
		assert.NotEmpty(t, it.TurnID())
	}

	sent := exec.Requests()
	require.Len(t, sent[0].Tools, 1)
	assert.Equal(t, "get_weather", sent[0].Tools[0].Name)
	assert.Equal(t, 0, sent[1].Body.PendingToolCallsCount())
}

func TestPresets(t *testing.T) {
	data := DefaultPromptData()
	data.AssistantName = "Palaver"
	data.UserName = "Ada"
	data.Instructions = "  Mention the weather.  "

	g, err := GreetingConfig(data)
	require.NoError(t, err)
	assert.Equal(t, StrategyPersistResult, g.Strategy)
	require.Len(t, g.Interactions, 1)
	prompt := g.Interactions[0].(interaction.Text)
	assert.Equal(t, interaction.AgentSystem, prompt.Role)
	assert.Contains(t, prompt.Content, "You are Palaver. You are talking to Ada.")
	assert.Contains(t, prompt.Content, "\nMention the weather.")

	s, err := SummaryConfig(DefaultPromptData())
	require.NoError(t, err)
	assert.Equal(t, StrategyReplaceAbove, s.Strategy)
	require.Len(t, s.Append, 1)
	assert.Contains(t, s.Append[0].(interaction.Text).Content, "at most 200 words")
	assert.True(t, s.ToolFilter.Disabled)

	_, err = RenderPrompt("broken", "{{ .Nope", data)
	require.Error(t, err)
}
