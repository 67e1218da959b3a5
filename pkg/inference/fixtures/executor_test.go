package fixtures

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/palaver/pkg/inference/engine"
	"github.com/go-go-golems/palaver/pkg/interaction"
)

const weatherScript = `
turns:
  - text: "Let me check."
    tool_calls:
      - name: get_weather
        arguments: {city: Paris}
  - chunks: ["It is ", "sunny", "."]
    usage: {input_tokens: 10, output_tokens: 3}
echo: true
`

func request() *engine.Request {
	return &engine.Request{Provider: "scripted", Model: "gpt-4", Body: interaction.NewBody(interaction.NewUserText("weather?"))}
}

func TestScriptedExecProvider(t *testing.T) {
	s, err := ParseScript([]byte(weatherScript))
	require.NoError(t, err)
	e := NewExecutor(s)

	ret, err := e.ExecProvider(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, engine.StatusCallingTools, ret.Status)
	items := ret.Interactions()
	require.Len(t, items, 2)
	call := items[1].(interaction.ToolCall)
	assert.Equal(t, "get_weather", call.Name)
	assert.Equal(t, "call_1_0", call.ID)
	assert.Equal(t, map[string]any{"city": "Paris"}, call.Arguments)
	assert.True(t, ret.Metrics.Estimated)

	ret, err = e.ExecProvider(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, "It is sunny.", ret.Body.Text())
	assert.Equal(t, 13, ret.Metrics.TotalTokens)

	ret, err = e.ExecProvider(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, "echo: weather?", ret.Body.Text())
	assert.Equal(t, 3, e.Calls())
}

func TestScriptExhausted(t *testing.T) {
	e := NewExecutor(Script{})
	_, err := e.ExecProvider(context.Background(), request())
	assert.ErrorIs(t, err, ErrScriptExhausted)
}

func TestScriptedStream(t *testing.T) {
	s, err := ParseScript([]byte(weatherScript))
	require.NoError(t, err)
	e := NewExecutor(s, WithStreaming(true))

	_, ok := NewExecutor(s).StreamingAdapter(request())
	assert.False(t, ok)
	adapter, ok := e.StreamingAdapter(request())
	require.True(t, ok)

	var deltas []*engine.Return
	for d, err := range adapter.Stream(context.Background(), request(), engine.StreamingOptions{}) {
		require.NoError(t, err)
		deltas = append(deltas, d)
	}
	require.Len(t, deltas, 4, "three words and one tool call")
	assert.Equal(t, "Let", deltas[0].Body.Text())
	assert.Equal(t, " me", deltas[1].Body.Text())
	assert.Equal(t, "Let me", deltas[1].Snapshot.Text())
	last := deltas[3]
	assert.Equal(t, interaction.KindToolCall, last.Body.Last().Kind())
	assert.Equal(t, 1, last.Snapshot.PendingToolCallsCount())
	assert.Equal(t, "Let me check.", last.Snapshot.Text())
}

func TestScriptedStreamStopsEarly(t *testing.T) {
	e := NewExecutor(Script{Turns: []Step{{Chunks: []string{"a", "b", "c"}}}}, WithStreaming(true))
	n := 0
	for range e.Stream(context.Background(), request(), engine.StreamingOptions{}) {
		n++
		if n == 2 {
			break
		}
	}
	assert.Equal(t, 2, n)
}

func TestParseScriptRejectsNamelessToolCall(t *testing.T) {
	_, err := ParseScript([]byte("turns:\n  - tool_calls:\n      - id: x\n"))
	require.Error(t, err)
}
