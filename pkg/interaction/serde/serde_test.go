package serde

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/palaver/pkg/interaction"
)

func TestYAMLRoundTripHistory(t *testing.T) {
	b := interaction.NewBody(
		interaction.NewSystemText("be brief"),
		interaction.NewUserText("weather in Paris?").WithTurnID("t1"),
		interaction.NewToolCall("c1", "weather", map[string]any{"city": "Paris"}).WithTurnID("t1"),
		interaction.NewToolResult("c1", "weather", "sunny").WithTurnID("t1"),
		interaction.NewAssistantText("It is sunny.").WithTurnID("t2").WithMetrics(interaction.Metrics{
			InputTokens: 10, OutputTokens: 4, TotalTokens: 14, Duration: 1500 * time.Millisecond,
		}),
	)
	b.ToolFilter = &interaction.ToolFilter{Allow: []string{"weather"}}

	data, err := ToYAML(b, Options{})
	require.NoError(t, err)
	assert.Contains(t, string(data), "kind: tool_call")

	back, err := FromYAML(data)
	require.NoError(t, err)
	require.Equal(t, b.Len(), back.Len())
	assert.Empty(t, back.NewInteractions(), "loaded history is historical")
	assert.Equal(t, []string{"weather"}, back.ToolFilter.Allow)

	got := back.Interactions()
	for i, want := range b.Interactions() {
		assert.Equal(t, want.Kind(), got[i].Kind())
		assert.Equal(t, want.Agent(), got[i].Agent())
		assert.Equal(t, want.TurnID(), got[i].TurnID())
	}
	assert.Equal(t, 1500*time.Millisecond, got[4].Metrics().Duration)
	call := got[2].(interaction.ToolCall)
	assert.Equal(t, "Paris", call.Arguments["city"])
	assert.Equal(t, 0, back.PendingToolCallsCount())
}

func TestFromYAMLRejectsUnknownKind(t *testing.T) {
	_, err := FromYAML([]byte("interactions:\n  - kind: image\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "interaction 0")

	_, err = FromYAML([]byte("interactions:\n  - kind: text\n    agent: tool_call\n"))
	require.Error(t, err)
}

func TestOmitOptions(t *testing.T) {
	b := interaction.NewBody(interaction.NewAssistantText("x").WithMetrics(interaction.Metrics{TotalTokens: 3}))
	b.ContextFilter = &interaction.ContextFilter{Exclude: true}
	data, err := ToYAML(b, Options{OmitMetrics: true, OmitFilters: true})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "metrics")
	assert.NotContains(t, string(data), "context_filter")
}

func TestSaveAndLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.yaml")
	b := interaction.NewBody(interaction.NewUserText("hi"))
	require.NoError(t, SaveYAML(path, b, Options{}))

	back, err := LoadYAML(path)
	require.NoError(t, err)
	assert.Equal(t, "hi", back.Interactions()[0].(interaction.Text).Content)
}
