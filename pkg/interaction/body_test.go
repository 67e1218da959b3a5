package interaction

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendClearsPreviousNewMarks(t *testing.T) {
	b := NewBody(NewSystemText("sys"), NewUserText("hi"))
	require.Len(t, b.NewInteractions(), 2)

	b.Append(NewAssistantText("hello"))
	newItems := b.NewInteractions()
	require.Len(t, newItems, 1)
	assert.Equal(t, NewAssistantText("hello"), newItems[0])
	assert.False(t, b.IsNew(0))
	assert.True(t, b.IsNew(2))
	assert.Equal(t, 3, b.Len())
}

func TestReplaceMarksEverythingNew(t *testing.T) {
	b := NewHistoricalBody(NewUserText("a"), NewAssistantText("b"))
	assert.Empty(t, b.NewInteractions())

	b.Replace(NewUserText("c"))
	assert.Equal(t, 1, b.Len())
	assert.Len(t, b.NewInteractions(), 1)
}

func TestPendingToolCalls(t *testing.T) {
	b := NewBody(
		NewUserText("weather?"),
		NewToolCall("1", "weather", map[string]any{"city": "Paris"}),
		NewToolCall("2", "time", nil),
		NewToolResult("1", "weather", "sunny"),
	)
	pending := b.PendingToolCalls()
	require.Len(t, pending, 1)
	assert.Equal(t, "2", pending[0].ID)

	// same id, different name does not answer the call
	b.Append(NewToolResult("2", "weather", "nope"))
	assert.Equal(t, 1, b.PendingToolCallsCount())

	b.Append(NewToolResult("2", "time", "noon"))
	assert.Equal(t, 0, b.PendingToolCallsCount())
}

func TestCloneDoesNotAliasArguments(t *testing.T) {
	args := map[string]any{"city": "Paris"}
	b := NewBody(NewToolCall("1", "weather", args))
	b.ToolFilter = &ToolFilter{Allow: []string{"weather"}}

	c := b.Clone()
	args["city"] = "Berlin"
	b.ToolFilter.Allow[0] = "other"

	call := c.Interactions()[0].(ToolCall)
	assert.Equal(t, "Paris", call.Arguments["city"])
	assert.Equal(t, []string{"weather"}, c.ToolFilter.Allow)
	assert.True(t, c.IsNew(0))
}

func TestTagNewOnlyStampsMissingTurnIDs(t *testing.T) {
	b := NewHistoricalBody(NewUserText("old"))
	b.Append(NewAssistantText("a"), NewAssistantText("b").WithTurnID("keep"))
	b.TagNew("t1")

	items := b.Interactions()
	assert.Equal(t, "", items[0].TurnID())
	assert.Equal(t, "t1", items[1].TurnID())
	assert.Equal(t, "keep", items[2].TurnID())
}

func TestLastAssistantText(t *testing.T) {
	b := NewBody(NewUserText("q"), NewAssistantText("first"), NewToolCall("1", "x", nil))
	s, ok := b.LastAssistantText()
	require.True(t, ok)
	assert.Equal(t, "first", s)
	assert.Equal(t, "first", b.Text())

	var empty *Body
	assert.Equal(t, "", empty.Text())
	assert.Nil(t, empty.Last())
}

func TestProviderInteractionsContextFilter(t *testing.T) {
	b := NewBody(
		NewContextText("c1"),
		NewUserText("u"),
		NewContextText("c2"),
		NewContextText("c3"),
	)
	b.ContextFilter = &ContextFilter{MaxItems: 2}
	got := b.ProviderInteractions()
	require.Len(t, got, 3)
	assert.Equal(t, NewUserText("u"), got[0])
	assert.Equal(t, NewContextText("c2"), got[1])
	assert.Equal(t, NewContextText("c3"), got[2])

	b.ContextFilter = &ContextFilter{Exclude: true}
	assert.Equal(t, []Interaction{NewUserText("u")}, b.ProviderInteractions())

	// the full history is untouched by the filter
	assert.Equal(t, 4, b.Len())
}
