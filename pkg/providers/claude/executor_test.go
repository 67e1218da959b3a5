package claude

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/palaver/pkg/inference/engine"
	"github.com/go-go-golems/palaver/pkg/interaction"
)

func request(items ...interaction.Interaction) *engine.Request {
	return &engine.Request{Provider: "claude", Model: "claude-test", Body: interaction.NewBody(items...)}
}

func TestExecProviderConvertsContentBlocks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-Api-Key"))
		var body map[string]any
		b, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(b, &body))
		assert.Equal(t, "claude-test", body["model"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "msg_1", "type": "message", "role": "assistant", "model": "claude-test",
			"content": [
				{"type": "text", "text": "Let me look."},
				{"type": "tool_use", "id": "tu_1", "name": "get_weather", "input": {"city": "Paris"}}
			],
			"stop_reason": "tool_use",
			"usage": {"input_tokens": 10, "output_tokens": 5}
		}`)
	}))
	defer srv.Close()

	e, err := New(Config{APIKey: "test-key", BaseURL: srv.URL})
	require.NoError(t, err)

	ret := engine.Invoke(context.Background(), e, request(interaction.NewUserText("weather?")))
	require.False(t, ret.IsError(), ret.ErrorMessage)
	assert.Equal(t, engine.StatusCallingTools, ret.Status)
	items := ret.Interactions()
	require.Len(t, items, 2)
	assert.Equal(t, "Let me look.", items[0].(interaction.Text).Content)
	call := items[1].(interaction.ToolCall)
	assert.Equal(t, "tu_1", call.ID)
	assert.Equal(t, "Paris", call.Arguments["city"])
	assert.Equal(t, 15, ret.Metrics.TotalTokens)
}

func TestExecutorHasNoStreamingAdapter(t *testing.T) {
	e, err := New(Config{APIKey: "k"})
	require.NoError(t, err)
	_, ok := e.StreamingAdapter(request())
	assert.False(t, ok)

	_, err = New(Config{})
	assert.ErrorIs(t, err, ErrMissingAPIKey)
}

func TestMakeMessageParamsMergesRoles(t *testing.T) {
	req := request(
		interaction.NewSystemText("be brief"),
		interaction.NewContextText("user is in Europe"),
		interaction.NewUserText("weather in Paris and Rome?"),
		interaction.NewAssistantText("Checking."),
		interaction.NewToolCall("a", "get_weather", map[string]any{"city": "Paris"}),
		interaction.NewToolCall("b", "get_weather", nil),
		interaction.NewToolResult("a", "get_weather", "sunny"),
		interaction.NewToolError("b", "get_weather", "no city"),
		interaction.NewUserText("thanks"),
	)
	req.Tools = []engine.ToolSpec{{Name: "get_weather", Description: "Weather for a city"}}

	params, err := MakeMessageParams(DefaultConfig(), req)
	require.NoError(t, err)
	require.Len(t, params.System, 2)

	msgs := params.Messages
	require.Len(t, msgs, 3)
	assert.Equal(t, "user", string(msgs[0].Role))
	assert.Equal(t, "assistant", string(msgs[1].Role))
	require.Len(t, msgs[1].Content, 3)
	require.NotNil(t, msgs[1].Content[1].OfToolUse)
	assert.Equal(t, "a", msgs[1].Content[1].OfToolUse.ID)

	assert.Equal(t, "user", string(msgs[2].Role))
	require.Len(t, msgs[2].Content, 3)
	require.NotNil(t, msgs[2].Content[1].OfToolResult)
	assert.Equal(t, "b", msgs[2].Content[1].OfToolResult.ToolUseID)

	require.Len(t, params.Tools, 1)
	assert.Equal(t, "get_weather", params.Tools[0].OfTool.Name)
	assert.EqualValues(t, defaultMaxTokens, params.MaxTokens)
}

func TestMakeMessageParamsNeedsAConversation(t *testing.T) {
	_, err := MakeMessageParams(DefaultConfig(), request(interaction.NewSystemText("only a prompt")))
	assert.Error(t, err)
}
