package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	go_openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/palaver/pkg/inference/engine"
	"github.com/go-go-golems/palaver/pkg/interaction"
)

// captured records the JSON bodies the test server received.
type captured struct {
	mu     sync.Mutex
	bodies []map[string]any
}

func (c *captured) all() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]map[string]any(nil), c.bodies...)
}

func newTestExecutor(t *testing.T, handler http.HandlerFunc) (*Executor, *captured) {
	c := &captured{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		b, err := io.ReadAll(r.Body)
		if assert.NoError(t, err) && assert.NoError(t, json.Unmarshal(b, &body)) {
			c.mu.Lock()
			c.bodies = append(c.bodies, body)
			c.mu.Unlock()
		}
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	e, err := New(Config{APIKey: "test-key", BaseURL: srv.URL})
	require.NoError(t, err)
	return e, c
}

func request(items ...interaction.Interaction) *engine.Request {
	return &engine.Request{Provider: "openai", Model: "gpt-4o-mini", Body: interaction.NewBody(items...)}
}

func TestNewRequiresAPIKey(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrMissingAPIKey)
}

func TestExecProviderConvertsTextAndToolCalls(t *testing.T) {
	e, bodies := newTestExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "cmpl-1", "object": "chat.completion",
			"choices": [{"index": 0, "finish_reason": "tool_calls", "message": {
				"role": "assistant", "content": "Let me check.",
				"tool_calls": [{"id": "call_1", "type": "function",
					"function": {"name": "get_weather", "arguments": "{\"city\":\"Paris\"}"}}]
			}}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 7, "total_tokens": 19}
		}`)
	})

	ret := engine.Invoke(context.Background(), e, request(interaction.NewUserText("weather?")))
	require.False(t, ret.IsError(), ret.ErrorMessage)
	assert.Equal(t, engine.StatusCallingTools, ret.Status)

	items := ret.Interactions()
	require.Len(t, items, 2)
	assert.Equal(t, "Let me check.", items[0].(interaction.Text).Content)
	call := items[1].(interaction.ToolCall)
	assert.Equal(t, "call_1", call.ID)
	assert.Equal(t, "Paris", call.Arguments["city"])
	assert.Equal(t, 19, ret.Metrics.TotalTokens)
	assert.False(t, ret.Metrics.Estimated)

	sent := bodies.all()
	require.Len(t, sent, 1)
	assert.NotEqual(t, true, sent[0]["stream"])
	assert.Equal(t, "gpt-4o-mini", sent[0]["model"])
}

func sse(w http.ResponseWriter, chunks ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, c := range chunks {
		_, _ = fmt.Fprintf(w, "data: %s\n\n", c)
	}
	_, _ = io.WriteString(w, "data: [DONE]\n\n")
}

func TestStreamAssemblesToolCallFragments(t *testing.T) {
	e, bodies := newTestExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		sse(w,
			`{"id":"c","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"role":"assistant","content":"Checking"}}]}`,
			`{"id":"c","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":" now"}}]}`,
			`{"id":"c","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_9","type":"function","function":{"name":"get_weather","arguments":""}}]}}]}`,
			`{"id":"c","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"city\":"}}]}}]}`,
			`{"id":"c","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"Rome\"}"}}]}}]}`,
			`{"id":"c","object":"chat.completion.chunk","choices":[],"usage":{"prompt_tokens":5,"completion_tokens":9,"total_tokens":14}}`,
		)
	})

	var deltas []*engine.Return
	for d, err := range e.Stream(context.Background(), request(interaction.NewUserText("weather?")), engine.DefaultStreamingOptions()) {
		require.NoError(t, err)
		deltas = append(deltas, d)
	}
	require.Len(t, deltas, 4)
	assert.Equal(t, "Checking", deltas[0].Body.Text())
	assert.Equal(t, " now", deltas[1].Body.Text())
	assert.Equal(t, "Checking now", deltas[1].Snapshot.Text())

	call := deltas[2].Body.Last().(interaction.ToolCall)
	assert.Equal(t, "call_9", call.ID)
	assert.Equal(t, "Rome", call.Arguments["city"])
	assert.Equal(t, 2, deltas[2].Snapshot.Len())

	assert.Equal(t, 0, deltas[3].Body.Len())
	assert.Equal(t, 14, deltas[3].Metrics.TotalTokens)

	sent := bodies.all()
	require.Len(t, sent, 1)
	assert.Equal(t, true, sent[0]["stream"])
	assert.NotNil(t, sent[0]["stream_options"])
}

func TestStreamReportsServerErrors(t *testing.T) {
	e, _ := newTestExecutor(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"error":{"message":"overloaded","type":"server_error"}}`)
	})

	var errs []error
	for _, err := range e.Stream(context.Background(), request(interaction.NewUserText("hi")), engine.StreamingOptions{}) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	require.Len(t, errs, 1)
	assert.True(t, strings.Contains(errs[0].Error(), "overloaded"))
}

func TestMakeCompletionRequestGroupsToolCalls(t *testing.T) {
	req := request(
		interaction.NewSystemText("be brief"),
		interaction.NewUserText("weather in Paris and Rome?"),
		interaction.NewAssistantText("Checking both."),
		interaction.NewToolCall("a", "get_weather", map[string]any{"city": "Paris"}),
		interaction.NewToolCall("b", "get_weather", map[string]any{"city": "Rome"}),
		interaction.NewToolResult("a", "get_weather", map[string]any{"sky": "clear"}),
		interaction.NewToolError("b", "get_weather", "station offline"),
		interaction.NewContextText("user is in Europe"),
		interaction.NewUserText("   "),
	)
	req.Tools = []engine.ToolSpec{{Name: "get_weather", Description: "Weather for a city"}}
	req.Body.JSONOutputSchema = map[string]any{"type": "object"}

	creq, err := MakeCompletionRequest(DefaultConfig(), req, false)
	require.NoError(t, err)

	msgs := creq.Messages
	require.Len(t, msgs, 6)
	assert.Equal(t, "system", msgs[0].Role)
	assert.Equal(t, "user", msgs[1].Role)
	assert.Equal(t, "assistant", msgs[2].Role)
	assert.Equal(t, "Checking both.", msgs[2].Content)
	require.Len(t, msgs[2].ToolCalls, 2)
	assert.JSONEq(t, `{"city":"Rome"}`, msgs[2].ToolCalls[1].Function.Arguments)
	assert.Equal(t, "tool", msgs[3].Role)
	assert.Equal(t, "a", msgs[3].ToolCallID)
	assert.JSONEq(t, `{"sky":"clear"}`, msgs[3].Content)
	assert.JSONEq(t, `{"error":"station offline"}`, msgs[4].Content)
	assert.Equal(t, "system", msgs[5].Role)

	require.Len(t, creq.Tools, 1)
	assert.Equal(t, "auto", creq.ToolChoice)
	require.NotNil(t, creq.ResponseFormat)
	assert.Equal(t, "response", creq.ResponseFormat.JSONSchema.Name)
}

func TestMakeCompletionRequestUsesCompletionTokensForReasoningModels(t *testing.T) {
	req := request(interaction.NewUserText("think"))
	req.Model = "o3-mini"
	creq, err := MakeCompletionRequest(Config{MaxTokens: 100, Temperature: 0.3}, req, false)
	require.NoError(t, err)
	assert.Equal(t, 100, creq.MaxCompletionTokens)
	assert.Zero(t, creq.MaxTokens)
	assert.Zero(t, creq.Temperature)
}

func TestToolCallMergerOrdersByIndex(t *testing.T) {
	zero, one := 0, 1
	m := NewToolCallMerger()
	m.AddToolCalls(nil)
	assert.Equal(t, 0, m.Len())

	m.AddToolCalls([]go_openai.ToolCall{
		{Index: &one, ID: "second"},
		{Index: &zero, ID: "first"},
	})
	calls := m.GetToolCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, "first", calls[0].ID)
	assert.Equal(t, "second", calls[1].ID)
}
