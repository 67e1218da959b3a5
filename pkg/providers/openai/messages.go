package openai

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	go_openai "github.com/sashabaranov/go-openai"

	"github.com/go-go-golems/palaver/pkg/inference/engine"
	"github.com/go-go-golems/palaver/pkg/interaction"
)

func isReasoningModel(model string) bool {
	m := strings.ToLower(strings.TrimSpace(model))
	return strings.HasPrefix(m, "o1") ||
		strings.HasPrefix(m, "o3") ||
		strings.HasPrefix(m, "o4") ||
		strings.HasPrefix(m, "gpt-5")
}

// MakeCompletionRequest builds a chat completion request from the provider
// view of req. Consecutive tool calls are grouped into one assistant
// message, which absorbs a directly preceding assistant text.
func MakeCompletionRequest(cfg Config, req *engine.Request, stream bool) (*go_openai.ChatCompletionRequest, error) {
	if req == nil || req.Body == nil {
		return nil, errors.New("no request body")
	}
	model := req.Model
	if model == "" {
		model = cfg.DefaultModel
	}
	if model == "" {
		return nil, errors.New("no model specified")
	}

	var msgs []go_openai.ChatCompletionMessage
	open := -1 // index of the assistant message collecting tool calls
	for _, it := range req.Body.ProviderInteractions() {
		switch v := it.(type) {
		case interaction.Text:
			text := strings.TrimSpace(v.Content)
			if text == "" {
				continue
			}
			msgs = append(msgs, go_openai.ChatCompletionMessage{Role: role(v.Role), Content: text})
			open = -1

		case interaction.ToolCall:
			args := "{}"
			if len(v.Arguments) > 0 {
				b, err := json.Marshal(v.Arguments)
				if err != nil {
					return nil, errors.Wrapf(err, "could not encode arguments of tool call %s", v.ID)
				}
				args = string(b)
			}
			call := go_openai.ToolCall{
				ID:       v.ID,
				Type:     go_openai.ToolTypeFunction,
				Function: go_openai.FunctionCall{Name: v.Name, Arguments: args},
			}
			if open < 0 {
				last := len(msgs) - 1
				if last >= 0 && msgs[last].Role == go_openai.ChatMessageRoleAssistant {
					open = last
				} else {
					msgs = append(msgs, go_openai.ChatCompletionMessage{Role: go_openai.ChatMessageRoleAssistant})
					open = len(msgs) - 1
				}
			}
			msgs[open].ToolCalls = append(msgs[open].ToolCalls, call)

		case interaction.ToolResult:
			msgs = append(msgs, go_openai.ChatCompletionMessage{
				Role:       go_openai.ChatMessageRoleTool,
				Content:    resultString(v),
				ToolCallID: v.ID,
				Name:       v.Name,
			})
			open = -1
		}
	}

	out := &go_openai.ChatCompletionRequest{
		Model:    model,
		Messages: msgs,
		Stream:   stream,
	}
	if isReasoningModel(model) {
		out.MaxCompletionTokens = cfg.MaxTokens
	} else {
		out.MaxTokens = cfg.MaxTokens
		out.Temperature = cfg.Temperature
		out.TopP = cfg.TopP
	}

	for _, spec := range req.Tools {
		def := &go_openai.FunctionDefinition{Name: spec.Name, Description: spec.Description}
		if spec.Parameters != nil {
			def.Parameters = spec.Parameters
		} else {
			def.Parameters = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out.Tools = append(out.Tools, go_openai.Tool{Type: go_openai.ToolTypeFunction, Function: def})
	}
	if len(out.Tools) > 0 {
		out.ToolChoice = "auto"
	}

	if schema := req.Body.JSONOutputSchema; schema != nil {
		b, err := json.Marshal(schema)
		if err != nil {
			return nil, errors.Wrap(err, "could not encode the JSON output schema")
		}
		out.ResponseFormat = &go_openai.ChatCompletionResponseFormat{
			Type: go_openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &go_openai.ChatCompletionResponseFormatJSONSchema{
				Name:   "response",
				Schema: json.RawMessage(b),
			},
		}
	}

	log.Debug().Str("model", model).Int("messages", len(msgs)).Int("tools", len(out.Tools)).
		Bool("stream", stream).Msg("openai: request built")
	return out, nil
}

func role(a interaction.Agent) string {
	switch a {
	case interaction.AgentUser:
		return go_openai.ChatMessageRoleUser
	case interaction.AgentAssistant:
		return go_openai.ChatMessageRoleAssistant
	default:
		// system prompts and injected context
		return go_openai.ChatMessageRoleSystem
	}
}

func resultString(r interaction.ToolResult) string {
	if r.Error != "" {
		out := map[string]any{"error": r.Error}
		if r.Result != nil {
			out["result"] = r.Result
		}
		b, err := json.Marshal(out)
		if err != nil {
			return fmt.Sprintf(`{"error":%q}`, r.Error)
		}
		return string(b)
	}
	switch v := r.Result.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// interactionsFromMessage converts a response message into the
// interactions it holds: the text first, then the tool calls.
func interactionsFromMessage(content string, calls []go_openai.ToolCall) []interaction.Interaction {
	var out []interaction.Interaction
	if content != "" {
		out = append(out, interaction.NewAssistantText(content))
	}
	for _, c := range calls {
		out = append(out, toolCall(c))
	}
	return out
}

func toolCall(c go_openai.ToolCall) interaction.ToolCall {
	var args map[string]any
	if s := strings.TrimSpace(c.Function.Arguments); s != "" {
		if err := json.Unmarshal([]byte(s), &args); err != nil {
			log.Warn().Err(err).Str("tool_id", c.ID).Str("name", c.Function.Name).
				Msg("openai: tool call arguments are not a JSON object")
		}
	}
	return interaction.NewToolCall(c.ID, c.Function.Name, args)
}

func metricsFromUsage(u go_openai.Usage) interaction.Metrics {
	return interaction.Metrics{
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
		TotalTokens:  u.TotalTokens,
	}
}

// ToolCallMerger assembles streamed tool call fragments by their index.
type ToolCallMerger struct {
	toolCalls map[int]go_openai.ToolCall
}

func NewToolCallMerger() *ToolCallMerger {
	return &ToolCallMerger{toolCalls: make(map[int]go_openai.ToolCall)}
}

func (tcm *ToolCallMerger) AddToolCalls(toolCalls []go_openai.ToolCall) {
	for _, call := range toolCalls {
		index := 0
		if call.Index != nil {
			index = *call.Index
		}
		if existing, found := tcm.toolCalls[index]; found {
			if call.ID != "" {
				existing.ID = call.ID
			}
			existing.Function.Name += call.Function.Name
			existing.Function.Arguments += call.Function.Arguments
			tcm.toolCalls[index] = existing
		} else {
			tcm.toolCalls[index] = call
		}
	}
}

// GetToolCalls returns the merged calls ordered by index.
func (tcm *ToolCallMerger) GetToolCalls() []go_openai.ToolCall {
	indices := make([]int, 0, len(tcm.toolCalls))
	for i := range tcm.toolCalls {
		indices = append(indices, i)
	}
	sort.Ints(indices)
	result := make([]go_openai.ToolCall, 0, len(indices))
	for _, i := range indices {
		result = append(result, tcm.toolCalls[i])
	}
	return result
}

func (tcm *ToolCallMerger) Len() int {
	return len(tcm.toolCalls)
}
