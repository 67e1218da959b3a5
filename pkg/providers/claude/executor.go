package claude

import (
	"context"
	"encoding/json"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/palaver/pkg/helpers"
	"github.com/go-go-golems/palaver/pkg/inference/engine"
	"github.com/go-go-golems/palaver/pkg/interaction"
)

const defaultMaxTokens = 4096

var ErrMissingAPIKey = errors.New("no anthropic API key configured")

type Config struct {
	APIKey       string   `yaml:"api_key" mapstructure:"api_key"`
	BaseURL      string   `yaml:"base_url" mapstructure:"base_url"`
	DefaultModel string   `yaml:"default_model" mapstructure:"default_model"`
	MaxTokens    int      `yaml:"max_tokens" mapstructure:"max_tokens"`
	Temperature  *float64 `yaml:"temperature,omitempty" mapstructure:"temperature"`
}

func DefaultConfig() Config {
	return Config{DefaultModel: string(anthropic.ModelClaudeSonnet4_5_20250929), MaxTokens: defaultMaxTokens}
}

func Capabilities() engine.CapabilitySet {
	return engine.CapabilitySet{engine.CapabilityChat, engine.CapabilityTools}
}

// Executor calls the Anthropic messages API. It offers no streaming
// adapter; streamed sessions fall back to buffered turns.
type Executor struct {
	client anthropic.Client
	cfg    Config
}

var _ engine.Executor = (*Executor)(nil)

func New(cfg Config) (*Executor, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Executor{client: anthropic.NewClient(opts...), cfg: cfg}, nil
}

func (e *Executor) StreamingAdapter(*engine.Request) (engine.StreamingAdapter, bool) {
	return nil, false
}

func (e *Executor) ExecProvider(ctx context.Context, req *engine.Request) (*engine.Return, error) {
	params, err := MakeMessageParams(e.cfg, req)
	if err != nil {
		return engine.NewErrorReturn(engine.ErrorKindValidation, err), nil
	}
	msg, err := e.client.Messages.New(ctx, params)
	if err != nil {
		return nil, errors.Wrap(err, "anthropic messages call failed")
	}

	var produced []interaction.Interaction
	var text strings.Builder
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(b.Text)
		case anthropic.ToolUseBlock:
			produced = append(produced, toolCall(b))
		}
	}
	if text.Len() > 0 {
		produced = append([]interaction.Interaction{interaction.NewAssistantText(text.String())}, produced...)
	}
	if len(produced) == 0 {
		return nil, errors.Wrap(engine.ErrNoResponse, "empty anthropic reply")
	}

	ret := engine.NewReturn(produced...)
	if msg.Usage.InputTokens > 0 || msg.Usage.OutputTokens > 0 {
		ret.Metrics = interaction.Metrics{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
			TotalTokens:  int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		}
	} else {
		ret.Metrics = helpers.EstimateMetrics(req.Model, req.Body.ProviderInteractions(), produced)
	}
	log.Debug().Str("model", string(params.Model)).Str("stop_reason", string(msg.StopReason)).
		Int("produced", len(produced)).Msg("claude: message received")
	return ret, nil
}

func toolCall(b anthropic.ToolUseBlock) interaction.ToolCall {
	var args map[string]any
	raw, err := json.Marshal(b.Input)
	if err == nil {
		err = json.Unmarshal(raw, &args)
	}
	if err != nil {
		log.Warn().Err(err).Str("tool_id", b.ID).Msg("claude: tool input is not a JSON object")
	}
	return interaction.NewToolCall(b.ID, b.Name, args)
}

type turn struct {
	role   anthropic.MessageParamRole
	blocks []anthropic.ContentBlockParamUnion
}

// MakeMessageParams converts the provider view of req. System and context
// texts become the system prompt; consecutive interactions of the same
// role are merged into one message, as the API requires alternation.
func MakeMessageParams(cfg Config, req *engine.Request) (anthropic.MessageNewParams, error) {
	if req == nil || req.Body == nil {
		return anthropic.MessageNewParams{}, errors.New("no request body")
	}
	model := req.Model
	if model == "" {
		model = cfg.DefaultModel
	}
	if model == "" {
		return anthropic.MessageNewParams{}, errors.New("no model specified")
	}

	var system []anthropic.TextBlockParam
	var turns []turn
	add := func(role anthropic.MessageParamRole, block anthropic.ContentBlockParamUnion) {
		if n := len(turns); n > 0 && turns[n-1].role == role {
			turns[n-1].blocks = append(turns[n-1].blocks, block)
			return
		}
		turns = append(turns, turn{role: role, blocks: []anthropic.ContentBlockParamUnion{block}})
	}

	for _, it := range req.Body.ProviderInteractions() {
		switch v := it.(type) {
		case interaction.Text:
			if strings.TrimSpace(v.Content) == "" {
				continue
			}
			switch v.Role {
			case interaction.AgentUser:
				add(anthropic.MessageParamRoleUser, anthropic.NewTextBlock(v.Content))
			case interaction.AgentAssistant:
				add(anthropic.MessageParamRoleAssistant, anthropic.NewTextBlock(v.Content))
			default:
				system = append(system, anthropic.TextBlockParam{Text: v.Content})
			}
		case interaction.ToolCall:
			args := v.Arguments
			if args == nil {
				args = map[string]any{}
			}
			add(anthropic.MessageParamRoleAssistant, anthropic.NewToolUseBlock(v.ID, args, v.Name))
		case interaction.ToolResult:
			content, isError := resultContent(v)
			add(anthropic.MessageParamRoleUser, anthropic.NewToolResultBlock(v.ID, content, isError))
		}
	}
	if len(turns) == 0 {
		return anthropic.MessageNewParams{}, errors.New("no user or assistant message to send")
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
	}
	for _, t := range turns {
		params.Messages = append(params.Messages, anthropic.MessageParam{Role: t.role, Content: t.blocks})
	}
	if len(system) > 0 {
		params.System = system
	}
	if cfg.Temperature != nil {
		params.Temperature = anthropic.Float(*cfg.Temperature)
	}

	for _, spec := range req.Tools {
		schema, err := inputSchema(spec)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		tool := anthropic.ToolParam{Name: spec.Name, InputSchema: schema}
		if strings.TrimSpace(spec.Description) != "" {
			tool.Description = anthropic.String(spec.Description)
		}
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return params, nil
}

func inputSchema(spec engine.ToolSpec) (anthropic.ToolInputSchemaParam, error) {
	if spec.Parameters == nil {
		return anthropic.ToolInputSchemaParam{Type: "object"}, nil
	}
	data, err := json.Marshal(spec.Parameters)
	if err != nil {
		return anthropic.ToolInputSchemaParam{}, errors.Wrapf(err, "could not encode the schema of %s", spec.Name)
	}
	var schema anthropic.ToolInputSchemaParam
	if err := json.Unmarshal(data, &schema); err != nil {
		return anthropic.ToolInputSchemaParam{}, errors.Wrapf(err, "could not convert the schema of %s", spec.Name)
	}
	if schema.Type == "" {
		schema.Type = "object"
	}
	return schema, nil
}

func resultContent(r interaction.ToolResult) (string, bool) {
	if r.Error != "" {
		return r.Error, true
	}
	switch v := r.Result.(type) {
	case nil:
		return "", false
	case string:
		return v, false
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", false
		}
		return string(b), false
	}
}
