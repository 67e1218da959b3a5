package ollama

import (
	"context"
	"iter"
	"os"
	"strings"

	"github.com/jmorganca/ollama/api"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/palaver/pkg/helpers"
	"github.com/go-go-golems/palaver/pkg/inference/engine"
	"github.com/go-go-golems/palaver/pkg/interaction"
)

// errStopped aborts a chat whose consumer stopped iterating.
var errStopped = errors.New("stream consumer stopped")

// Config holds the server address and the model options sent with every
// chat. Unset options are left to the model defaults.
type Config struct {
	// Host overrides OLLAMA_HOST.
	Host         string `yaml:"-" mapstructure:"host"`
	DefaultModel string `yaml:"-" mapstructure:"default_model"`

	Temperature   *float64 `yaml:"temperature,omitempty" mapstructure:"temperature"`
	TopP          *float64 `yaml:"top_p,omitempty" mapstructure:"top_p"`
	TopK          *int     `yaml:"top_k,omitempty" mapstructure:"top_k"`
	NumCtx        *int     `yaml:"num_ctx,omitempty" mapstructure:"num_ctx"`
	NumPredict    *int     `yaml:"num_predict,omitempty" mapstructure:"num_predict"`
	RepeatPenalty *float64 `yaml:"repeat_penalty,omitempty" mapstructure:"repeat_penalty"`
	Seed          *int     `yaml:"seed,omitempty" mapstructure:"seed"`
}

func DefaultConfig() Config {
	return Config{DefaultModel: "llama3"}
}

// options converts the set model options into the map the API expects.
func (c Config) options() (map[string]interface{}, error) {
	b, err := yaml.Marshal(c)
	if err != nil {
		return nil, errors.Wrap(err, "could not encode ollama options")
	}
	out := map[string]interface{}{}
	if err := yaml.Unmarshal(b, &out); err != nil {
		return nil, errors.Wrap(err, "could not decode ollama options")
	}
	return out, nil
}

// Capabilities is what the ollama chat endpoint offers. It has no tool
// calling.
func Capabilities() engine.CapabilitySet {
	return engine.CapabilitySet{engine.CapabilityChat, engine.CapabilityStreaming, engine.CapabilityJSONOutput}
}

// Executor talks to an ollama server. Its client reports chunks through a
// callback; Stream turns them into a sequence.
type Executor struct {
	client *api.Client
	cfg    Config
}

var _ engine.Executor = (*Executor)(nil)
var _ engine.StreamingAdapter = (*Executor)(nil)

func New(cfg Config) (*Executor, error) {
	if cfg.Host != "" {
		if err := os.Setenv("OLLAMA_HOST", cfg.Host); err != nil {
			return nil, errors.Wrap(err, "could not set OLLAMA_HOST")
		}
	}
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return nil, errors.Wrap(err, "could not create ollama client")
	}
	return &Executor{client: client, cfg: cfg}, nil
}

func (e *Executor) chatRequest(req *engine.Request, stream bool) (*api.ChatRequest, error) {
	model := req.Model
	if model == "" {
		model = e.cfg.DefaultModel
	}
	if model == "" {
		return nil, errors.New("no model specified")
	}
	if len(req.Tools) > 0 {
		log.Warn().Str("model", model).Int("tools", len(req.Tools)).Msg("ollama: tools are not supported, ignoring them")
	}
	opts, err := e.cfg.options()
	if err != nil {
		return nil, err
	}
	out := &api.ChatRequest{
		Model:    model,
		Messages: messages(req.Body.ProviderInteractions()),
		Stream:   &stream,
		Options:  opts,
	}
	if req.Body.JSONOutputSchema != nil {
		out.Format = "json"
	}
	return out, nil
}

// messages renders the history for a chat. Tool interactions have no
// native representation and are sent as text.
func messages(items []interaction.Interaction) []api.Message {
	var out []api.Message
	for _, it := range items {
		switch v := it.(type) {
		case interaction.Text:
			if strings.TrimSpace(v.Content) == "" {
				continue
			}
			out = append(out, api.Message{Role: role(v.Role), Content: v.Content})
		case interaction.ToolCall:
			out = append(out, api.Message{Role: "assistant", Content: interaction.Describe(v)})
		case interaction.ToolResult:
			out = append(out, api.Message{Role: "user", Content: interaction.Describe(v)})
		}
	}
	return out
}

func role(a interaction.Agent) string {
	switch a {
	case interaction.AgentUser:
		return "user"
	case interaction.AgentAssistant:
		return "assistant"
	default:
		return "system"
	}
}

func (e *Executor) ExecProvider(ctx context.Context, req *engine.Request) (*engine.Return, error) {
	creq, err := e.chatRequest(req, false)
	if err != nil {
		return engine.NewErrorReturn(engine.ErrorKindValidation, err), nil
	}
	var text strings.Builder
	var final *api.ChatResponse
	err = e.client.Chat(ctx, creq, func(resp api.ChatResponse) error {
		if resp.Message != nil {
			text.WriteString(resp.Message.Content)
		}
		if resp.Done {
			final = &resp
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "ollama chat failed")
	}
	if text.Len() == 0 {
		return nil, errors.Wrap(engine.ErrNoResponse, "empty ollama reply")
	}

	produced := []interaction.Interaction{interaction.NewAssistantText(text.String())}
	ret := engine.NewReturn(produced...)
	ret.Metrics = metrics(req, final, produced)
	return ret, nil
}

func (e *Executor) StreamingAdapter(*engine.Request) (engine.StreamingAdapter, bool) {
	return e, true
}

// Stream runs the chat on the caller's goroutine and yields from inside the
// client callback. A consumer that stops iterating aborts the request.
func (e *Executor) Stream(ctx context.Context, req *engine.Request, opts engine.StreamingOptions) iter.Seq2[*engine.Return, error] {
	return func(yield func(*engine.Return, error) bool) {
		creq, err := e.chatRequest(req, true)
		if err != nil {
			yield(nil, err)
			return
		}
		sctx, touch, stop := engine.ChunkWatchdog(ctx, opts.ChunkTimeout)
		defer stop()

		var text strings.Builder
		stopped := false
		chunks := 0
		err = e.client.Chat(sctx, creq, func(resp api.ChatResponse) error {
			touch()
			chunks++
			if resp.Message != nil && resp.Message.Content != "" {
				text.WriteString(resp.Message.Content)
				d := &engine.Return{
					Status:   engine.StatusStreaming,
					Body:     interaction.NewBody(interaction.NewAssistantText(resp.Message.Content)),
					Snapshot: interaction.NewBody(interaction.NewAssistantText(text.String())),
				}
				if !yield(d, nil) {
					stopped = true
					return errStopped
				}
			}
			if resp.Done && opts.IncludeUsage && text.Len() > 0 {
				produced := []interaction.Interaction{interaction.NewAssistantText(text.String())}
				d := &engine.Return{
					Status:   engine.StatusStreaming,
					Body:     interaction.NewBody(),
					Snapshot: interaction.NewBody(produced...),
					Metrics:  metrics(req, &resp, produced),
				}
				if !yield(d, nil) {
					stopped = true
					return errStopped
				}
			}
			return nil
		})
		if stopped {
			return
		}
		if err != nil {
			log.Debug().Err(err).Int("chunks", chunks).Msg("ollama: stream failed")
			yield(nil, errors.Wrap(engine.StreamCause(sctx, err), "ollama stream failed"))
			return
		}
		log.Debug().Int("chunks", chunks).Int("text_length", text.Len()).Msg("ollama: stream complete")
	}
}

func (e *Executor) NormalizeDelta(raw *engine.Return) *engine.Return {
	return raw
}

func metrics(req *engine.Request, final *api.ChatResponse, produced []interaction.Interaction) interaction.Metrics {
	if final == nil || (final.PromptEvalCount == 0 && final.EvalCount == 0) {
		return helpers.EstimateMetrics(req.Model, req.Body.ProviderInteractions(), produced)
	}
	return interaction.Metrics{
		InputTokens:  final.PromptEvalCount,
		OutputTokens: final.EvalCount,
		TotalTokens:  final.PromptEvalCount + final.EvalCount,
		Duration:     final.TotalDuration,
	}
}
