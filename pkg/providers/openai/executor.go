package openai

import (
	"context"
	"io"
	"iter"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	go_openai "github.com/sashabaranov/go-openai"

	"github.com/go-go-golems/palaver/pkg/helpers"
	"github.com/go-go-golems/palaver/pkg/inference/engine"
	"github.com/go-go-golems/palaver/pkg/interaction"
)

var ErrMissingAPIKey = errors.New("no openai API key configured")

// Config holds the client and sampling settings of the OpenAI executor.
// Zero sampling values are left to the server defaults.
type Config struct {
	APIKey       string  `yaml:"api_key" mapstructure:"api_key"`
	BaseURL      string  `yaml:"base_url" mapstructure:"base_url"`
	DefaultModel string  `yaml:"default_model" mapstructure:"default_model"`
	Temperature  float32 `yaml:"temperature" mapstructure:"temperature"`
	TopP         float32 `yaml:"top_p" mapstructure:"top_p"`
	MaxTokens    int     `yaml:"max_tokens" mapstructure:"max_tokens"`
}

func DefaultConfig() Config {
	return Config{BaseURL: "https://api.openai.com/v1", DefaultModel: "gpt-4o-mini"}
}

// Capabilities is what chat completion models offer.
func Capabilities() engine.CapabilitySet {
	return engine.CapabilitySet{
		engine.CapabilityChat,
		engine.CapabilityTools,
		engine.CapabilityStreaming,
		engine.CapabilityJSONOutput,
	}
}

// Executor calls the chat completions API of OpenAI or of a compatible
// server. It streams natively.
type Executor struct {
	client *go_openai.Client
	cfg    Config
}

var _ engine.Executor = (*Executor)(nil)
var _ engine.StreamingAdapter = (*Executor)(nil)

func New(cfg Config) (*Executor, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	c := go_openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		c.BaseURL = cfg.BaseURL
	}
	return &Executor{client: go_openai.NewClientWithConfig(c), cfg: cfg}, nil
}

func (e *Executor) ExecProvider(ctx context.Context, req *engine.Request) (*engine.Return, error) {
	creq, err := MakeCompletionRequest(e.cfg, req, false)
	if err != nil {
		return engine.NewErrorReturn(engine.ErrorKindValidation, err), nil
	}
	resp, err := e.client.CreateChatCompletion(ctx, *creq)
	if err != nil {
		return nil, errors.Wrap(err, "chat completion failed")
	}
	if len(resp.Choices) == 0 {
		return nil, errors.Wrap(engine.ErrNoResponse, "no choices in chat completion")
	}

	msg := resp.Choices[0].Message
	produced := interactionsFromMessage(msg.Content, msg.ToolCalls)
	ret := engine.NewReturn(produced...)
	ret.Metrics = usageOrEstimate(req, &resp.Usage, produced)
	log.Debug().Str("model", creq.Model).Str("finish_reason", string(resp.Choices[0].FinishReason)).
		Int("tool_calls", len(msg.ToolCalls)).Int("tokens", ret.Metrics.TotalTokens).Msg("openai: completion received")
	return ret, nil
}

func (e *Executor) StreamingAdapter(*engine.Request) (engine.StreamingAdapter, bool) {
	return e, true
}

// Stream yields one delta per text chunk. Tool calls are assembled from
// their fragments and yielded once the stream ended, one delta each, so
// their arguments are complete. Every delta carries the turn so far as
// Snapshot.
func (e *Executor) Stream(ctx context.Context, req *engine.Request, opts engine.StreamingOptions) iter.Seq2[*engine.Return, error] {
	return func(yield func(*engine.Return, error) bool) {
		creq, err := MakeCompletionRequest(e.cfg, req, true)
		if err != nil {
			yield(nil, err)
			return
		}
		if opts.IncludeUsage {
			creq.StreamOptions = &go_openai.StreamOptions{IncludeUsage: true}
		}

		sctx, touch, stop := engine.ChunkWatchdog(ctx, opts.ChunkTimeout)
		defer stop()
		stream, err := e.client.CreateChatCompletionStream(sctx, *creq)
		if err != nil {
			yield(nil, errors.Wrap(engine.StreamCause(sctx, err), "could not open stream"))
			return
		}
		defer func() {
			if err := stream.Close(); err != nil {
				log.Debug().Err(err).Msg("openai: failed to close stream")
			}
		}()

		var text strings.Builder
		merger := NewToolCallMerger()
		var usage *go_openai.Usage
		chunks := 0
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				log.Debug().Err(err).Int("chunks", chunks).Msg("openai: stream receive failed")
				yield(nil, engine.StreamCause(sctx, err))
				return
			}
			touch()
			chunks++
			if resp.Usage != nil {
				usage = resp.Usage
			}
			if len(resp.Choices) == 0 {
				continue
			}
			delta := resp.Choices[0].Delta
			if len(delta.ToolCalls) > 0 {
				merger.AddToolCalls(delta.ToolCalls)
			}
			if delta.Content == "" {
				continue
			}
			text.WriteString(delta.Content)
			d := &engine.Return{
				Status:   engine.StatusStreaming,
				Body:     interaction.NewBody(interaction.NewAssistantText(delta.Content)),
				Snapshot: interaction.NewBody(interactionsFromMessage(text.String(), nil)...),
			}
			if !yield(d, nil) {
				return
			}
		}

		calls := merger.GetToolCalls()
		for i, c := range calls {
			d := &engine.Return{
				Status:   engine.StatusStreaming,
				Body:     interaction.NewBody(toolCall(c)),
				Snapshot: interaction.NewBody(interactionsFromMessage(text.String(), calls[:i+1])...),
			}
			if !yield(d, nil) {
				return
			}
		}

		produced := interactionsFromMessage(text.String(), calls)
		log.Debug().Int("chunks", chunks).Int("text_length", text.Len()).Int("tool_calls", len(calls)).
			Msg("openai: stream complete")
		if opts.IncludeUsage && len(produced) > 0 {
			yield(&engine.Return{
				Status:   engine.StatusStreaming,
				Body:     interaction.NewBody(),
				Snapshot: interaction.NewBody(produced...),
				Metrics:  usageOrEstimate(req, usage, produced),
			}, nil)
		}
	}
}

func (e *Executor) NormalizeDelta(raw *engine.Return) *engine.Return {
	return raw
}

func usageOrEstimate(req *engine.Request, u *go_openai.Usage, produced []interaction.Interaction) interaction.Metrics {
	if u != nil && (u.PromptTokens > 0 || u.CompletionTokens > 0) {
		return metricsFromUsage(*u)
	}
	return helpers.EstimateMetrics(req.Model, req.Body.ProviderInteractions(), produced)
}
