package settings

import (
	"strings"
	"time"

	"github.com/huandu/go-clone"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/go-go-golems/palaver/pkg/inference/engine"
	"github.com/go-go-golems/palaver/pkg/inference/fixtures"
	"github.com/go-go-golems/palaver/pkg/inference/session"
	"github.com/go-go-golems/palaver/pkg/providers/claude"
	"github.com/go-go-golems/palaver/pkg/providers/ollama"
	"github.com/go-go-golems/palaver/pkg/providers/openai"
)

const (
	ProviderOpenAI   = "openai"
	ProviderOllama   = "ollama"
	ProviderClaude   = "claude"
	ProviderScripted = "scripted"
)

var ErrUnknownProvider = errors.New("unknown provider")

type RunSettings struct {
	MaxTurns         int  `yaml:"max_turns" mapstructure:"max_turns"`
	MaxToolPasses    int  `yaml:"max_tool_passes" mapstructure:"max_tool_passes"`
	ProcessTools     bool `yaml:"process_tools" mapstructure:"process_tools"`
	GenerateGreeting bool `yaml:"generate_greeting" mapstructure:"generate_greeting"`
	StrictJSONOutput bool `yaml:"strict_json_output" mapstructure:"strict_json_output"`
}

type StreamSettings struct {
	Enabled      bool          `yaml:"enabled" mapstructure:"enabled"`
	IncludeUsage bool          `yaml:"include_usage" mapstructure:"include_usage"`
	ChunkTimeout time.Duration `yaml:"chunk_timeout" mapstructure:"chunk_timeout"`
}

// ScriptedSettings configures the scripted provider. Without a file it
// echoes the last user message.
type ScriptedSettings struct {
	File      string `yaml:"file" mapstructure:"file"`
	Streaming bool   `yaml:"streaming" mapstructure:"streaming"`
}

type LogSettings struct {
	Level      string `yaml:"level" mapstructure:"level"`
	Format     string `yaml:"format" mapstructure:"format"`
	File       string `yaml:"file" mapstructure:"file"`
	WithCaller bool   `yaml:"with_caller" mapstructure:"with_caller"`
	// DebugEvents dumps every published event as JSON to stderr.
	DebugEvents bool `yaml:"debug_events" mapstructure:"debug_events"`
}

// Settings is everything the CLI needs to build a session.
type Settings struct {
	Provider     string                  `yaml:"provider" mapstructure:"provider"`
	Model        string                  `yaml:"model" mapstructure:"model"`
	SystemPrompt string                  `yaml:"system_prompt" mapstructure:"system_prompt"`
	Run          RunSettings             `yaml:"run" mapstructure:"run"`
	Stream       StreamSettings          `yaml:"stream" mapstructure:"stream"`
	Capabilities []engine.CapabilityRule `yaml:"capabilities" mapstructure:"capabilities"`
	Log          LogSettings             `yaml:"log" mapstructure:"log"`

	OpenAI   openai.Config    `yaml:"openai" mapstructure:"openai"`
	Ollama   ollama.Config    `yaml:"ollama" mapstructure:"ollama"`
	Claude   claude.Config    `yaml:"claude" mapstructure:"claude"`
	Scripted ScriptedSettings `yaml:"scripted" mapstructure:"scripted"`
}

func Default() *Settings {
	run := session.DefaultRunOptions()
	return &Settings{
		Provider: ProviderScripted,
		Run: RunSettings{
			MaxTurns:      run.MaxTurns,
			MaxToolPasses: run.MaxToolPasses,
			ProcessTools:  run.ProcessTools,
		},
		Stream: StreamSettings{IncludeUsage: engine.DefaultStreamingOptions().IncludeUsage},
		Log:    LogSettings{Level: "info", Format: "text"},
		OpenAI: openai.DefaultConfig(),
		Ollama: ollama.DefaultConfig(),
		Claude: claude.DefaultConfig(),
	}
}

// Load reads settings from v on top of the defaults.
func Load(v *viper.Viper) (*Settings, error) {
	s := Default()
	if v == nil {
		return s, nil
	}
	if err := v.Unmarshal(s); err != nil {
		return nil, errors.Wrap(err, "could not decode settings")
	}
	s.Provider = strings.ToLower(strings.TrimSpace(s.Provider))
	return s, nil
}

func (s *Settings) Clone() *Settings {
	if s == nil {
		return nil
	}
	return clone.Clone(s).(*Settings)
}

// ResolvedModel is the configured model, or the provider's default model.
func (s *Settings) ResolvedModel() string {
	if s.Model != "" {
		return s.Model
	}
	switch s.Provider {
	case ProviderOpenAI:
		return s.OpenAI.DefaultModel
	case ProviderOllama:
		return s.Ollama.DefaultModel
	case ProviderClaude:
		return s.Claude.DefaultModel
	case ProviderScripted:
		return "scripted"
	}
	return ""
}

// NewExecutor builds the configured provider.
func NewExecutor(s *Settings) (engine.Executor, error) {
	switch s.Provider {
	case ProviderOpenAI:
		return openai.New(s.OpenAI)
	case ProviderOllama:
		return ollama.New(s.Ollama)
	case ProviderClaude:
		return claude.New(s.Claude)
	case ProviderScripted:
		script := fixtures.Script{Echo: true}
		if s.Scripted.File != "" {
			var err error
			script, err = fixtures.LoadScript(s.Scripted.File)
			if err != nil {
				return nil, err
			}
		}
		return fixtures.NewExecutor(script, fixtures.WithStreaming(s.Scripted.Streaming)), nil
	}
	return nil, errors.Wrapf(ErrUnknownProvider, "%q", s.Provider)
}

// RunOptions maps the run section onto session options.
func RunOptions(s *Settings) session.RunOptions {
	return session.DefaultRunOptions().
		WithMaxTurns(s.Run.MaxTurns).
		WithMaxToolPasses(s.Run.MaxToolPasses).
		WithProcessTools(s.Run.ProcessTools).
		WithGenerateGreeting(s.Run.GenerateGreeting).
		WithStrictJSONOutput(s.Run.StrictJSONOutput)
}

func StreamingOptions(s *Settings) engine.StreamingOptions {
	return engine.StreamingOptions{
		IncludeUsage: s.Stream.IncludeUsage,
		ChunkTimeout: s.Stream.ChunkTimeout,
	}
}

// CapabilityResolver puts the configured rules ahead of what each built-in
// provider is known to support.
func CapabilityResolver(s *Settings) *engine.StaticCapabilities {
	rules := append([]engine.CapabilityRule{}, s.Capabilities...)
	rules = append(rules,
		engine.CapabilityRule{Provider: ProviderOpenAI, Capabilities: openai.Capabilities()},
		engine.CapabilityRule{Provider: ProviderOllama, Capabilities: ollama.Capabilities()},
		engine.CapabilityRule{Provider: ProviderClaude, Capabilities: claude.Capabilities()},
		engine.CapabilityRule{Provider: ProviderScripted, Capabilities: engine.CapabilitySet{
			engine.CapabilityChat, engine.CapabilityTools, engine.CapabilityStreaming, engine.CapabilityJSONOutput,
		}},
	)
	return engine.NewStaticCapabilities(rules...)
}
