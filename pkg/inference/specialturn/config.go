package specialturn

import (
	"time"

	"github.com/go-go-golems/palaver/pkg/inference/engine"
	"github.com/go-go-golems/palaver/pkg/interaction"
)

// Strategy decides what a special turn leaves in history.
type Strategy string

const (
	// StrategyPersistResult appends only the assistant texts the turn produced.
	StrategyPersistResult Strategy = "persist_result"
	// StrategyPersistAll appends every input and result passing the filter.
	StrategyPersistAll Strategy = "persist_all"
	// StrategyEphemeral leaves history as it was before the turn.
	StrategyEphemeral Strategy = "ephemeral"
	// StrategyReplaceAbove keeps the history items failing the filter and
	// replaces everything else with the turn's results.
	StrategyReplaceAbove Strategy = "replace_above"
)

func (s Strategy) Valid() bool {
	switch s {
	case StrategyPersistResult, StrategyPersistAll, StrategyEphemeral, StrategyReplaceAbove:
		return true
	}
	return false
}

// Config describes one special turn. Zero fields inherit from the live
// request.
type Config struct {
	// Name is used in logs and spans.
	Name string `yaml:"name"`

	// Interactions replaces the history the provider sees. When empty the
	// turn runs on a copy of the live history.
	Interactions []interaction.Interaction `yaml:"-"`
	// Append is added after the history (or Interactions) of the turn.
	Append []interaction.Interaction `yaml:"-"`

	Provider   string            `yaml:"provider"`
	Model      string            `yaml:"model"`
	Endpoint   string            `yaml:"endpoint"`
	Capability engine.Capability `yaml:"capability"`

	ToolFilter    *interaction.ToolFilter    `yaml:"tool_filter"`
	ContextFilter *interaction.ContextFilter `yaml:"context_filter"`

	ProcessTools      bool `yaml:"process_tools"`
	ForceNonStreaming bool `yaml:"force_non_streaming"`
	// MaxToolPasses bounds the tool loop when ProcessTools is set.
	MaxToolPasses int `yaml:"max_tool_passes"`

	// Timeout bounds the whole turn. Zero means no bound.
	Timeout time.Duration `yaml:"timeout"`

	Strategy Strategy `yaml:"strategy"`
	// Filter overrides the default filter of PersistAll and ReplaceAbove.
	Filter *interaction.InteractionFilter `yaml:"filter"`

	// PreserveMetrics keeps the metrics of streamed deltas on the coalesced text.
	PreserveMetrics bool `yaml:"preserve_metrics"`
}

func DefaultConfig() Config {
	return Config{
		Name:          "special",
		Strategy:      StrategyPersistResult,
		Timeout:       60 * time.Second,
		MaxToolPasses: 5,
	}
}

func (c Config) WithName(name string) Config {
	c.Name = name
	return c
}

func (c Config) WithInteractions(items ...interaction.Interaction) Config {
	c.Interactions = items
	return c
}

func (c Config) WithAppend(items ...interaction.Interaction) Config {
	c.Append = items
	return c
}

func (c Config) WithProvider(provider, model string) Config {
	c.Provider = provider
	c.Model = model
	return c
}

func (c Config) WithEndpoint(endpoint string) Config {
	c.Endpoint = endpoint
	return c
}

func (c Config) WithCapability(capability engine.Capability) Config {
	c.Capability = capability
	return c
}

func (c Config) WithToolFilter(f *interaction.ToolFilter) Config {
	c.ToolFilter = f
	return c
}

func (c Config) WithContextFilter(f *interaction.ContextFilter) Config {
	c.ContextFilter = f
	return c
}

func (c Config) WithProcessTools(v bool) Config {
	c.ProcessTools = v
	return c
}

func (c Config) WithForceNonStreaming(v bool) Config {
	c.ForceNonStreaming = v
	return c
}

func (c Config) WithMaxToolPasses(n int) Config {
	c.MaxToolPasses = n
	return c
}

func (c Config) WithTimeout(d time.Duration) Config {
	c.Timeout = d
	return c
}

func (c Config) WithStrategy(s Strategy) Config {
	c.Strategy = s
	return c
}

func (c Config) WithFilter(f *interaction.InteractionFilter) Config {
	c.Filter = f
	return c
}

func (c Config) WithPreserveMetrics(v bool) Config {
	c.PreserveMetrics = v
	return c
}

func (c Config) strategy() Strategy {
	if c.Strategy.Valid() {
		return c.Strategy
	}
	return StrategyPersistResult
}
