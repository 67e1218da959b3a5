package toolloop

// LoopConfig bounds the tool loop.
type LoopConfig struct {
	// MaxToolPasses is the number of execution passes allowed before the
	// loop reports that tool calls did not settle.
	MaxToolPasses int `json:"max_tool_passes" yaml:"max_tool_passes"`
}

// DefaultLoopConfig returns a sensible default configuration.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{MaxToolPasses: 5}
}

// WithMaxToolPasses sets the maximum number of tool passes.
func (c LoopConfig) WithMaxToolPasses(n int) LoopConfig {
	c.MaxToolPasses = n
	return c
}

func (c LoopConfig) maxPasses() int {
	if c.MaxToolPasses <= 0 {
		return DefaultLoopConfig().MaxToolPasses
	}
	return c.MaxToolPasses
}
