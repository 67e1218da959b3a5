package session

// RunOptions bounds and shapes a single RunToStableResult or Stream call.
type RunOptions struct {
	// MaxTurns is the number of provider invocations allowed. Tool passes
	// do not count.
	MaxTurns int `json:"max_turns" yaml:"max_turns"`
	// MaxToolPasses bounds each tool drain.
	MaxToolPasses int  `json:"max_tool_passes" yaml:"max_tool_passes"`
	ProcessTools  bool `json:"process_tools" yaml:"process_tools"`
	// GenerateGreeting runs the session's greeting turn first, once.
	GenerateGreeting bool `json:"generate_greeting" yaml:"generate_greeting"`
	// GreetingOnly stops after the greeting. It implies GenerateGreeting.
	GreetingOnly bool `json:"greeting_only" yaml:"greeting_only"`
	// StrictJSONOutput turns a response that does not match the body's JSON
	// output schema into a validation error instead of a warning.
	StrictJSONOutput bool `json:"strict_json_output" yaml:"strict_json_output"`
}

func DefaultRunOptions() RunOptions {
	return RunOptions{
		MaxTurns:      10,
		MaxToolPasses: 5,
		ProcessTools:  true,
	}
}

func (o RunOptions) WithMaxTurns(n int) RunOptions {
	o.MaxTurns = n
	return o
}

func (o RunOptions) WithMaxToolPasses(n int) RunOptions {
	o.MaxToolPasses = n
	return o
}

func (o RunOptions) WithProcessTools(v bool) RunOptions {
	o.ProcessTools = v
	return o
}

func (o RunOptions) WithGenerateGreeting(v bool) RunOptions {
	o.GenerateGreeting = v
	return o
}

func (o RunOptions) WithGreetingOnly(v bool) RunOptions {
	o.GreetingOnly = v
	return o
}

func (o RunOptions) WithStrictJSONOutput(v bool) RunOptions {
	o.StrictJSONOutput = v
	return o
}

func (o RunOptions) maxTurns() int {
	if o.MaxTurns <= 0 {
		return DefaultRunOptions().MaxTurns
	}
	return o.MaxTurns
}

func (o RunOptions) wantsGreeting() bool {
	return o.GenerateGreeting || o.GreetingOnly
}
