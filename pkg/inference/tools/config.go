package tools

import "time"

// ManagerConfig controls how the Manager executes tool calls.
type ManagerConfig struct {
	// ExecutionTimeout bounds a single handler run. Zero means no bound.
	ExecutionTimeout time.Duration `json:"execution_timeout" yaml:"execution_timeout"`
	// MaxResultBytes truncates string results longer than this. Zero means no limit.
	MaxResultBytes int `json:"max_result_bytes" yaml:"max_result_bytes"`
}

// DefaultManagerConfig returns a sensible default configuration
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		ExecutionTimeout: 30 * time.Second,
	}
}

func (c ManagerConfig) WithExecutionTimeout(timeout time.Duration) ManagerConfig {
	c.ExecutionTimeout = timeout
	return c
}

func (c ManagerConfig) WithMaxResultBytes(n int) ManagerConfig {
	c.MaxResultBytes = n
	return c
}
