package fixtures

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Script is a reproducible sequence of provider turns.
//
//	turns:
//	  - text: "Let me check."
//	    tool_calls:
//	      - name: get_weather
//	        arguments: {city: Paris}
//	  - chunks: ["It is ", "sunny."]
//	echo: true
type Script struct {
	Turns []Step `yaml:"turns"`
	// Repeat replays the last step once the script is exhausted.
	Repeat bool `yaml:"repeat,omitempty"`
	// Echo answers with the last user message once the script is exhausted.
	Echo bool `yaml:"echo,omitempty"`
}

// Step is one provider turn.
type Step struct {
	Text string `yaml:"text,omitempty"`
	// Chunks are the streamed deltas of the text. When empty, Text is
	// streamed word by word.
	Chunks    []string   `yaml:"chunks,omitempty"`
	ToolCalls []ToolCall `yaml:"tool_calls,omitempty"`
	// Error makes the call fail with this message.
	Error string `yaml:"error,omitempty"`
	// FailAfter makes a stream fail after that many chunks.
	FailAfter int `yaml:"fail_after,omitempty"`
	// Delay is waited before the call returns or between streamed chunks.
	Delay time.Duration `yaml:"delay,omitempty"`
	Usage *Usage        `yaml:"usage,omitempty"`
}

type ToolCall struct {
	ID        string         `yaml:"id,omitempty"`
	Name      string         `yaml:"name"`
	Arguments map[string]any `yaml:"arguments,omitempty"`
}

type Usage struct {
	InputTokens  int `yaml:"input_tokens"`
	OutputTokens int `yaml:"output_tokens"`
}

func ParseScript(b []byte) (Script, error) {
	var s Script
	if err := yaml.Unmarshal(b, &s); err != nil {
		return Script{}, errors.Wrap(err, "could not parse script")
	}
	for i, st := range s.Turns {
		for j, tc := range st.ToolCalls {
			if tc.Name == "" {
				return Script{}, errors.Errorf("turn %d: tool call %d has no name", i, j)
			}
		}
	}
	return s, nil
}

func LoadScript(path string) (Script, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Script{}, errors.Wrapf(err, "could not read script %s", path)
	}
	return ParseScript(b)
}
