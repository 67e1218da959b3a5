package interaction

import (
	"time"

	"github.com/huandu/go-clone"
)

// Agent identifies who produced an Interaction.
type Agent string

const (
	AgentSystem     Agent = "system"
	AgentUser       Agent = "user"
	AgentAssistant  Agent = "assistant"
	AgentToolCall   Agent = "tool_call"
	AgentToolResult Agent = "tool_result"
	AgentContext    Agent = "context"
)

// Kind discriminates the Interaction variants.
type Kind string

const (
	KindText       Kind = "text"
	KindToolCall   Kind = "tool_call"
	KindToolResult Kind = "tool_result"
)

// Metrics carries token and latency counters for an interaction or a call.
type Metrics struct {
	InputTokens  int           `json:"input_tokens,omitempty" yaml:"input_tokens,omitempty"`
	OutputTokens int           `json:"output_tokens,omitempty" yaml:"output_tokens,omitempty"`
	TotalTokens  int           `json:"total_tokens,omitempty" yaml:"total_tokens,omitempty"`
	Duration     time.Duration `json:"duration,omitempty" yaml:"duration,omitempty"`
	// Estimated is set when counters were computed locally instead of reported by the provider.
	Estimated bool `json:"estimated,omitempty" yaml:"estimated,omitempty"`
}

// Combine returns the sum of both metrics. Estimated is sticky.
func (m Metrics) Combine(o Metrics) Metrics {
	return Metrics{
		InputTokens:  m.InputTokens + o.InputTokens,
		OutputTokens: m.OutputTokens + o.OutputTokens,
		TotalTokens:  m.TotalTokens + o.TotalTokens,
		Duration:     m.Duration + o.Duration,
		Estimated:    m.Estimated || o.Estimated,
	}
}

func (m Metrics) IsZero() bool {
	return m == Metrics{}
}

// Interaction is one unit of conversation. The set of implementations is
// closed: Text, ToolCall and ToolResult.
type Interaction interface {
	Kind() Kind
	Agent() Agent
	TurnID() string
	Metrics() Metrics
	// WithTurnID returns a copy carrying the given turn id.
	WithTurnID(id string) Interaction
	// WithMetrics returns a copy carrying the given metrics.
	WithMetrics(m Metrics) Interaction

	sealed()
}

// Header holds the fields shared by every variant.
type Header struct {
	Turn  string  `json:"turn_id,omitempty" yaml:"turn_id,omitempty"`
	Usage Metrics `json:"metrics,omitempty" yaml:"metrics,omitempty"`
}

func (h Header) TurnID() string   { return h.Turn }
func (h Header) Metrics() Metrics { return h.Usage }

// Text is a plain message from a system, user, assistant or context source.
type Text struct {
	Header
	Role    Agent  `json:"agent" yaml:"agent"`
	Content string `json:"content" yaml:"content"`
}

func (t Text) Kind() Kind   { return KindText }
func (t Text) Agent() Agent { return t.Role }
func (t Text) sealed()      {}

func (t Text) WithTurnID(id string) Interaction {
	t.Turn = id
	return t
}

func (t Text) WithMetrics(m Metrics) Interaction {
	t.Usage = m
	return t
}

// ToolCall is a model request to execute a named tool.
type ToolCall struct {
	Header
	ID        string         `json:"id" yaml:"id"`
	Name      string         `json:"name" yaml:"name"`
	Arguments map[string]any `json:"arguments,omitempty" yaml:"arguments,omitempty"`
}

func (c ToolCall) Kind() Kind   { return KindToolCall }
func (c ToolCall) Agent() Agent { return AgentToolCall }
func (c ToolCall) sealed()      {}

func (c ToolCall) WithTurnID(id string) Interaction {
	c.Turn = id
	return c
}

func (c ToolCall) WithMetrics(m Metrics) Interaction {
	c.Usage = m
	return c
}

// ToolResult answers the ToolCall with the same ID and Name.
type ToolResult struct {
	Header
	ID     string `json:"id" yaml:"id"`
	Name   string `json:"name" yaml:"name"`
	Result any    `json:"result,omitempty" yaml:"result,omitempty"`
	// Error is set when the tool failed; Result may still hold partial output.
	Error string `json:"error,omitempty" yaml:"error,omitempty"`
}

func (r ToolResult) Kind() Kind   { return KindToolResult }
func (r ToolResult) Agent() Agent { return AgentToolResult }
func (r ToolResult) sealed()      {}

func (r ToolResult) WithTurnID(id string) Interaction {
	r.Turn = id
	return r
}

func (r ToolResult) WithMetrics(m Metrics) Interaction {
	r.Usage = m
	return r
}

// Answers reports whether r is the result for call c.
func (r ToolResult) Answers(c ToolCall) bool {
	return r.ID == c.ID && r.Name == c.Name
}

// Clone returns a deep copy of i, so that structured arguments and results
// are never shared between bodies.
func Clone(i Interaction) Interaction {
	if i == nil {
		return nil
	}
	switch v := i.(type) {
	case Text:
		return v
	case ToolCall:
		if v.Arguments != nil {
			v.Arguments = clone.Clone(v.Arguments).(map[string]any)
		}
		return v
	case ToolResult:
		if v.Result != nil {
			v.Result = clone.Clone(v.Result)
		}
		return v
	}
	return i
}

func NewSystemText(text string) Text {
	return Text{Role: AgentSystem, Content: text}
}

func NewUserText(text string) Text {
	return Text{Role: AgentUser, Content: text}
}

func NewAssistantText(text string) Text {
	return Text{Role: AgentAssistant, Content: text}
}

func NewContextText(text string) Text {
	return Text{Role: AgentContext, Content: text}
}

func NewToolCall(id, name string, args map[string]any) ToolCall {
	return ToolCall{ID: id, Name: name, Arguments: args}
}

func NewToolResult(id, name string, result any) ToolResult {
	return ToolResult{ID: id, Name: name, Result: result}
}

func NewToolError(id, name string, msg string) ToolResult {
	return ToolResult{ID: id, Name: name, Error: msg}
}
