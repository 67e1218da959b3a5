package events

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/go-go-golems/palaver/pkg/interaction"
)

// Usage represents token usage information common across LLM providers
type Usage struct {
	InputTokens  int  `json:"input_tokens" yaml:"input_tokens" mapstructure:"input_tokens"`
	OutputTokens int  `json:"output_tokens" yaml:"output_tokens" mapstructure:"output_tokens"`
	TotalTokens  int  `json:"total_tokens,omitempty" yaml:"total_tokens,omitempty" mapstructure:"total_tokens,omitempty"`
	Estimated    bool `json:"estimated,omitempty" yaml:"estimated,omitempty" mapstructure:"estimated,omitempty"`
}

// UsageFromMetrics returns nil when m carries no token counts.
func UsageFromMetrics(m interaction.Metrics) *Usage {
	if m.InputTokens == 0 && m.OutputTokens == 0 && m.TotalTokens == 0 {
		return nil
	}
	return &Usage{
		InputTokens:  m.InputTokens,
		OutputTokens: m.OutputTokens,
		TotalTokens:  m.TotalTokens,
		Estimated:    m.Estimated,
	}
}

// EventMetadata contains all the information that is passed along with a
// watermill message.
type EventMetadata struct {
	ID        uuid.UUID `json:"message_id" yaml:"message_id" mapstructure:"message_id"`
	SessionID string    `json:"session_id,omitempty" yaml:"session_id,omitempty" mapstructure:"session_id"`
	TurnID    string    `json:"turn_id,omitempty" yaml:"turn_id,omitempty" mapstructure:"turn_id"`
	Provider  string    `json:"provider,omitempty" yaml:"provider,omitempty" mapstructure:"provider"`
	Model     string    `json:"model,omitempty" yaml:"model,omitempty" mapstructure:"model"`
	Usage     *Usage    `json:"usage,omitempty" yaml:"usage,omitempty" mapstructure:"usage,omitempty"`
	// DurationMs is the provider latency of the result, when measured.
	DurationMs *int64 `json:"duration_ms,omitempty" yaml:"duration_ms,omitempty" mapstructure:"duration_ms,omitempty"`
}

func (em EventMetadata) MarshalZerologObject(e *zerolog.Event) {
	e.Str("message_id", em.ID.String())
	if em.SessionID != "" {
		e.Str("session_id", em.SessionID)
	}
	if em.TurnID != "" {
		e.Str("turn_id", em.TurnID)
	}
	if em.Model != "" {
		e.Str("model", em.Model)
	}
	if em.Usage != nil {
		e.Int("input_tokens", em.Usage.InputTokens)
		e.Int("output_tokens", em.Usage.OutputTokens)
	}
	if em.DurationMs != nil {
		e.Int64("duration_ms", *em.DurationMs)
	}
}
