package engine

import (
	"context"
	"slices"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"

	"github.com/go-go-golems/palaver/pkg/interaction"
	"github.com/go-go-golems/palaver/pkg/validation"
)

// Capability describes a feature a provider/model pair may support.
type Capability string

const (
	CapabilityChat       Capability = "chat"
	CapabilityTools      Capability = "tools"
	CapabilityStreaming  Capability = "streaming"
	CapabilityJSONOutput Capability = "json_output"
)

type CapabilitySet []Capability

func (s CapabilitySet) Has(c Capability) bool {
	return slices.Contains(s, c)
}

// Missing returns the required capabilities not present in s.
func (s CapabilitySet) Missing(required ...Capability) []Capability {
	var out []Capability
	for _, c := range required {
		if c != "" && !s.Has(c) {
			out = append(out, c)
		}
	}
	return out
}

// ToolSpec is the provider-facing description of a tool offered for a call.
type ToolSpec struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Parameters  *jsonschema.Schema `json:"parameters,omitempty"`
}

// Request describes one provider call. The Body is the full history; the
// provider sees Body.ProviderInteractions().
type Request struct {
	Provider   string
	Model      string
	Endpoint   string
	Capability Capability
	Body       *interaction.Body
	// Tools are the tools offered for this call, already filtered.
	Tools []ToolSpec
}

// Clone returns a request that shares no mutable state with r.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	c := *r
	c.Body = r.Body.Clone()
	if c.Body == nil {
		c.Body = interaction.NewBody()
	}
	c.Tools = slices.Clone(r.Tools)
	return &c
}

type Status string

const (
	StatusFinished     Status = "finished"
	StatusCallingTools Status = "calling_tools"
	StatusStreaming    Status = "streaming"
	StatusError        Status = "error"
)

type ErrorKind string

const (
	ErrorKindNone              ErrorKind = ""
	ErrorKindValidation        ErrorKind = "validation"
	ErrorKindProvider          ErrorKind = "provider"
	ErrorKindTool              ErrorKind = "tool"
	ErrorKindCancellation      ErrorKind = "cancellation"
	ErrorKindStabilityExceeded ErrorKind = "stability_exceeded"
	ErrorKindTimeout           ErrorKind = "timeout"
)

// Return is the outcome of a provider call, a tool execution, a streamed
// delta or a whole session run.
//
// For provider calls Body holds only the interactions the call produced.
// For streamed deltas Body holds the new-only slice of the chunk and
// Snapshot the provider's accumulated view of the turn so far. For session
// results Body is a copy of the history.
type Return struct {
	Status   Status
	Body     *interaction.Body
	Snapshot *interaction.Body
	Metrics  interaction.Metrics

	ErrorKind    ErrorKind
	ErrorMessage string
	Messages     []validation.Message
	Err          error

	// Last is the last successful partial result of a run that did not settle.
	Last *Return
}

func (r *Return) IsError() bool {
	return r != nil && r.Status == StatusError
}

// Interactions returns the body interactions, or nil.
func (r *Return) Interactions() []interaction.Interaction {
	if r == nil {
		return nil
	}
	return r.Body.Interactions()
}

// Clone deep-copies bodies and messages. Err and Last are shared.
func (r *Return) Clone() *Return {
	if r == nil {
		return nil
	}
	c := *r
	c.Body = r.Body.Clone()
	c.Snapshot = r.Snapshot.Clone()
	c.Messages = slices.Clone(r.Messages)
	return &c
}

// NewReturn builds a provider-style result. Status is CallingTools when the
// produced interactions include a tool call.
func NewReturn(items ...interaction.Interaction) *Return {
	status := StatusFinished
	for _, it := range items {
		if it != nil && it.Kind() == interaction.KindToolCall {
			status = StatusCallingTools
			break
		}
	}
	return &Return{Status: status, Body: interaction.NewBody(items...)}
}

// NewErrorReturn builds an error result. The message list always ends with
// an Error-severity message describing err.
func NewErrorReturn(kind ErrorKind, err error, msgs ...validation.Message) *Return {
	if err == nil {
		err = errors.New(string(kind) + " error")
	}
	text := err.Error()
	all := slices.Clone(msgs)
	if !hasErrorText(all, text) {
		all = append(all, validation.Message{
			Severity: validation.SeverityError,
			Code:     string(kind),
			Text:     text,
		})
	}
	return &Return{
		Status:       StatusError,
		Body:         interaction.NewBody(),
		ErrorKind:    kind,
		ErrorMessage: text,
		Messages:     all,
		Err:          err,
	}
}

func hasErrorText(msgs []validation.Message, text string) bool {
	for _, m := range msgs {
		if m.Severity == validation.SeverityError && m.Text == text {
			return true
		}
	}
	return false
}

// NewCancellationReturn describes why ctx ended. A passed deadline is a
// Timeout; anything else is a Cancellation. The cancellation cause, when
// set, is kept as Err.
func NewCancellationReturn(ctx context.Context) *Return {
	cause := context.Cause(ctx)
	if cause == nil {
		cause = context.Canceled
	}
	kind := ErrorKindCancellation
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(cause, context.DeadlineExceeded) {
		kind = ErrorKindTimeout
	}
	if kind == ErrorKindTimeout {
		return NewErrorReturn(kind, errors.Wrap(cause, "timed out"))
	}
	return NewErrorReturn(kind, errors.Wrap(cause, "cancelled"))
}

// FromError classifies err: context errors become cancellation returns,
// everything else uses the given kind.
func FromError(ctx context.Context, kind ErrorKind, err error) *Return {
	if ctx != nil && ctx.Err() != nil {
		return NewCancellationReturn(ctx)
	}
	if errors.Is(err, context.Canceled) {
		return NewErrorReturn(ErrorKindCancellation, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewErrorReturn(ErrorKindTimeout, err)
	}
	return NewErrorReturn(kind, err)
}

// Summary is a short human readable description, used in logs and the CLI.
func (r *Return) Summary() string {
	if r == nil {
		return "<nil>"
	}
	if r.IsError() {
		return string(r.Status) + " (" + string(r.ErrorKind) + "): " + r.ErrorMessage
	}
	var parts []string
	parts = append(parts, string(r.Status))
	if t := r.Body.Text(); t != "" {
		parts = append(parts, t)
	}
	return strings.Join(parts, ": ")
}
