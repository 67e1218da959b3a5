// Package validation holds the side-effect free checks run before provider
// and tool calls. A Validator inspects an instance under some context and
// reports structured messages; whether a result is valid depends on the
// highest severity present and the validator's own FailOn threshold.
package validation

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type Message struct {
	Severity Severity `json:"severity" yaml:"severity"`
	Code     string   `json:"code,omitempty" yaml:"code,omitempty"`
	Text     string   `json:"text" yaml:"text"`
	// Source names the validator that produced the message.
	Source string `json:"source,omitempty" yaml:"source,omitempty"`
}

func (m Message) String() string {
	var sb strings.Builder
	sb.WriteString(m.Severity.String())
	if m.Source != "" {
		sb.WriteString(" [")
		sb.WriteString(m.Source)
		sb.WriteString("]")
	}
	if m.Code != "" {
		sb.WriteString(" ")
		sb.WriteString(m.Code)
	}
	sb.WriteString(": ")
	sb.WriteString(m.Text)
	return sb.String()
}

func Info(code, text string) Message {
	return Message{Severity: SeverityInfo, Code: code, Text: text}
}

func Warning(code, text string) Message {
	return Message{Severity: SeverityWarning, Code: code, Text: text}
}

func Error(code, text string) Message {
	return Message{Severity: SeverityError, Code: code, Text: text}
}

type Result struct {
	IsValid  bool      `json:"is_valid" yaml:"is_valid"`
	Messages []Message `json:"messages,omitempty" yaml:"messages,omitempty"`
}

// NewResult builds a Result whose IsValid is false iff some message has a
// severity at or above failOn.
func NewResult(failOn Severity, msgs ...Message) Result {
	return Result{IsValid: MaxSeverity(msgs) < failOn || len(msgs) == 0, Messages: msgs}
}

// Valid is the empty, passing result.
func Valid() Result {
	return Result{IsValid: true}
}

// MaxSeverity returns the highest severity among msgs, or SeverityInfo when
// msgs is empty.
func MaxSeverity(msgs []Message) Severity {
	highest := SeverityInfo
	for _, m := range msgs {
		if m.Severity > highest {
			highest = m.Severity
		}
	}
	return highest
}

// Validator checks instances of T given a context C.
type Validator[T any, C any] interface {
	Name() string
	FailOn() Severity
	Validate(instance T, vctx C) Result
}

// Func adapts a plain function to a Validator.
type Func[T any, C any] struct {
	ValidatorName string
	Threshold     Severity
	Fn            func(instance T, vctx C) []Message
}

var _ Validator[int, struct{}] = Func[int, struct{}]{}

func (f Func[T, C]) Name() string     { return f.ValidatorName }
func (f Func[T, C]) FailOn() Severity { return f.Threshold }

func (f Func[T, C]) Validate(instance T, vctx C) Result {
	if f.Fn == nil {
		return Valid()
	}
	return NewResult(f.Threshold, f.Fn(instance, vctx)...)
}

// Report aggregates the results of a pipeline run.
type Report struct {
	Valid    bool
	Messages []Message
	// Failed lists the names of validators whose result was invalid.
	Failed []string
}

// Errors returns the messages of Error severity.
func (r Report) Errors() []Message {
	var out []Message
	for _, m := range r.Messages {
		if m.Severity >= SeverityError {
			out = append(out, m)
		}
	}
	return out
}

// Err returns nil for a valid report and otherwise an error listing the
// failing messages.
func (r Report) Err() error {
	if r.Valid {
		return nil
	}
	msgs := r.Errors()
	if len(msgs) == 0 {
		msgs = r.Messages
	}
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		parts = append(parts, m.String())
	}
	if len(parts) == 0 {
		return errors.Errorf("validation failed: %s", strings.Join(r.Failed, ", "))
	}
	return errors.Errorf("validation failed: %s", strings.Join(parts, "; "))
}

// Pipeline runs validators in order and aggregates their messages.
type Pipeline[T any, C any] struct {
	validators []Validator[T, C]
}

func NewPipeline[T any, C any](validators ...Validator[T, C]) *Pipeline[T, C] {
	return &Pipeline[T, C]{validators: validators}
}

func (p *Pipeline[T, C]) Add(v ...Validator[T, C]) {
	p.validators = append(p.validators, v...)
}

func (p *Pipeline[T, C]) Len() int {
	return len(p.validators)
}

func (p *Pipeline[T, C]) Run(instance T, vctx C) Report {
	report := Report{Valid: true}
	if p == nil {
		return report
	}
	for _, v := range p.validators {
		res := v.Validate(instance, vctx)
		for _, m := range res.Messages {
			if m.Source == "" {
				m.Source = v.Name()
			}
			report.Messages = append(report.Messages, m)
		}
		if !res.IsValid {
			report.Valid = false
			report.Failed = append(report.Failed, v.Name())
		}
	}
	return report
}
