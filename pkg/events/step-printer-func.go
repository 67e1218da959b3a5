package events

import (
	"fmt"
	"io"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
	"gopkg.in/yaml.v3"
)

// StepPrinterFunc returns a handler that prints streamed text to w as it
// arrives, tool activity as YAML, and errors on their own line.
func StepPrinterFunc(name string, w io.Writer) func(msg *message.Message) error {
	isFirst := true
	lastEndedWithNewline := true

	write := func(format string, args ...any) error {
		s := fmt.Sprintf(format, args...)
		if s == "" {
			return nil
		}
		lastEndedWithNewline = strings.HasSuffix(s, "\n")
		_, err := io.WriteString(w, s)
		return err
	}

	return func(msg *message.Message) error {
		defer msg.Ack()

		e, err := NewEventFromJson(msg.Payload)
		if err != nil {
			return err
		}

		switch p_ := e.(type) {
		case *EventPartial:
			if p_.Delta != "" {
				if isFirst && name != "" {
					isFirst = false
					if err := write("\n%s: \n", name); err != nil {
						return err
					}
				}
				if err := write("%s", p_.Delta); err != nil {
					return err
				}
			}
			if len(p_.ToolCalls) > 0 {
				if err := writeYAML(write, map[string]any{"tool_calls": p_.ToolCalls}); err != nil {
					return err
				}
			}
			if len(p_.ToolResults) > 0 {
				if err := writeYAML(write, map[string]any{"tool_results": p_.ToolResults}); err != nil {
					return err
				}
			}

		case *EventFinal:
			isFirst = true
			if p_.ErrorMessage != "" {
				if err := write("\n[%s] %s\n", p_.ErrorKind, p_.ErrorMessage); err != nil {
					return err
				}
				break
			}
			if !lastEndedWithNewline {
				if err := write("\n"); err != nil {
					return err
				}
			}

		case *EventError:
			if err := write("\n[error] %s\n", p_.ErrorString); err != nil {
				return err
			}
		}

		return nil
	}
}

func writeYAML(write func(string, ...any) error, v any) error {
	b, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	if err := write("\n"); err != nil {
		return err
	}
	return write("%s", b)
}
