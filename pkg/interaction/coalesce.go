package interaction

import (
	"fmt"
	"strings"
)

// CoalesceText merges a streamed text delta into the accumulator and returns
// the merged interaction. Neither argument is modified. A nil accumulator
// starts a new message from the delta. The result always carries turnID;
// metrics are summed when preserveMetrics is set and dropped otherwise.
func CoalesceText(acc *Text, delta Text, turnID string, preserveMetrics bool) Text {
	var out Text
	if acc == nil {
		out = Text{Role: delta.Role, Content: delta.Content}
		if preserveMetrics {
			out.Usage = delta.Usage
		}
	} else {
		out = Text{Role: acc.Role, Content: acc.Content + delta.Content}
		if out.Role == "" {
			out.Role = delta.Role
		}
		if preserveMetrics {
			out.Usage = acc.Usage.Combine(delta.Usage)
		}
	}
	if out.Role == "" {
		out.Role = AgentAssistant
	}
	out.Turn = turnID
	return out
}

// CoalesceDeltas folds every text interaction of the given deltas into a
// single assistant message and keeps non-text interactions in order, after
// the text. It returns nil when nothing was produced.
func CoalesceDeltas(deltas []Interaction, turnID string, preserveMetrics bool) []Interaction {
	var acc *Text
	var rest []Interaction
	for _, d := range deltas {
		switch v := d.(type) {
		case Text:
			merged := CoalesceText(acc, v, turnID, preserveMetrics)
			acc = &merged
		case nil:
		default:
			rest = append(rest, d)
		}
	}
	var out []Interaction
	if acc != nil {
		out = append(out, *acc)
	}
	return append(out, rest...)
}

// Describe renders a single interaction on one line.
func Describe(i Interaction) string {
	switch v := i.(type) {
	case Text:
		return fmt.Sprintf("[%s] %s", v.Role, oneLine(v.Content))
	case ToolCall:
		return fmt.Sprintf("[tool_call] %s(%v) id=%s", v.Name, v.Arguments, v.ID)
	case ToolResult:
		if v.Error != "" {
			return fmt.Sprintf("[tool_result] %s id=%s error=%s", v.Name, v.ID, v.Error)
		}
		return fmt.Sprintf("[tool_result] %s id=%s %v", v.Name, v.ID, v.Result)
	case nil:
		return "<nil>"
	}
	return fmt.Sprintf("%v", i)
}

func oneLine(s string) string {
	return strings.ReplaceAll(s, "\n", " ")
}
