package interaction

import (
	"strings"

	"github.com/huandu/go-clone"
)

type entry struct {
	item  Interaction
	isNew bool
}

// Body is the ordered conversation history plus the filters that shape what
// a provider sees. Order is conversation order and is never changed.
//
// Every mutating operation clears the "new" marks left by the previous one
// before marking the interactions it adds, so NewInteractions always returns
// exactly what the last mutation produced.
type Body struct {
	entries []entry

	ToolFilter       *ToolFilter
	ContextFilter    *ContextFilter
	JSONOutputSchema map[string]any
}

// NewBody builds a body whose interactions are all marked new.
func NewBody(items ...Interaction) *Body {
	b := &Body{}
	b.Append(items...)
	return b
}

// NewHistoricalBody builds a body whose interactions carry no "new" mark.
func NewHistoricalBody(items ...Interaction) *Body {
	b := &Body{}
	for _, it := range items {
		if it == nil {
			continue
		}
		b.entries = append(b.entries, entry{item: it})
	}
	return b
}

func (b *Body) clearNew() {
	for i := range b.entries {
		b.entries[i].isNew = false
	}
}

// Append adds items at the end of the body and marks them as new.
func (b *Body) Append(items ...Interaction) {
	if b == nil {
		return
	}
	b.clearNew()
	for _, it := range items {
		if it == nil {
			continue
		}
		b.entries = append(b.entries, entry{item: it, isNew: true})
	}
}

// Replace swaps the whole content of the body and marks every item as new.
func (b *Body) Replace(items ...Interaction) {
	if b == nil {
		return
	}
	b.entries = nil
	b.Append(items...)
}

// ClearNew removes every "new" mark.
func (b *Body) ClearNew() {
	if b == nil {
		return
	}
	b.clearNew()
}

func (b *Body) Len() int {
	if b == nil {
		return 0
	}
	return len(b.entries)
}

// Interactions returns the history in order. The slice is a copy.
func (b *Body) Interactions() []Interaction {
	if b == nil {
		return nil
	}
	out := make([]Interaction, 0, len(b.entries))
	for _, e := range b.entries {
		out = append(out, e.item)
	}
	return out
}

// NewInteractions returns the interactions marked by the last mutation.
func (b *Body) NewInteractions() []Interaction {
	if b == nil {
		return nil
	}
	var out []Interaction
	for _, e := range b.entries {
		if e.isNew {
			out = append(out, e.item)
		}
	}
	return out
}

// IsNew reports whether the interaction at index i carries the "new" mark.
func (b *Body) IsNew(i int) bool {
	if b == nil || i < 0 || i >= len(b.entries) {
		return false
	}
	return b.entries[i].isNew
}

func (b *Body) Last() Interaction {
	if b == nil || len(b.entries) == 0 {
		return nil
	}
	return b.entries[len(b.entries)-1].item
}

// LastAssistantText returns the content of the most recent assistant text.
func (b *Body) LastAssistantText() (string, bool) {
	if b == nil {
		return "", false
	}
	for i := len(b.entries) - 1; i >= 0; i-- {
		if t, ok := b.entries[i].item.(Text); ok && t.Role == AgentAssistant {
			return t.Content, true
		}
	}
	return "", false
}

// Text is LastAssistantText without the presence flag.
func (b *Body) Text() string {
	s, _ := b.LastAssistantText()
	return s
}

// PendingToolCalls returns the tool calls without a matching ToolResult, in
// the order they appear.
func (b *Body) PendingToolCalls() []ToolCall {
	if b == nil {
		return nil
	}
	var results []ToolResult
	for _, e := range b.entries {
		if r, ok := e.item.(ToolResult); ok {
			results = append(results, r)
		}
	}
	var pending []ToolCall
	for _, e := range b.entries {
		c, ok := e.item.(ToolCall)
		if !ok {
			continue
		}
		answered := false
		for _, r := range results {
			if r.Answers(c) {
				answered = true
				break
			}
		}
		if !answered {
			pending = append(pending, c)
		}
	}
	return pending
}

func (b *Body) PendingToolCallsCount() int {
	return len(b.PendingToolCalls())
}

// ProviderInteractions returns the view a provider should be sent, after
// applying the ContextFilter.
func (b *Body) ProviderInteractions() []Interaction {
	if b == nil {
		return nil
	}
	items := b.Interactions()
	if b.ContextFilter == nil {
		return items
	}
	return b.ContextFilter.Apply(items)
}

// Clone returns a deep copy, including the "new" marks and the filters.
func (b *Body) Clone() *Body {
	if b == nil {
		return nil
	}
	out := &Body{
		entries:          make([]entry, len(b.entries)),
		ToolFilter:       b.ToolFilter.Clone(),
		ContextFilter:    b.ContextFilter.Clone(),
		JSONOutputSchema: cloneSchema(b.JSONOutputSchema),
	}
	for i, e := range b.entries {
		out.entries[i] = entry{item: Clone(e.item), isNew: e.isNew}
	}
	return out
}

// Since returns a deep copy of b in which exactly the interactions from
// index i on carry the "new" mark.
func (b *Body) Since(i int) *Body {
	out := b.Clone()
	if out == nil {
		return nil
	}
	for j := range out.entries {
		out.entries[j].isNew = j >= i
	}
	return out
}

// WithInteractions returns a body that shares b's filters (copied) but holds
// the given interactions, all marked new.
func (b *Body) WithInteractions(items ...Interaction) *Body {
	out := NewBody()
	if b != nil {
		out.ToolFilter = b.ToolFilter.Clone()
		out.ContextFilter = b.ContextFilter.Clone()
		out.JSONOutputSchema = cloneSchema(b.JSONOutputSchema)
	}
	cp := make([]Interaction, 0, len(items))
	for _, it := range items {
		cp = append(cp, Clone(it))
	}
	out.Append(cp...)
	return out
}

// TagNew stamps every new interaction missing a turn id with turnID.
func (b *Body) TagNew(turnID string) {
	if b == nil {
		return
	}
	for i, e := range b.entries {
		if e.isNew && e.item.TurnID() == "" {
			b.entries[i].item = e.item.WithTurnID(turnID)
		}
	}
}

// StampTurn returns items with turnID set on every interaction missing one.
func StampTurn(items []Interaction, turnID string) []Interaction {
	out := make([]Interaction, 0, len(items))
	for _, it := range items {
		if it == nil {
			continue
		}
		if it.TurnID() == "" {
			it = it.WithTurnID(turnID)
		}
		out = append(out, it)
	}
	return out
}

// String renders a compact transcript, mainly for logs and debugging.
func (b *Body) String() string {
	if b == nil {
		return ""
	}
	var sb strings.Builder
	for _, e := range b.entries {
		sb.WriteString(Describe(e.item))
		sb.WriteString("\n")
	}
	return sb.String()
}

func cloneSchema(s map[string]any) map[string]any {
	if s == nil {
		return nil
	}
	return clone.Clone(s).(map[string]any)
}
