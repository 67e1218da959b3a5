package session

import (
	"github.com/go-go-golems/palaver/pkg/inference/engine"
	"github.com/go-go-golems/palaver/pkg/interaction"
)

// deltaAccumulator tracks the deltas of one streamed turn.
type deltaAccumulator struct {
	count   int
	items   []interaction.Interaction
	metrics interaction.Metrics

	// snapshot is valid only while current is set, i.e. as long as no
	// later delta brought content without a snapshot
	snapshot *interaction.Body
	current  bool

	announced map[string]bool
}

func newDeltaAccumulator() *deltaAccumulator {
	return &deltaAccumulator{announced: map[string]bool{}}
}

// add records delta and returns the new-only Return handed to the caller.
func (a *deltaAccumulator) add(delta *engine.Return, turnID string) *engine.Return {
	a.count++
	items := interaction.StampTurn(delta.Interactions(), turnID)
	a.items = append(a.items, items...)
	a.metrics = a.metrics.Combine(delta.Metrics)

	out := &engine.Return{
		Status:  engine.StatusStreaming,
		Body:    interaction.NewBody(items...),
		Metrics: delta.Metrics,
	}
	switch {
	case delta.Snapshot != nil:
		a.snapshot = interaction.NewBody(interaction.StampTurn(delta.Snapshot.Interactions(), turnID)...)
		a.current = true
		out.Snapshot = a.snapshot.Clone()
	case len(items) > 0:
		a.current = false
	}
	return out
}

// announcement is out without the tool calls that were already notified,
// or nil when nothing is left to notify.
func (a *deltaAccumulator) announcement(out *engine.Return) *engine.Return {
	items := out.Interactions()
	fresh := make([]interaction.Interaction, 0, len(items))
	for _, it := range items {
		if c, ok := it.(interaction.ToolCall); ok && c.ID != "" {
			if a.announced[c.ID] {
				continue
			}
			a.announced[c.ID] = true
		}
		fresh = append(fresh, it)
	}
	if len(fresh) == len(items) {
		return out
	}
	if len(fresh) == 0 && out.Metrics.IsZero() {
		return nil
	}
	cp := out.Clone()
	cp.Body = interaction.NewBody(fresh...)
	return cp
}

// persisted is the single stable snapshot of the turn: the provider's own
// snapshot when it is up to date, the coalesced deltas otherwise.
func (a *deltaAccumulator) persisted(turnID string) []interaction.Interaction {
	source := dedupeToolCalls(a.items)
	if a.current && a.snapshot != nil {
		source = dedupeToolCalls(a.snapshot.Interactions())
	}
	return interaction.StampTurn(interaction.CoalesceDeltas(source, turnID, false), turnID)
}

// dedupeToolCalls keeps one tool call per id, at the position of its first
// announcement and with the content of its last.
func dedupeToolCalls(items []interaction.Interaction) []interaction.Interaction {
	index := map[string]int{}
	out := make([]interaction.Interaction, 0, len(items))
	for _, it := range items {
		c, ok := it.(interaction.ToolCall)
		if !ok || c.ID == "" {
			out = append(out, it)
			continue
		}
		if i, seen := index[c.ID]; seen {
			out[i] = c
			continue
		}
		index[c.ID] = len(out)
		out = append(out, c)
	}
	return out
}
