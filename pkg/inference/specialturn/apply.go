package specialturn

import (
	"github.com/go-go-golems/palaver/pkg/interaction"
)

// Applied is the history a strategy produced.
type Applied struct {
	// History is the complete history after the turn.
	History []interaction.Interaction
	// Added lists the interactions the strategy persisted.
	Added []interaction.Interaction
	// Replaced is set when History is not snapshot followed by Added.
	Replaced bool
}

// Apply computes the history after a special turn. snapshot is the history
// before the turn, inputs the interactions the turn was given on top of it
// and results the interactions it produced. Every persisted interaction
// without a turn id gets turnID. No argument is modified.
func Apply(
	strategy Strategy,
	snapshot []interaction.Interaction,
	inputs []interaction.Interaction,
	results []interaction.Interaction,
	filter *interaction.InteractionFilter,
	turnID string,
) Applied {
	base := cloneAll(snapshot)

	switch strategy {
	case StrategyEphemeral:
		return Applied{History: base}

	case StrategyPersistAll:
		if filter == nil {
			filter = interaction.DefaultPersistFilter()
		}
		candidates := append(cloneAll(inputs), cloneAll(results)...)
		added := interaction.StampTurn(filter.Apply(candidates), turnID)
		return Applied{History: append(base, added...), Added: added}

	case StrategyReplaceAbove:
		if filter == nil {
			filter = interaction.DefaultReplaceFilter()
		}
		_, preserved := filter.Partition(base)
		added := interaction.StampTurn(cloneAll(results), turnID)
		history := make([]interaction.Interaction, 0, len(preserved)+len(added))
		history = append(history, preserved...)
		history = append(history, added...)
		return Applied{History: history, Added: added, Replaced: true}

	default:
		var assistant []interaction.Interaction
		for _, it := range results {
			if it != nil && it.Agent() == interaction.AgentAssistant {
				assistant = append(assistant, interaction.Clone(it))
			}
		}
		added := interaction.StampTurn(assistant, turnID)
		return Applied{History: append(base, added...), Added: added}
	}
}

func cloneAll(items []interaction.Interaction) []interaction.Interaction {
	out := make([]interaction.Interaction, 0, len(items))
	for _, it := range items {
		if it != nil {
			out = append(out, interaction.Clone(it))
		}
	}
	return out
}
