package interaction

import (
	"slices"

	"github.com/mb0/glob"
	"github.com/rs/zerolog/log"
)

// InteractionFilter selects interactions by agent. Block takes precedence
// over Allow; an empty Allow list allows every agent that is not blocked.
type InteractionFilter struct {
	Allow []Agent `json:"allow,omitempty" yaml:"allow,omitempty"`
	Block []Agent `json:"block,omitempty" yaml:"block,omitempty"`
}

// DefaultPersistFilter keeps everything a special turn produced except system prompts.
func DefaultPersistFilter() *InteractionFilter {
	return &InteractionFilter{Block: []Agent{AgentSystem}}
}

// DefaultReplaceFilter selects the history that a ReplaceAbove turn removes.
// System and Context interactions fail it and are therefore preserved.
func DefaultReplaceFilter() *InteractionFilter {
	return &InteractionFilter{Block: []Agent{AgentSystem, AgentContext}}
}

func (f *InteractionFilter) Matches(i Interaction) bool {
	if i == nil {
		return false
	}
	if f == nil {
		return true
	}
	a := i.Agent()
	if slices.Contains(f.Block, a) {
		return false
	}
	if len(f.Allow) == 0 {
		return true
	}
	return slices.Contains(f.Allow, a)
}

// Apply returns the interactions passing the filter, in order.
func (f *InteractionFilter) Apply(items []Interaction) []Interaction {
	var out []Interaction
	for _, it := range items {
		if f.Matches(it) {
			out = append(out, it)
		}
	}
	return out
}

// Partition splits items into those passing and those failing the filter,
// both keeping their relative order.
func (f *InteractionFilter) Partition(items []Interaction) (matched, rest []Interaction) {
	for _, it := range items {
		if it == nil {
			continue
		}
		if f.Matches(it) {
			matched = append(matched, it)
		} else {
			rest = append(rest, it)
		}
	}
	return matched, rest
}

// ToolFilter restricts which registered tools are offered to the provider.
// Patterns use shell glob syntax.
type ToolFilter struct {
	Allow    []string `json:"allow,omitempty" yaml:"allow,omitempty"`
	Block    []string `json:"block,omitempty" yaml:"block,omitempty"`
	Disabled bool     `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

func (f *ToolFilter) Allows(name string) bool {
	if f == nil {
		return true
	}
	if f.Disabled {
		return false
	}
	if matchAny(f.Block, name) {
		return false
	}
	if len(f.Allow) == 0 {
		return true
	}
	return matchAny(f.Allow, name)
}

func (f *ToolFilter) Clone() *ToolFilter {
	if f == nil {
		return nil
	}
	return &ToolFilter{
		Allow:    slices.Clone(f.Allow),
		Block:    slices.Clone(f.Block),
		Disabled: f.Disabled,
	}
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		ok, err := glob.Match(p, name)
		if err != nil {
			log.Warn().Err(err).Str("pattern", p).Msg("interaction: invalid tool filter pattern")
			continue
		}
		if ok {
			return true
		}
	}
	return false
}

// ContextFilter controls how Context interactions reach the provider.
type ContextFilter struct {
	// Exclude drops every Context interaction.
	Exclude bool `json:"exclude,omitempty" yaml:"exclude,omitempty"`
	// MaxItems keeps only the most recent N Context interactions. Zero keeps all.
	MaxItems int `json:"max_items,omitempty" yaml:"max_items,omitempty"`
}

func (f *ContextFilter) Apply(items []Interaction) []Interaction {
	if f == nil {
		return items
	}
	total := 0
	for _, it := range items {
		if it != nil && it.Agent() == AgentContext {
			total++
		}
	}
	skip := 0
	if f.MaxItems > 0 && total > f.MaxItems {
		skip = total - f.MaxItems
	}
	out := make([]Interaction, 0, len(items))
	seen := 0
	for _, it := range items {
		if it == nil {
			continue
		}
		if it.Agent() == AgentContext {
			if f.Exclude {
				continue
			}
			seen++
			if seen <= skip {
				continue
			}
		}
		out = append(out, it)
	}
	return out
}

func (f *ContextFilter) Clone() *ContextFilter {
	if f == nil {
		return nil
	}
	c := *f
	return &c
}
