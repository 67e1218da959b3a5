package engine

import (
	"github.com/mb0/glob"
	"github.com/rs/zerolog/log"
)

// CapabilityResolver answers which capabilities a provider/model pair has.
type CapabilityResolver interface {
	Capabilities(provider, model string) CapabilitySet
}

// DefaultCapabilities is assumed for models nothing else is known about.
func DefaultCapabilities() CapabilitySet {
	return CapabilitySet{CapabilityChat, CapabilityTools, CapabilityStreaming}
}

// CapabilityRule matches provider and model names with glob patterns. An
// empty pattern matches everything.
type CapabilityRule struct {
	Provider     string        `yaml:"provider" mapstructure:"provider"`
	Model        string        `yaml:"model" mapstructure:"model"`
	Capabilities CapabilitySet `yaml:"capabilities" mapstructure:"capabilities"`
}

func (r CapabilityRule) matches(provider, model string) bool {
	return matchPattern(r.Provider, provider) && matchPattern(r.Model, model)
}

func matchPattern(pattern, value string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	ok, err := glob.Match(pattern, value)
	if err != nil {
		log.Warn().Err(err).Str("pattern", pattern).Msg("engine: invalid capability pattern")
		return false
	}
	return ok
}

// StaticCapabilities resolves capabilities from an ordered rule list. The
// first matching rule wins; Default applies when none matches.
type StaticCapabilities struct {
	Rules   []CapabilityRule
	Default CapabilitySet
}

var _ CapabilityResolver = (*StaticCapabilities)(nil)

func NewStaticCapabilities(rules ...CapabilityRule) *StaticCapabilities {
	return &StaticCapabilities{Rules: rules, Default: DefaultCapabilities()}
}

func (s *StaticCapabilities) Capabilities(provider, model string) CapabilitySet {
	if s == nil {
		return DefaultCapabilities()
	}
	for _, r := range s.Rules {
		if r.matches(provider, model) {
			return r.Capabilities
		}
	}
	if s.Default == nil {
		return DefaultCapabilities()
	}
	return s.Default
}

// ResolverFunc adapts a function to a CapabilityResolver.
type ResolverFunc func(provider, model string) CapabilitySet

func (f ResolverFunc) Capabilities(provider, model string) CapabilitySet {
	return f(provider, model)
}
