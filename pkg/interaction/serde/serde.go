package serde

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/palaver/pkg/interaction"
)

// Options controls serialization behavior.
type Options struct {
	// OmitMetrics drops per-interaction metrics on write
	OmitMetrics bool
	// OmitFilters drops tool/context filters and the output schema on write
	OmitFilters bool
}

// Record is the flat YAML shape of one interaction. Kind selects which of
// the remaining fields are meaningful.
type Record struct {
	Kind      interaction.Kind     `yaml:"kind"`
	Agent     interaction.Agent    `yaml:"agent,omitempty"`
	TurnID    string               `yaml:"turn_id,omitempty"`
	Content   string               `yaml:"content,omitempty"`
	ID        string               `yaml:"id,omitempty"`
	Name      string               `yaml:"name,omitempty"`
	Arguments map[string]any       `yaml:"arguments,omitempty"`
	Result    any                  `yaml:"result,omitempty"`
	Error     string               `yaml:"error,omitempty"`
	Metrics   *interaction.Metrics `yaml:"metrics,omitempty"`
}

// Document is the YAML shape of a Body.
type Document struct {
	ToolFilter       *interaction.ToolFilter    `yaml:"tool_filter,omitempty"`
	ContextFilter    *interaction.ContextFilter `yaml:"context_filter,omitempty"`
	JSONOutputSchema map[string]any             `yaml:"json_output_schema,omitempty"`
	Interactions     []Record                   `yaml:"interactions"`
}

func toRecord(i interaction.Interaction, opt Options) Record {
	r := Record{Kind: i.Kind(), Agent: i.Agent(), TurnID: i.TurnID()}
	if m := i.Metrics(); !opt.OmitMetrics && !m.IsZero() {
		r.Metrics = &m
	}
	switch v := i.(type) {
	case interaction.Text:
		r.Content = v.Content
	case interaction.ToolCall:
		r.ID, r.Name, r.Arguments = v.ID, v.Name, v.Arguments
	case interaction.ToolResult:
		r.ID, r.Name, r.Result, r.Error = v.ID, v.Name, v.Result, v.Error
	}
	return r
}

// FromRecord converts a Record back into an Interaction.
func FromRecord(r Record) (interaction.Interaction, error) {
	var h interaction.Header
	h.Turn = r.TurnID
	if r.Metrics != nil {
		h.Usage = *r.Metrics
	}
	switch r.Kind {
	case interaction.KindText, "":
		role := r.Agent
		if role == "" {
			role = interaction.AgentAssistant
		}
		switch role {
		case interaction.AgentSystem, interaction.AgentUser, interaction.AgentAssistant, interaction.AgentContext:
		default:
			return nil, errors.Errorf("invalid agent %q for text interaction", role)
		}
		return interaction.Text{Header: h, Role: role, Content: r.Content}, nil
	case interaction.KindToolCall:
		if r.Name == "" {
			return nil, errors.New("tool_call without name")
		}
		return interaction.ToolCall{Header: h, ID: r.ID, Name: r.Name, Arguments: r.Arguments}, nil
	case interaction.KindToolResult:
		if r.Name == "" {
			return nil, errors.New("tool_result without name")
		}
		return interaction.ToolResult{Header: h, ID: r.ID, Name: r.Name, Result: r.Result, Error: r.Error}, nil
	}
	return nil, errors.Errorf("unknown interaction kind %q", r.Kind)
}

// ToDocument converts a Body into its serializable form.
func ToDocument(b *interaction.Body, opt Options) Document {
	doc := Document{Interactions: []Record{}}
	if b == nil {
		return doc
	}
	if !opt.OmitFilters {
		doc.ToolFilter = b.ToolFilter
		doc.ContextFilter = b.ContextFilter
		doc.JSONOutputSchema = b.JSONOutputSchema
	}
	for _, i := range b.Interactions() {
		doc.Interactions = append(doc.Interactions, toRecord(i, opt))
	}
	return doc
}

// FromDocument rebuilds a Body. Loaded interactions are historical: none
// carries the "new" mark.
func FromDocument(doc Document) (*interaction.Body, error) {
	items := make([]interaction.Interaction, 0, len(doc.Interactions))
	for idx, r := range doc.Interactions {
		i, err := FromRecord(r)
		if err != nil {
			return nil, errors.Wrapf(err, "interaction %d", idx)
		}
		items = append(items, i)
	}
	b := interaction.NewHistoricalBody(items...)
	b.ToolFilter = doc.ToolFilter
	b.ContextFilter = doc.ContextFilter
	b.JSONOutputSchema = doc.JSONOutputSchema
	return b, nil
}

// ToYAML marshals a Body to YAML.
func ToYAML(b *interaction.Body, opt Options) ([]byte, error) {
	return yaml.Marshal(ToDocument(b, opt))
}

// FromYAML unmarshals a Body from YAML.
func FromYAML(data []byte) (*interaction.Body, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, "could not parse history")
	}
	return FromDocument(doc)
}

// SaveYAML writes a Body to a YAML file.
func SaveYAML(path string, b *interaction.Body, opt Options) error {
	data, err := ToYAML(b, opt)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// LoadYAML reads a Body from a YAML file.
func LoadYAML(path string) (*interaction.Body, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}
