package tools

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/iancoleman/strcase"
	"github.com/xeipuuv/gojsonschema"

	"github.com/go-go-golems/palaver/pkg/inference/engine"
	"github.com/go-go-golems/palaver/pkg/interaction"
	"github.com/go-go-golems/palaver/pkg/validation"
)

// ValidationContext identifies the provider and model a call runs under.
type ValidationContext struct {
	Provider string
	Model    string
	// Resolver defaults to engine.DefaultCapabilities when nil.
	Resolver engine.CapabilityResolver
}

func (c ValidationContext) capabilities() engine.CapabilitySet {
	if c.Resolver == nil {
		return engine.DefaultCapabilities()
	}
	return c.Resolver.Capabilities(c.Provider, c.Model)
}

type CallValidator = validation.Validator[interaction.ToolCall, ValidationContext]

var toolNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_.\-]{1,64}$`)

// ExistenceValidator reports malformed and unregistered tool names. It is
// the only validator that reports unknown tools.
type ExistenceValidator struct {
	registry *Registry
}

var _ CallValidator = (*ExistenceValidator)(nil)

func NewExistenceValidator(r *Registry) *ExistenceValidator {
	return &ExistenceValidator{registry: r}
}

func (v *ExistenceValidator) Name() string                { return "tool-existence" }
func (v *ExistenceValidator) FailOn() validation.Severity { return validation.SeverityError }

func (v *ExistenceValidator) Validate(call interaction.ToolCall, _ ValidationContext) validation.Result {
	if !toolNamePattern.MatchString(call.Name) {
		return validation.NewResult(v.FailOn(),
			validation.Error("tool.name", fmt.Sprintf("tool name %q is not well-formed", call.Name)))
	}
	if v.registry.Has(call.Name) {
		return validation.Valid()
	}
	text := fmt.Sprintf("unknown tool %q", call.Name)
	if s, ok := v.suggest(call.Name); ok {
		text += fmt.Sprintf(", did you mean %q?", s)
	}
	return validation.NewResult(v.FailOn(), validation.Error("tool.unknown", text))
}

func (v *ExistenceValidator) suggest(name string) (string, bool) {
	candidates := []string{
		strcase.ToSnake(name),
		strcase.ToLowerCamel(name),
		strcase.ToCamel(name),
		strcase.ToKebab(name),
	}
	for _, c := range candidates {
		if c != name && v.registry.Has(c) {
			return c, true
		}
	}
	for _, n := range v.registry.Names() {
		if strings.EqualFold(n, name) {
			return n, true
		}
	}
	return "", false
}

// SchemaValidator checks call arguments against the tool's parameter schema.
type SchemaValidator struct {
	registry *Registry
}

var _ CallValidator = (*SchemaValidator)(nil)

func NewSchemaValidator(r *Registry) *SchemaValidator {
	return &SchemaValidator{registry: r}
}

func (v *SchemaValidator) Name() string                { return "tool-arguments" }
func (v *SchemaValidator) FailOn() validation.Severity { return validation.SeverityError }

func (v *SchemaValidator) Validate(call interaction.ToolCall, _ ValidationContext) validation.Result {
	tool, ok := v.registry.Get(call.Name)
	if !ok || tool.Parameters == nil {
		return validation.Valid()
	}
	schema, err := schemaDocument(tool)
	if err != nil {
		return validation.NewResult(v.FailOn(),
			validation.Error("tool.schema", fmt.Sprintf("tool %s has an unusable schema: %v", tool.Name, err)))
	}

	if call.Arguments == nil {
		if len(tool.Parameters.Required) > 0 {
			return validation.NewResult(v.FailOn(), validation.Error("tool.arguments.missing",
				fmt.Sprintf("tool %s requires arguments (%s) but none were given",
					tool.Name, strings.Join(tool.Parameters.Required, ", "))))
		}
		return validation.Valid()
	}

	res, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewGoLoader(call.Arguments))
	if err != nil {
		return validation.NewResult(v.FailOn(),
			validation.Error("tool.schema", fmt.Sprintf("failed to validate arguments for %s: %v", tool.Name, err)))
	}
	var msgs []validation.Message
	for _, e := range res.Errors() {
		msgs = append(msgs, validation.Error("tool.arguments.invalid", e.String()))
	}
	return validation.NewResult(v.FailOn(), msgs...)
}

// schemaDocument turns the reflected schema into a plain document without
// the meta-schema reference, which gojsonschema does not need.
func schemaDocument(t Tool) (map[string]any, error) {
	raw, err := json.Marshal(t.Parameters)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	delete(doc, "$schema")
	delete(doc, "$id")
	return doc, nil
}

// CapabilityValidator checks that the active provider/model offers every
// capability the tool requires.
type CapabilityValidator struct {
	registry *Registry
}

var _ CallValidator = (*CapabilityValidator)(nil)

func NewCapabilityValidator(r *Registry) *CapabilityValidator {
	return &CapabilityValidator{registry: r}
}

func (v *CapabilityValidator) Name() string                { return "tool-capability" }
func (v *CapabilityValidator) FailOn() validation.Severity { return validation.SeverityError }

func (v *CapabilityValidator) Validate(call interaction.ToolCall, vctx ValidationContext) validation.Result {
	tool, ok := v.registry.Get(call.Name)
	if !ok {
		return validation.Valid()
	}
	var msgs []validation.Message
	for _, c := range vctx.capabilities().Missing(tool.RequiredCapabilities...) {
		msgs = append(msgs, validation.Error("tool.capability",
			fmt.Sprintf("tool %s requires %s, which %s/%s does not support", tool.Name, c, vctx.Provider, vctx.Model)))
	}
	return validation.NewResult(v.FailOn(), msgs...)
}
