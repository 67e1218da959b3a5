package tools

import (
	"context"
	"encoding/json"
	"reflect"

	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/palaver/pkg/inference/engine"
	"github.com/go-go-golems/palaver/pkg/interaction"
)

// ToolFunc executes one tool call. The returned Return should carry a
// ToolResult; missing id, name and turn id are filled in by the Manager.
type ToolFunc func(ctx context.Context, call interaction.ToolCall) (*engine.Return, error)

// Tool is a named, schema-described function the model may call.
type Tool struct {
	Name                 string              `json:"name" yaml:"name"`
	Description          string              `json:"description" yaml:"description"`
	Category             string              `json:"category,omitempty" yaml:"category,omitempty"`
	Parameters           *jsonschema.Schema  `json:"parameters,omitempty" yaml:"-"`
	RequiredCapabilities []engine.Capability `json:"required_capabilities,omitempty" yaml:"required_capabilities,omitempty"`
	Execute              ToolFunc            `json:"-" yaml:"-"`
}

// Spec returns the provider-facing description of the tool.
func (t Tool) Spec() engine.ToolSpec {
	return engine.ToolSpec{Name: t.Name, Description: t.Description, Parameters: t.Parameters}
}

// ToolProvider supplies tools during discovery.
type ToolProvider interface {
	Name() string
	GetTools(ctx context.Context) ([]Tool, error)
}

// StaticProvider is a ToolProvider over a fixed list.
type StaticProvider struct {
	ProviderName string
	List         []Tool
}

var _ ToolProvider = (*StaticProvider)(nil)

func NewStaticProvider(name string, tools ...Tool) *StaticProvider {
	return &StaticProvider{ProviderName: name, List: tools}
}

func (p *StaticProvider) Name() string { return p.ProviderName }

func (p *StaticProvider) GetTools(context.Context) ([]Tool, error) {
	return append([]Tool(nil), p.List...), nil
}

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// NewToolFromFunc wraps a typed Go function as a Tool. Supported shapes are
// func(In) Out, func(In) (Out, error), func(context.Context, In) Out and
// func(context.Context, In) (Out, error). The parameter schema is reflected
// from In, and call arguments are decoded into In through JSON.
func NewToolFromFunc(name, description string, fn interface{}) (*Tool, error) {
	funcType := reflect.TypeOf(fn)
	if funcType == nil || funcType.Kind() != reflect.Func {
		return nil, errors.New("provided value is not a function")
	}
	if funcType.NumOut() == 0 || funcType.NumOut() > 2 {
		return nil, errors.New("function must return (result) or (result, error)")
	}
	if funcType.NumOut() == 2 && !funcType.Out(1).Implements(errorType) {
		return nil, errors.New("second return value must be an error")
	}

	var inType reflect.Type
	withCtx := false
	switch funcType.NumIn() {
	case 0:
	case 1:
		if funcType.In(0) == contextType {
			withCtx = true
		} else {
			inType = funcType.In(0)
		}
	case 2:
		if funcType.In(0) != contextType {
			return nil, errors.New("two-arg tool function must be (context.Context, Input)")
		}
		withCtx = true
		inType = funcType.In(1)
	default:
		return nil, errors.New("function must take (Input) or (context.Context, Input)")
	}

	schema := schemaFor(inType)
	fnValue := reflect.ValueOf(fn)

	execute := func(ctx context.Context, call interaction.ToolCall) (*engine.Return, error) {
		var in []reflect.Value
		if withCtx {
			in = append(in, reflect.ValueOf(ctx))
		}
		if inType != nil {
			v, err := decodeArguments(call.Arguments, inType)
			if err != nil {
				return nil, err
			}
			in = append(in, v)
		}
		log.Debug().Str("tool", name).Str("call_id", call.ID).Msg("tools: invoking function")
		out, err := extractResults(fnValue.Call(in))
		if err != nil {
			res := interaction.NewToolError(call.ID, call.Name, err.Error())
			if out != nil {
				res.Result = out
			}
			return &engine.Return{Status: engine.StatusFinished, Body: interaction.NewBody(res)}, err
		}
		return engine.NewReturn(interaction.NewToolResult(call.ID, call.Name, out)), nil
	}

	return &Tool{
		Name:        name,
		Description: description,
		Parameters:  schema,
		Execute:     execute,
	}, nil
}

func decodeArguments(args map[string]any, inType reflect.Type) (reflect.Value, error) {
	ptr := reflect.New(inType)
	if args == nil {
		return ptr.Elem(), nil
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return reflect.Value{}, errors.Wrap(err, "failed to encode arguments")
	}
	if err := json.Unmarshal(raw, ptr.Interface()); err != nil {
		return reflect.Value{}, errors.Wrap(err, "failed to unmarshal arguments")
	}
	return ptr.Elem(), nil
}

func schemaFor(inType reflect.Type) *jsonschema.Schema {
	if inType == nil {
		return &jsonschema.Schema{Type: "object"}
	}
	reflector := jsonschema.Reflector{
		// Expand definitions inline instead of using $refs
		DoNotReference: true,
	}
	schema := reflector.Reflect(reflect.New(inType).Elem().Interface())
	if schema.Type == "" && schema.Ref == "" {
		schema.Type = "object"
	}
	return schema
}

func extractResults(results []reflect.Value) (interface{}, error) {
	switch len(results) {
	case 1:
		return results[0].Interface(), nil
	case 2:
		out := results[0].Interface()
		if errV := results[1].Interface(); errV != nil {
			return out, errV.(error)
		}
		return out, nil
	}
	return nil, errors.Errorf("unexpected number of return values: %d", len(results))
}
