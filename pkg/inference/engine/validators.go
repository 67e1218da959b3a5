package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/go-go-golems/palaver/pkg/interaction"
	"github.com/go-go-golems/palaver/pkg/validation"
)

// RequestContext describes the call a request is being validated for.
type RequestContext struct {
	Streaming    bool
	ProcessTools bool
	// Resolver defaults to DefaultCapabilities for every model when nil.
	Resolver CapabilityResolver
}

func (c RequestContext) capabilities(req *Request) CapabilitySet {
	if c.Resolver == nil {
		return DefaultCapabilities()
	}
	return c.Resolver.Capabilities(req.Provider, req.Model)
}

type RequestValidator = validation.Validator[*Request, RequestContext]

type requestFunc = validation.Func[*Request, RequestContext]

// RequestValidators returns the checks run before every provider call.
func RequestValidators() []RequestValidator {
	return []RequestValidator{
		requestFunc{ValidatorName: "request-target", Threshold: validation.SeverityError, Fn: validateTarget},
		requestFunc{ValidatorName: "request-body", Threshold: validation.SeverityError, Fn: validateBody},
		requestFunc{ValidatorName: "tool-result-correlation", Threshold: validation.SeverityError, Fn: validateCorrelation},
		requestFunc{ValidatorName: "json-output-schema", Threshold: validation.SeverityError, Fn: validateOutputSchema},
		requestFunc{ValidatorName: "request-capability", Threshold: validation.SeverityError, Fn: validateCapability},
	}
}

// ValidateRequest runs RequestValidators against req.
func ValidateRequest(req *Request, rctx RequestContext) validation.Report {
	return validation.NewPipeline(RequestValidators()...).Run(req, rctx)
}

func validateTarget(req *Request, _ RequestContext) []validation.Message {
	if req == nil {
		return []validation.Message{validation.Error("request.nil", "request is nil")}
	}
	var msgs []validation.Message
	if strings.TrimSpace(req.Provider) == "" {
		msgs = append(msgs, validation.Error("request.provider", "provider is not set"))
	}
	if strings.TrimSpace(req.Model) == "" {
		msgs = append(msgs, validation.Error("request.model", "model is not set"))
	}
	return msgs
}

func validateBody(req *Request, _ RequestContext) []validation.Message {
	if req == nil {
		return nil
	}
	if req.Body.Len() == 0 {
		return []validation.Message{validation.Error("request.body", "request has no interactions")}
	}
	return nil
}

// validateCorrelation checks that every ToolResult answers an earlier
// ToolCall with the same id, name and, when both are set, turn id.
func validateCorrelation(req *Request, _ RequestContext) []validation.Message {
	if req == nil {
		return nil
	}
	var msgs []validation.Message
	var calls []interaction.ToolCall
	for _, it := range req.Body.Interactions() {
		switch v := it.(type) {
		case interaction.ToolCall:
			calls = append(calls, v)
		case interaction.ToolResult:
			var match *interaction.ToolCall
			for i := range calls {
				if v.Answers(calls[i]) {
					match = &calls[i]
					break
				}
			}
			if match == nil {
				msgs = append(msgs, validation.Error("tool_result.orphan",
					fmt.Sprintf("tool result %s (%s) does not answer any earlier tool call", v.ID, v.Name)))
				continue
			}
			if match.TurnID() != "" && v.TurnID() != "" && match.TurnID() != v.TurnID() {
				msgs = append(msgs, validation.Error("tool_result.turn",
					fmt.Sprintf("tool result %s (%s) has turn %s but its call has turn %s",
						v.ID, v.Name, v.TurnID(), match.TurnID())))
			}
		}
	}
	return msgs
}

func validateOutputSchema(req *Request, _ RequestContext) []validation.Message {
	if req == nil || req.Body == nil || req.Body.JSONOutputSchema == nil {
		return nil
	}
	if _, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(req.Body.JSONOutputSchema)); err != nil {
		return []validation.Message{validation.Error("json_output.schema", "invalid JSON output schema: "+err.Error())}
	}
	return nil
}

func validateCapability(req *Request, rctx RequestContext) []validation.Message {
	if req == nil {
		return nil
	}
	caps := rctx.capabilities(req)
	var msgs []validation.Message
	for _, c := range caps.Missing(req.Capability) {
		msgs = append(msgs, validation.Error("capability.missing",
			fmt.Sprintf("%s/%s does not support %s", req.Provider, req.Model, c)))
	}
	if rctx.Streaming && !caps.Has(CapabilityStreaming) {
		msgs = append(msgs, validation.Warning("capability.streaming",
			fmt.Sprintf("%s/%s does not support streaming, falling back to buffered calls", req.Provider, req.Model)))
	}
	if len(req.Tools) > 0 && !caps.Has(CapabilityTools) {
		msgs = append(msgs, validation.Warning("capability.tools",
			fmt.Sprintf("%s/%s does not support tools, offered tools will be ignored", req.Provider, req.Model)))
	}
	if req.Body != nil && req.Body.JSONOutputSchema != nil && !caps.Has(CapabilityJSONOutput) {
		msgs = append(msgs, validation.Info("capability.json_output",
			fmt.Sprintf("%s/%s has no native JSON output, the schema is checked after the call", req.Provider, req.Model)))
	}
	return msgs
}

// JSONResponseValidator checks the last assistant text of a body against
// the body's JSON output schema. Bodies without a schema are valid.
type JSONResponseValidator struct {
	Threshold validation.Severity
	// Schema overrides the body's JSONOutputSchema when set.
	Schema map[string]any
}

var _ validation.Validator[*interaction.Body, struct{}] = JSONResponseValidator{}

func NewJSONResponseValidator(failOn validation.Severity) JSONResponseValidator {
	return JSONResponseValidator{Threshold: failOn}
}

func (v JSONResponseValidator) Name() string                { return "json-response" }
func (v JSONResponseValidator) FailOn() validation.Severity { return v.Threshold }

func (v JSONResponseValidator) Validate(body *interaction.Body, _ struct{}) validation.Result {
	schema := v.Schema
	if schema == nil && body != nil {
		schema = body.JSONOutputSchema
	}
	if schema == nil {
		return validation.Valid()
	}
	text, ok := body.LastAssistantText()
	if !ok {
		return validation.NewResult(v.Threshold, validation.Error("json_response.missing", "no assistant text to validate"))
	}
	text = stripCodeFence(text)
	if !json.Valid([]byte(text)) {
		return validation.NewResult(v.Threshold, validation.Error("json_response.syntax", "assistant response is not valid JSON"))
	}
	res, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewStringLoader(text))
	if err != nil {
		return validation.NewResult(v.Threshold, validation.Error("json_response.schema", "failed to validate json: "+err.Error()))
	}
	var msgs []validation.Message
	for _, e := range res.Errors() {
		msgs = append(msgs, validation.Error("json_response.invalid", e.String()))
	}
	return validation.NewResult(v.Threshold, msgs...)
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}
