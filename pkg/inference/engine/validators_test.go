package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/palaver/pkg/interaction"
	"github.com/go-go-golems/palaver/pkg/validation"
)

func TestValidateRequestTargetAndBody(t *testing.T) {
	report := ValidateRequest(&Request{Body: interaction.NewBody()}, RequestContext{})
	require.False(t, report.Valid)
	assert.ElementsMatch(t, []string{"request-target", "request-body"}, report.Failed)
	assert.Len(t, report.Errors(), 3)
	assert.Error(t, report.Err())

	report = ValidateRequest(testRequest(interaction.NewUserText("hi")), RequestContext{})
	assert.True(t, report.Valid)
	assert.Empty(t, report.Messages)
}

func TestValidateRequestToolResultCorrelation(t *testing.T) {
	req := testRequest(
		interaction.NewToolCall("1", "weather", nil).WithTurnID("t1"),
		interaction.NewToolResult("1", "weather", "sunny").WithTurnID("t2"),
	)
	report := ValidateRequest(req, RequestContext{})
	require.False(t, report.Valid)
	assert.Equal(t, []string{"tool-result-correlation"}, report.Failed)

	req = testRequest(interaction.NewToolResult("9", "weather", "sunny"))
	report = ValidateRequest(req, RequestContext{})
	require.False(t, report.Valid)
	assert.Equal(t, "tool_result.orphan", report.Errors()[0].Code)

	req = testRequest(
		interaction.NewToolCall("1", "weather", nil).WithTurnID("t1"),
		interaction.NewToolResult("1", "weather", "sunny").WithTurnID("t1"),
	)
	assert.True(t, ValidateRequest(req, RequestContext{}).Valid)
}

func TestValidateRequestStreamingWarning(t *testing.T) {
	resolver := ResolverFunc(func(provider, model string) CapabilitySet {
		return CapabilitySet{CapabilityChat}
	})
	report := ValidateRequest(testRequest(interaction.NewUserText("hi")), RequestContext{Streaming: true, Resolver: resolver})
	assert.True(t, report.Valid)
	require.Len(t, report.Messages, 1)
	assert.Equal(t, validation.SeverityWarning, report.Messages[0].Severity)
	assert.Equal(t, "request-capability", report.Messages[0].Source)

	req := testRequest(interaction.NewUserText("hi"))
	req.Capability = CapabilityTools
	assert.False(t, ValidateRequest(req, RequestContext{Resolver: resolver}).Valid)
}

func TestValidateRequestOutputSchema(t *testing.T) {
	req := testRequest(interaction.NewUserText("hi"))
	req.Body.JSONOutputSchema = map[string]any{"type": "bogus"}
	report := ValidateRequest(req, RequestContext{})
	assert.False(t, report.Valid)
	assert.Contains(t, report.Failed, "json-output-schema")
}

func TestJSONResponseValidator(t *testing.T) {
	schema := map[string]any{
		"type":     "object",
		"required": []any{"answer"},
		"properties": map[string]any{
			"answer": map[string]any{"type": "string"},
		},
	}
	v := NewJSONResponseValidator(validation.SeverityError)

	body := interaction.NewBody(interaction.NewAssistantText("```json\n{\"answer\": \"42\"}\n```"))
	body.JSONOutputSchema = schema
	assert.True(t, v.Validate(body, struct{}{}).IsValid)

	body = interaction.NewBody(interaction.NewAssistantText(`{"answer": 42}`))
	body.JSONOutputSchema = schema
	res := v.Validate(body, struct{}{})
	assert.False(t, res.IsValid)
	require.NotEmpty(t, res.Messages)

	body = interaction.NewBody(interaction.NewAssistantText("not json"))
	body.JSONOutputSchema = schema
	assert.False(t, v.Validate(body, struct{}{}).IsValid)

	lenient := NewJSONResponseValidator(validation.SeverityError + 1)
	assert.True(t, lenient.Validate(body, struct{}{}).IsValid)

	assert.True(t, v.Validate(interaction.NewBody(interaction.NewAssistantText("plain")), struct{}{}).IsValid)
}
