package tools

import (
	"context"

	"github.com/go-go-golems/palaver/pkg/interaction"
)

type currentCallKey struct{}

type validationContextKey struct{}

// WithCurrentToolCall annotates ctx with the call being executed.
func WithCurrentToolCall(ctx context.Context, call interaction.ToolCall) context.Context {
	return context.WithValue(ctx, currentCallKey{}, call)
}

// CurrentToolCall returns the call being executed, if any.
func CurrentToolCall(ctx context.Context) (interaction.ToolCall, bool) {
	if ctx == nil {
		return interaction.ToolCall{}, false
	}
	call, ok := ctx.Value(currentCallKey{}).(interaction.ToolCall)
	return call, ok
}

// WithValidationContext attaches the provider/model a handler runs for.
func WithValidationContext(ctx context.Context, vctx ValidationContext) context.Context {
	return context.WithValue(ctx, validationContextKey{}, vctx)
}

func ValidationContextFrom(ctx context.Context) (ValidationContext, bool) {
	if ctx == nil {
		return ValidationContext{}, false
	}
	v, ok := ctx.Value(validationContextKey{}).(ValidationContext)
	return v, ok
}
