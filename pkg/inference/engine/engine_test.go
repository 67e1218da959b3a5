package engine

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/palaver/pkg/interaction"
	"github.com/go-go-golems/palaver/pkg/validation"
)

func testRequest(items ...interaction.Interaction) *Request {
	return &Request{
		Provider:   "scripted",
		Model:      "test",
		Capability: CapabilityChat,
		Body:       interaction.NewBody(items...),
	}
}

func TestInvokeMapsNilToProviderError(t *testing.T) {
	exec := ExecutorFunc(func(ctx context.Context, req *Request) (*Return, error) {
		return nil, nil
	})
	ret := Invoke(context.Background(), exec, testRequest(interaction.NewUserText("hi")))
	require.True(t, ret.IsError())
	assert.Equal(t, ErrorKindProvider, ret.ErrorKind)
	assert.True(t, errors.Is(ret.Err, ErrNoResponse))
	require.NotEmpty(t, ret.Messages)
	assert.Equal(t, validation.SeverityError, ret.Messages[len(ret.Messages)-1].Severity)
}

func TestInvokeRecoversPanics(t *testing.T) {
	exec := ExecutorFunc(func(ctx context.Context, req *Request) (*Return, error) {
		panic("boom")
	})
	ret := Invoke(context.Background(), exec, testRequest(interaction.NewUserText("hi")))
	require.True(t, ret.IsError())
	assert.Contains(t, ret.ErrorMessage, "boom")
}

func TestInvokeObservesCancellationFirst(t *testing.T) {
	called := false
	exec := ExecutorFunc(func(ctx context.Context, req *Request) (*Return, error) {
		called = true
		return NewReturn(interaction.NewAssistantText("x")), nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ret := Invoke(ctx, exec, testRequest(interaction.NewUserText("hi")))
	assert.False(t, called)
	assert.Equal(t, ErrorKindCancellation, ret.ErrorKind)
}

func TestInvokeFillsStatusAndDuration(t *testing.T) {
	exec := ExecutorFunc(func(ctx context.Context, req *Request) (*Return, error) {
		time.Sleep(time.Millisecond)
		return &Return{Body: interaction.NewBody(interaction.NewToolCall("1", "x", nil))}, nil
	})
	ret := Invoke(context.Background(), exec, testRequest(interaction.NewUserText("hi")))
	assert.Equal(t, StatusCallingTools, ret.Status)
	assert.Greater(t, ret.Metrics.Duration, time.Duration(0))
}

func TestCancellationReturnDistinguishesTimeout(t *testing.T) {
	errCustom := errors.New("custom timeout")
	ctx, cancel := context.WithTimeoutCause(context.Background(), time.Nanosecond, errCustom)
	defer cancel()
	<-ctx.Done()
	ret := NewCancellationReturn(ctx)
	assert.Equal(t, ErrorKindTimeout, ret.ErrorKind)
	assert.True(t, errors.Is(ret.Err, errCustom))
	assert.Contains(t, ret.ErrorMessage, "timed out")

	errStop := errors.New("stopped")
	ctx2, cancel2 := context.WithCancelCause(context.Background())
	cancel2(errStop)
	ret = NewCancellationReturn(ctx2)
	assert.Equal(t, ErrorKindCancellation, ret.ErrorKind)
	assert.True(t, errors.Is(ret.Err, errStop))
}

func TestRequestCloneIsIsolated(t *testing.T) {
	req := testRequest(interaction.NewToolCall("1", "x", map[string]any{"a": 1}))
	c := req.Clone()
	c.Body.Append(interaction.NewUserText("more"))
	c.Model = "other"
	assert.Equal(t, 1, req.Body.Len())
	assert.Equal(t, "test", req.Model)
}

func TestStaticCapabilities(t *testing.T) {
	caps := NewStaticCapabilities(
		CapabilityRule{Provider: "claude", Capabilities: CapabilitySet{CapabilityChat, CapabilityTools}},
		CapabilityRule{Model: "gpt-4*", Capabilities: CapabilitySet{CapabilityChat, CapabilityTools, CapabilityStreaming, CapabilityJSONOutput}},
	)
	assert.False(t, caps.Capabilities("claude", "sonnet").Has(CapabilityStreaming))
	assert.True(t, caps.Capabilities("openai", "gpt-4o").Has(CapabilityJSONOutput))
	assert.Equal(t, DefaultCapabilities(), caps.Capabilities("ollama", "llama3"))
	assert.Equal(t, []Capability{CapabilityJSONOutput},
		caps.Capabilities("claude", "x").Missing(CapabilityChat, CapabilityJSONOutput))
}
