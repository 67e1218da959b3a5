package helpers

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturePublisher struct {
	msgs []*message.Message
}

func (c *capturePublisher) Publish(_ string, msgs ...*message.Message) error {
	c.msgs = append(c.msgs, msgs...)
	return nil
}

func (c *capturePublisher) Close() error { return nil }

func TestCorrelationPublisher(t *testing.T) {
	inner := &capturePublisher{}
	p := CorrelationPublisher{Publisher: inner}

	withID := message.NewMessage(watermill.NewUUID(), nil)
	withID.SetContext(ContextWithCorrelationID(context.Background(), "session-1"))

	preset := message.NewMessage(watermill.NewUUID(), nil)
	preset.Metadata.Set(CorrelationIDMetadataKey, "keep")

	bare := message.NewMessage(watermill.NewUUID(), nil)
	bare2 := message.NewMessage(watermill.NewUUID(), nil)

	require.NoError(t, p.Publish("topic", withID, preset, bare, bare2))
	require.Len(t, inner.msgs, 4)
	assert.Equal(t, "session-1", inner.msgs[0].Metadata.Get(CorrelationIDMetadataKey))
	assert.Equal(t, "keep", inner.msgs[1].Metadata.Get(CorrelationIDMetadataKey))
	generated := inner.msgs[2].Metadata.Get(CorrelationIDMetadataKey)
	assert.True(t, strings.HasPrefix(generated, "gen_"))
	assert.Equal(t, generated, inner.msgs[3].Metadata.Get(CorrelationIDMetadataKey), "one generated id per publish")

	_, ok := CorrelationIDFromContext(ContextWithCorrelationID(context.Background(), ""))
	assert.False(t, ok)
}

func TestWatermillLogger(t *testing.T) {
	var buf bytes.Buffer
	lg := NewWatermill(zerolog.New(&buf).Level(zerolog.InfoLevel))

	lg.Info("subscribed", watermill.LogFields{"topic": "chat"})
	assert.Empty(t, buf.String(), "info is logged at debug")

	lg.Error("handler stopped", errors.Wrap(context.Canceled, "router closed"), nil)
	assert.Empty(t, buf.String(), "shutdown errors are logged at debug")

	lg.With(watermill.LogFields{"handler": "printer"}).Error("handler failed", errors.New("boom"), watermill.LogFields{"topic": "chat"})
	out := buf.String()
	assert.Contains(t, out, `"component":"watermill"`)
	assert.Contains(t, out, `"handler":"printer"`)
	assert.Contains(t, out, `"topic":"chat"`)
	assert.Contains(t, out, "events: handler failed")
}
