package helpers

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/lithammer/shortuuid/v3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// WatermillLogger routes the event bus logs through zerolog under
// component=watermill. Info is demoted to debug, and errors caused by the
// router shutting down at the end of a run are logged at debug too.
type WatermillLogger struct {
	logger zerolog.Logger
}

var _ watermill.LoggerAdapter = (*WatermillLogger)(nil)

func NewWatermill(logger zerolog.Logger) *WatermillLogger {
	return &WatermillLogger{logger: logger.With().Str("component", "watermill").Logger()}
}

func (w *WatermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	ev := w.logger.Error()
	if errors.Is(err, context.Canceled) {
		ev = w.logger.Debug()
	}
	ev.Fields(map[string]interface{}(fields)).Err(err).Msg("events: " + msg)
}

func (w *WatermillLogger) Info(msg string, fields watermill.LogFields) {
	w.logger.Debug().Fields(map[string]interface{}(fields)).Msg("events: " + msg)
}

func (w *WatermillLogger) Debug(msg string, fields watermill.LogFields) {
	w.logger.Debug().Fields(map[string]interface{}(fields)).Msg("events: " + msg)
}

func (w *WatermillLogger) Trace(msg string, fields watermill.LogFields) {
	w.logger.Trace().Fields(map[string]interface{}(fields)).Msg("events: " + msg)
}

func (w *WatermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &WatermillLogger{logger: w.logger.With().Fields(map[string]interface{}(fields)).Logger()}
}

// CorrelationIDMetadataKey is the message metadata key grouping the events
// of one session.
const CorrelationIDMetadataKey = "correlation_id"

type correlationIDKey struct{}

// ContextWithCorrelationID attaches the session id events published from
// ctx are grouped under.
func ContextWithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, correlationID)
}

func CorrelationIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(correlationIDKey{}).(string)
	return v, ok && v != ""
}

// NewCorrelationID returns a generated id, prefixed so it can be told apart
// from a session id.
func NewCorrelationID() string {
	return "gen_" + shortuuid.New()
}

// CorrelationPublisher stamps the correlation id of the message context
// on outgoing messages that have none. Messages published outside of a
// session get one generated id per Publish call.
type CorrelationPublisher struct {
	message.Publisher
}

func (c CorrelationPublisher) Publish(topic string, messages ...*message.Message) error {
	generated := ""
	for _, msg := range messages {
		if msg.Metadata.Get(CorrelationIDMetadataKey) != "" {
			continue
		}
		id, ok := CorrelationIDFromContext(msg.Context())
		if !ok {
			if generated == "" {
				generated = NewCorrelationID()
			}
			id = generated
		}
		msg.Metadata.Set(CorrelationIDMetadataKey, id)
	}
	return c.Publisher.Publish(topic, messages...)
}
