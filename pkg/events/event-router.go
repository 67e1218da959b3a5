package events

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/palaver/pkg/helpers"
)

// EventHandler receives decoded events from a topic.
type EventHandler interface {
	HandleStart(ctx context.Context, e *EventStart) error
	HandlePartial(ctx context.Context, e *EventPartial) error
	HandleFinal(ctx context.Context, e *EventFinal) error
	HandleError(ctx context.Context, e *EventError) error
}

type EventRouter struct {
	logger     watermill.LoggerAdapter
	Publisher  message.Publisher
	Subscriber message.Subscriber
	router     *message.Router
	verbose    bool
	out        io.Writer
}

type EventRouterOption func(*EventRouter)

func WithLogger(logger watermill.LoggerAdapter) EventRouterOption {
	return func(r *EventRouter) {
		r.logger = logger
	}
}

func WithPublisher(publisher message.Publisher) EventRouterOption {
	return func(r *EventRouter) {
		r.Publisher = publisher
	}
}

func WithSubscriber(subscriber message.Subscriber) EventRouterOption {
	return func(r *EventRouter) {
		r.Subscriber = subscriber
	}
}

// WithVerbose keeps the event metadata in DumpRawEvents output and logs
// watermill internals through zerolog.
func WithVerbose(verbose bool) EventRouterOption {
	return func(r *EventRouter) {
		r.verbose = verbose
		if verbose {
			r.logger = helpers.NewWatermill(log.Logger)
		}
	}
}

// WithOutput sets where DumpRawEvents writes. Defaults to stdout.
func WithOutput(w io.Writer) EventRouterOption {
	return func(r *EventRouter) {
		r.out = w
	}
}

func NewEventRouter(options ...EventRouterOption) (*EventRouter, error) {
	ret := &EventRouter{
		logger: watermill.NopLogger{},
		out:    os.Stdout,
	}

	for _, o := range options {
		o(ret)
	}

	if ret.Publisher == nil || ret.Subscriber == nil {
		goPubSub := gochannel.NewGoChannel(gochannel.Config{
			BlockPublishUntilSubscriberAck: true,
		}, ret.logger)
		if ret.Publisher == nil {
			ret.Publisher = goPubSub
		}
		if ret.Subscriber == nil {
			ret.Subscriber = goPubSub
		}
	}

	router, err := message.NewRouter(message.RouterConfig{}, ret.logger)
	if err != nil {
		return nil, err
	}

	ret.router = router

	return ret, nil
}

func (e *EventRouter) Close() error {
	var firstErr error
	log.Debug().Msg("events: closing publisher")
	if err := e.Publisher.Close(); err != nil {
		log.Error().Err(err).Msg("events: failed to close pubsub")
		firstErr = err
	}

	// the router is not closed by closing the pubsub
	log.Debug().Msg("events: closing router")
	if err := e.router.Close(); err != nil {
		log.Error().Err(err).Msg("events: failed to close router")
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// NewDispatchHandler returns a watermill handler that decodes each message
// and dispatches it to the matching method of h. Undecodable messages are
// logged and acked.
func NewDispatchHandler(h EventHandler) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		defer msg.Ack()

		e, err := NewEventFromJson(msg.Payload)
		if err != nil {
			log.Error().Err(err).Str("message_id", msg.UUID).Str("payload", string(msg.Payload)).
				Msg("events: failed to parse event from message payload")
			return nil
		}

		ctx := msg.Context()
		switch ev := e.(type) {
		case *EventStart:
			return h.HandleStart(ctx, ev)
		case *EventPartial:
			return h.HandlePartial(ctx, ev)
		case *EventFinal:
			return h.HandleFinal(ctx, ev)
		case *EventError:
			return h.HandleError(ctx, ev)
		default:
			log.Warn().Str("message_id", msg.UUID).Str("event_type", string(e.Type())).Msg("events: unhandled event type")
		}
		return nil
	}
}

func (e *EventRouter) AddHandler(name string, topic string, f func(msg *message.Message) error) {
	e.router.AddNoPublisherHandler(name, topic, e.Subscriber, f)
}

// Observer returns a WatermillObserver publishing to topic on the router's
// publisher.
func (e *EventRouter) Observer(topic string, opts ...WatermillOption) *WatermillObserver {
	return NewWatermillObserver(e.Publisher, topic, opts...)
}

// DumpRawEvents prints each message as indented JSON. Without verbose the
// metadata is reduced to the message id.
func (e *EventRouter) DumpRawEvents(msg *message.Message) error {
	defer msg.Ack()

	var s map[string]interface{}
	err := json.Unmarshal(msg.Payload, &s)
	if err != nil {
		return err
	}
	if !e.verbose {
		if meta, ok := s["meta"].(map[string]interface{}); ok {
			s["id"] = meta["message_id"]
		}
		delete(s, "meta")
	}
	s_, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(e.out, string(s_))
	return err
}

func (e *EventRouter) Running() chan struct{} {
	return e.router.Running()
}

func (e *EventRouter) Run(ctx context.Context) error {
	return e.router.Run(ctx)
}
