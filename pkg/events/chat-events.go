package events

import (
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type EventType string

const (
	// EventTypeStart is published before the first provider call of a run.
	EventTypeStart EventType = "start"
	// EventTypePartial carries the interactions a turn or a streamed delta produced.
	EventTypePartial EventType = "partial"
	// EventTypeFinal carries the terminal result of a run.
	EventTypeFinal EventType = "final"
	EventTypeError EventType = "error"
)

type Event interface {
	Type() EventType
	Metadata() EventMetadata
	Payload() []byte
}

type EventImpl struct {
	Type_     EventType     `json:"type"`
	Metadata_ EventMetadata `json:"meta,omitempty"`

	// store payload if the event was deserialized from JSON (see NewEventFromJson), not further used
	payload []byte
}

func (e *EventImpl) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("type", string(e.Type_))
	ev.Object("meta", e.Metadata_)
}

func (e *EventImpl) Type() EventType {
	return e.Type_
}

func (e *EventImpl) Metadata() EventMetadata {
	return e.Metadata_
}

func (e *EventImpl) Payload() []byte {
	return e.payload
}

var _ Event = &EventImpl{}

type EventStart struct {
	EventImpl
	Provider     string `json:"provider,omitempty"`
	Model        string `json:"model,omitempty"`
	Interactions int    `json:"interactions"`
}

func NewStartEvent(metadata EventMetadata, provider, model string, interactions int) *EventStart {
	return &EventStart{
		EventImpl:    EventImpl{Type_: EventTypeStart, Metadata_: metadata},
		Provider:     provider,
		Model:        model,
		Interactions: interactions,
	}
}

var _ Event = &EventStart{}

// ToolCall is the wire form of a tool call announcement. Input is the JSON
// encoded argument object.
type ToolCall struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Input string `json:"input"`
}

type ToolResult struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// EventPartial is published for every partial result. Delta is the text the
// result added, Completion the accumulated text of the turn when known.
type EventPartial struct {
	EventImpl
	Status      string       `json:"status"`
	Delta       string       `json:"delta,omitempty"`
	Completion  string       `json:"completion,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

func NewPartialEvent(metadata EventMetadata, status, delta, completion string) *EventPartial {
	return &EventPartial{
		EventImpl:  EventImpl{Type_: EventTypePartial, Metadata_: metadata},
		Status:     status,
		Delta:      delta,
		Completion: completion,
	}
}

var _ Event = &EventPartial{}

type EventFinal struct {
	EventImpl
	Status       string `json:"status"`
	Text         string `json:"text"`
	ErrorKind    string `json:"error_kind,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

func NewFinalEvent(metadata EventMetadata, status, text string) *EventFinal {
	return &EventFinal{
		EventImpl: EventImpl{Type_: EventTypeFinal, Metadata_: metadata},
		Status:    status,
		Text:      text,
	}
}

var _ Event = &EventFinal{}

type EventError struct {
	EventImpl
	ErrorString string `json:"error_string"`
}

func NewErrorEvent(metadata EventMetadata, err error) *EventError {
	s := ""
	if err != nil {
		s = err.Error()
	}
	return &EventError{
		EventImpl:   EventImpl{Type_: EventTypeError, Metadata_: metadata},
		ErrorString: s,
	}
}

var _ Event = &EventError{}

func NewEventFromJson(b []byte) (Event, error) {
	var hdr struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(b, &hdr); err != nil {
		return nil, errors.Wrap(err, "could not decode event header")
	}

	var (
		ev  Event
		err error
	)
	switch hdr.Type {
	case EventTypeStart:
		ev, err = decode[EventStart](b)
	case EventTypePartial:
		ev, err = decode[EventPartial](b)
	case EventTypeFinal:
		ev, err = decode[EventFinal](b)
	case EventTypeError:
		ev, err = decode[EventError](b)
	default:
		ev, err = decode[EventImpl](b)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "could not decode %s event", hdr.Type)
	}
	return ev, nil
}

type payloadSetter interface {
	setPayload([]byte)
}

func (e *EventImpl) setPayload(b []byte) {
	e.payload = b
}

func decode[T any, PT interface {
	*T
	Event
	payloadSetter
}](b []byte) (Event, error) {
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	p := PT(&v)
	p.setPayload(b)
	return p, nil
}
