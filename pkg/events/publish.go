package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/palaver/pkg/helpers"
	"github.com/go-go-golems/palaver/pkg/inference/engine"
	"github.com/go-go-golems/palaver/pkg/interaction"
)

// WatermillObserver turns session notifications into typed JSON events and
// publishes them on a watermill topic. Every message carries a
// sequence_number and a correlation_id (the session id when set) in its
// metadata.
//
// Publishing is best-effort: failures are logged, never returned.
type WatermillObserver struct {
	publisher message.Publisher
	topic     string
	sessionID string
	// correlationID is the session id, or one generated id per observer
	correlationID string

	mutex          sync.Mutex
	sequenceNumber uint64
	completion     map[string]string
}

var _ Observer = (*WatermillObserver)(nil)

type WatermillOption func(*WatermillObserver)

func WithSessionID(id string) WatermillOption {
	return func(o *WatermillObserver) { o.sessionID = id }
}

func NewWatermillObserver(publisher message.Publisher, topic string, opts ...WatermillOption) *WatermillObserver {
	o := &WatermillObserver{
		publisher:  helpers.CorrelationPublisher{Publisher: publisher},
		topic:      topic,
		completion: map[string]string{},
	}
	for _, opt := range opts {
		opt(o)
	}
	o.correlationID = o.sessionID
	if o.correlationID == "" {
		o.correlationID = helpers.NewCorrelationID()
	}
	return o
}

func (o *WatermillObserver) metadata(turnID string, ret *engine.Return) EventMetadata {
	md := EventMetadata{
		ID:        uuid.New(),
		SessionID: o.sessionID,
		TurnID:    turnID,
	}
	if ret != nil {
		md.Usage = UsageFromMetrics(ret.Metrics)
		if d := ret.Metrics.Duration; d > 0 {
			ms := d.Milliseconds()
			md.DurationMs = &ms
		}
	}
	return md
}

func (o *WatermillObserver) OnStart(req *engine.Request) {
	if req == nil {
		return
	}
	md := o.metadata("", nil)
	md.Provider = req.Provider
	md.Model = req.Model
	o.publish(NewStartEvent(md, req.Provider, req.Model, req.Body.Len()))
}

func (o *WatermillObserver) OnPartial(ret *engine.Return) {
	if ret == nil {
		return
	}
	turnID := turnOf(ret)
	delta := textOf(ret.Body)

	o.mutex.Lock()
	completion := o.completion[turnID] + delta
	if ret.Snapshot != nil {
		completion = textOf(ret.Snapshot)
	}
	o.completion[turnID] = completion
	o.mutex.Unlock()

	ev := NewPartialEvent(o.metadata(turnID, ret), string(ret.Status), delta, completion)
	for _, it := range ret.Interactions() {
		switch v := it.(type) {
		case interaction.ToolCall:
			ev.ToolCalls = append(ev.ToolCalls, ToolCall{ID: v.ID, Name: v.Name, Input: jsonString(v.Arguments)})
		case interaction.ToolResult:
			ev.ToolResults = append(ev.ToolResults, ToolResult{ID: v.ID, Name: v.Name, Result: jsonString(v.Result), Error: v.Error})
		}
	}
	o.publish(ev)
}

func (o *WatermillObserver) OnFinal(ret *engine.Return) {
	if ret == nil {
		return
	}
	o.mutex.Lock()
	o.completion = map[string]string{}
	o.mutex.Unlock()

	ev := NewFinalEvent(o.metadata(turnOf(ret), ret), string(ret.Status), ret.Body.Text())
	if ret.IsError() {
		ev.ErrorKind = string(ret.ErrorKind)
		ev.ErrorMessage = ret.ErrorMessage
	}
	o.publish(ev)
}

func (o *WatermillObserver) OnError(err error) {
	o.publish(NewErrorEvent(o.metadata("", nil), err))
}

func (o *WatermillObserver) publish(ev Event) {
	// lock for the sequence number
	o.mutex.Lock()
	defer o.mutex.Unlock()

	b, err := json.Marshal(ev)
	if err != nil {
		log.Warn().Err(err).Str("event_type", string(ev.Type())).Msg("events: failed to marshal event")
		return
	}

	msg := message.NewMessage(watermill.NewUUID(), b)
	msg.Metadata.Set("sequence_number", fmt.Sprintf("%d", o.sequenceNumber))
	o.sequenceNumber++
	msg.SetContext(helpers.ContextWithCorrelationID(context.Background(), o.correlationID))

	if err := o.publisher.Publish(o.topic, msg); err != nil {
		log.Warn().Err(err).Str("topic", o.topic).Msg("events: failed to publish")
		return
	}
	log.Trace().Str("topic", o.topic).Str("event_type", string(ev.Type())).Msg("events: published")
}

// turnOf returns the turn id of the first interaction that carries one.
func turnOf(ret *engine.Return) string {
	for _, it := range ret.Interactions() {
		if id := it.TurnID(); id != "" {
			return id
		}
	}
	return ""
}

func textOf(b *interaction.Body) string {
	var s string
	for _, it := range b.Interactions() {
		if t, ok := it.(interaction.Text); ok && t.Role == interaction.AgentAssistant {
			s += t.Content
		}
	}
	return s
}

func jsonString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
