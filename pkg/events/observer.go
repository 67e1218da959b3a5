package events

import (
	"context"

	"github.com/go-go-golems/palaver/pkg/inference/engine"
)

// Observer is notified by a session as a run progresses. Implementations
// must not block for long: they are called on the session's goroutine.
// Wrap slow observers with NewAsyncObserver.
type Observer interface {
	OnStart(req *engine.Request)
	OnPartial(ret *engine.Return)
	OnFinal(ret *engine.Return)
	OnError(err error)
}

type NopObserver struct{}

func (NopObserver) OnStart(*engine.Request)  {}
func (NopObserver) OnPartial(*engine.Return) {}
func (NopObserver) OnFinal(*engine.Return)   {}
func (NopObserver) OnError(error)            {}

var _ Observer = NopObserver{}

// Funcs adapts plain functions to an Observer. Nil fields are skipped.
type Funcs struct {
	Start   func(req *engine.Request)
	Partial func(ret *engine.Return)
	Final   func(ret *engine.Return)
	Error   func(err error)
}

func (f Funcs) OnStart(req *engine.Request) {
	if f.Start != nil {
		f.Start(req)
	}
}

func (f Funcs) OnPartial(ret *engine.Return) {
	if f.Partial != nil {
		f.Partial(ret)
	}
}

func (f Funcs) OnFinal(ret *engine.Return) {
	if f.Final != nil {
		f.Final(ret)
	}
}

func (f Funcs) OnError(err error) {
	if f.Error != nil {
		f.Error(err)
	}
}

var _ Observer = Funcs{}

// Multi fans every notification out to each observer in order.
type Multi []Observer

func NewMulti(observers ...Observer) Multi {
	out := make(Multi, 0, len(observers))
	for _, o := range observers {
		if o != nil {
			out = append(out, o)
		}
	}
	return out
}

func (m Multi) OnStart(req *engine.Request) {
	for _, o := range m {
		o.OnStart(req)
	}
}

func (m Multi) OnPartial(ret *engine.Return) {
	for _, o := range m {
		o.OnPartial(ret)
	}
}

func (m Multi) OnFinal(ret *engine.Return) {
	for _, o := range m {
		o.OnFinal(ret)
	}
}

func (m Multi) OnError(err error) {
	for _, o := range m {
		o.OnError(err)
	}
}

var _ Observer = Multi{}

type ctxKey int

const (
	ctxKeyObserver ctxKey = iota
)

// WithObserver attaches an observer to the context. Observers already
// attached keep receiving notifications.
func WithObserver(ctx context.Context, o Observer) context.Context {
	if o == nil {
		return ctx
	}
	if existing, ok := ObserverFromContext(ctx); ok {
		o = NewMulti(existing, o)
	}
	return context.WithValue(ctx, ctxKeyObserver, o)
}

// ObserverFromContext returns the observer attached to the context.
func ObserverFromContext(ctx context.Context) (Observer, bool) {
	if ctx == nil {
		return nil, false
	}
	o, ok := ctx.Value(ctxKeyObserver).(Observer)
	return o, ok && o != nil
}
