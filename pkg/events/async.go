package events

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/palaver/pkg/inference/engine"
)

// AsyncObserver delivers notifications to an inner observer on its own
// goroutine. The caller never blocks: when the buffer is full the
// notification is dropped and logged. Requests and returns are cloned
// before being queued.
type AsyncObserver struct {
	inner Observer
	ch    chan func()
	done  chan struct{}

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

var _ Observer = (*AsyncObserver)(nil)

func NewAsyncObserver(inner Observer, buffer int) *AsyncObserver {
	if inner == nil {
		inner = NopObserver{}
	}
	if buffer <= 0 {
		buffer = 64
	}
	a := &AsyncObserver{
		inner: inner,
		ch:    make(chan func(), buffer),
		done:  make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *AsyncObserver) run() {
	defer close(a.done)
	for f := range a.ch {
		a.deliver(f)
	}
}

func (a *AsyncObserver) deliver(f func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn().Interface("panic", r).Msg("events: async observer panicked")
		}
	}()
	f()
}

func (a *AsyncObserver) enqueue(kind string, f func()) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		log.Debug().Str("notification", kind).Msg("events: async observer closed, dropping notification")
		return
	}
	select {
	case a.ch <- f:
	default:
		n := a.dropped.Add(1)
		log.Warn().Str("notification", kind).Int64("dropped", n).Msg("events: async observer buffer full, dropping notification")
	}
}

func (a *AsyncObserver) OnStart(req *engine.Request) {
	req = req.Clone()
	a.enqueue("start", func() { a.inner.OnStart(req) })
}

func (a *AsyncObserver) OnPartial(ret *engine.Return) {
	ret = ret.Clone()
	a.enqueue("partial", func() { a.inner.OnPartial(ret) })
}

func (a *AsyncObserver) OnFinal(ret *engine.Return) {
	ret = ret.Clone()
	a.enqueue("final", func() { a.inner.OnFinal(ret) })
}

func (a *AsyncObserver) OnError(err error) {
	a.enqueue("error", func() { a.inner.OnError(err) })
}

// Dropped returns how many notifications were discarded.
func (a *AsyncObserver) Dropped() int64 {
	return a.dropped.Load()
}

// Close stops accepting notifications and waits until the queued ones have
// been delivered.
func (a *AsyncObserver) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.ch)
	}
	a.mu.Unlock()
	<-a.done
}
