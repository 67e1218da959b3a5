package session

import (
	"context"
	"sync"

	"github.com/lithammer/shortuuid/v3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/palaver/pkg/events"
	"github.com/go-go-golems/palaver/pkg/inference/engine"
	"github.com/go-go-golems/palaver/pkg/inference/specialturn"
	"github.com/go-go-golems/palaver/pkg/interaction"
)

var (
	// ErrSessionCancelled is the cancellation cause set by Cancel.
	ErrSessionCancelled     = errors.New("session cancelled")
	ErrSessionAlreadyActive = errors.New("session already has an active run")
	// ErrStreamStopped is reported to observers when the consumer of Stream
	// stops iterating before the run ended.
	ErrStreamStopped = errors.New("stream consumer stopped")
)

// Discoverer is implemented by tool sources that populate their registry
// lazily. *tools.Manager implements it.
type Discoverer interface {
	Discover(ctx context.Context)
}

// Session owns one conversation: its request and history, the executor and
// tools the turn loop uses, and the cancellation source of its runs.
//
// A Session runs one RunToStableResult, Stream or special turn at a time;
// a second concurrent run is rejected with ErrSessionAlreadyActive.
// History accessors and Cancel may be called from any goroutine.
type Session struct {
	SessionID string

	exec     engine.Executor
	tools    specialturn.ToolSource
	observer events.Observer
	resolver engine.CapabilityResolver
	sopts    engine.StreamingOptions
	logger   zerolog.Logger
	greeting *specialturn.Config

	mu                sync.Mutex
	req               *engine.Request
	last              *engine.Return
	greetingGenerated bool
	active            bool
	runCancel         context.CancelCauseFunc

	// root is re-armed by Cancel
	root   context.Context
	cancel context.CancelCauseFunc
}

type Option func(*Session)

func WithTools(t specialturn.ToolSource) Option {
	return func(s *Session) { s.tools = t }
}

func WithObserver(o events.Observer) Option {
	return func(s *Session) { s.observer = o }
}

// WithRequest seeds the session with a copy of req.
func WithRequest(req *engine.Request) Option {
	return func(s *Session) {
		if req != nil {
			s.req = req.Clone()
		}
	}
}

// WithGreeting enables the greeting special turn.
func WithGreeting(cfg specialturn.Config) Option {
	return func(s *Session) { s.greeting = &cfg }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

func WithCapabilityResolver(r engine.CapabilityResolver) Option {
	return func(s *Session) { s.resolver = r }
}

func WithStreamingOptions(o engine.StreamingOptions) Option {
	return func(s *Session) { s.sopts = o }
}

func WithSessionID(id string) Option {
	return func(s *Session) {
		if id != "" {
			s.SessionID = id
		}
	}
}

// New constructs a Session with a generated SessionID.
func New(exec engine.Executor, opts ...Option) *Session {
	s := &Session{
		SessionID: shortuuid.New(),
		exec:      exec,
		sopts:     engine.DefaultStreamingOptions(),
		logger:    log.Logger,
		req:       &engine.Request{Body: interaction.NewBody()},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.req.Body == nil {
		s.req.Body = interaction.NewBody()
	}
	s.arm()
	return s
}

func (s *Session) arm() {
	s.root, s.cancel = context.WithCancelCause(context.Background())
}

// Cancel cancels the run in flight, if any, with ErrSessionCancelled and
// re-arms the session so the next run starts with a fresh source.
func (s *Session) Cancel() {
	s.mu.Lock()
	cancel, run := s.cancel, s.runCancel
	s.arm()
	s.mu.Unlock()

	cancel(ErrSessionCancelled)
	if run != nil {
		run(ErrSessionCancelled)
	}
	s.logger.Debug().Str("session_id", s.SessionID).Bool("in_flight", run != nil).Msg("session: cancelled")
}

// IsRunning reports whether a run is in flight.
func (s *Session) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// begin marks the session active and merges ctx with the session's
// cancellation source. The returned func releases both.
func (s *Session) begin(ctx context.Context) (context.Context, func(), error) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return nil, nil, ErrSessionAlreadyActive
	}
	s.active = true
	root := s.root
	merged, cancel := context.WithCancelCause(ctx)
	s.runCancel = cancel
	s.mu.Unlock()

	stop := context.AfterFunc(root, func() { cancel(context.Cause(root)) })
	return merged, func() {
		stop()
		cancel(nil)
		s.mu.Lock()
		s.active = false
		s.runCancel = nil
		s.mu.Unlock()
	}, nil
}

func (s *Session) reject(err error) *engine.Return {
	ret := engine.NewErrorReturn(engine.ErrorKindValidation, err)
	s.logger.Warn().Str("session_id", s.SessionID).Err(err).Msg("session: run rejected")
	s.notify(s.observer, func(o events.Observer) { o.OnError(err) })
	return ret
}

// History returns a copy of the conversation history.
func (s *Session) History() *interaction.Body {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.req.Body.Clone()
}

// Request returns a copy of the session's request.
func (s *Session) Request() *engine.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.req.Clone()
}

// GetHistoryReturn wraps a copy of the history in a Return. Calling it twice
// without a mutation in between yields identical bodies.
func (s *Session) GetHistoryReturn() *engine.Return {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := engine.StatusFinished
	if s.req.Body.PendingToolCallsCount() > 0 {
		status = engine.StatusCallingTools
	}
	return &engine.Return{Status: status, Body: s.req.Body.Clone()}
}

// LastReturn returns a copy of the most recent result, or nil.
func (s *Session) LastReturn() *engine.Return {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last.Clone()
}

func (s *Session) AddUserMessage(text string) {
	s.AddInteractions(interaction.NewUserText(text))
}

func (s *Session) AddInteractions(items ...interaction.Interaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.req.Body.Append(items...)
}

// ReplaceHistory swaps the whole history, for instance with an imported one.
func (s *Session) ReplaceHistory(items ...interaction.Interaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.req.Body.Replace(items...)
}

func (s *Session) SetModel(model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.req.Model = model
}

func (s *Session) SetProvider(provider string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.req.Provider = provider
}

// request returns the copy a call runs on, with the tools offered when
// tools are processed.
func (s *Session) request(processTools bool) *engine.Request {
	s.mu.Lock()
	req := s.req.Clone()
	s.mu.Unlock()
	req.Tools = nil
	if processTools && s.tools != nil {
		req.Tools = s.tools.Specs(req.Body.ToolFilter)
	}
	return req
}

func (s *Session) commit(items ...interaction.Interaction) {
	if len(items) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.req.Body.Append(items...)
}

func (s *Session) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.req.Body.PendingToolCallsCount()
}

func (s *Session) historyLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.req.Body.Len()
}

// since copies the history, marking the interactions from index i on as new.
func (s *Session) since(i int) *interaction.Body {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.req.Body.Since(i)
}

func (s *Session) setLast(ret *engine.Return) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = ret
}

func (s *Session) discover(ctx context.Context) {
	if d, ok := s.tools.(Discoverer); ok {
		d.Discover(ctx)
	}
}

// observerFor combines the session observer with the one carried by ctx.
func (s *Session) observerFor(ctx context.Context) events.Observer {
	fromCtx, _ := events.ObserverFromContext(ctx)
	return events.NewMulti(s.observer, fromCtx)
}

// notify calls o and recovers its panics.
func (s *Session) notify(o events.Observer, fn func(events.Observer)) {
	if o == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Str("session_id", s.SessionID).Msg("session: observer panicked")
		}
	}()
	fn(o)
}

// protect runs fn and turns a panic into an error Return.
func (s *Session) protect(fn func() *engine.Return) (ret *engine.Return) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Str("session_id", s.SessionID).Msg("session: recovered panic")
			ret = engine.NewErrorReturn(engine.ErrorKindProvider, errors.Errorf("session panicked: %v", r))
		}
	}()
	return fn()
}
