package fixtures

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/palaver/pkg/helpers"
	"github.com/go-go-golems/palaver/pkg/inference/engine"
	"github.com/go-go-golems/palaver/pkg/interaction"
)

// ErrScriptExhausted is returned when a call has no step left to play.
var ErrScriptExhausted = errors.New("script exhausted")

// Executor is a provider that plays a Script. It records every request it
// receives. It can stream, in which case the same steps are delivered as
// deltas.
type Executor struct {
	mu        sync.Mutex
	script    Script
	next      int
	streaming bool
	requests  []*engine.Request
}

var _ engine.Executor = (*Executor)(nil)
var _ engine.StreamingAdapter = (*Executor)(nil)

type Option func(*Executor)

// WithStreaming makes the executor offer a streaming adapter.
func WithStreaming(v bool) Option {
	return func(e *Executor) { e.streaming = v }
}

func NewExecutor(script Script, opts ...Option) *Executor {
	e := &Executor{script: script}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Requests returns copies of the requests received so far.
func (e *Executor) Requests() []*engine.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*engine.Request, len(e.requests))
	copy(out, e.requests)
	return out
}

// Calls returns how many provider calls were made, streamed or not.
func (e *Executor) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.requests)
}

func (e *Executor) take(req *engine.Request) (Step, int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.requests = append(e.requests, req.Clone())
	n := len(e.requests)

	switch {
	case e.next < len(e.script.Turns):
		st := e.script.Turns[e.next]
		e.next++
		return st, n, nil
	case e.script.Repeat && len(e.script.Turns) > 0:
		return e.script.Turns[len(e.script.Turns)-1], n, nil
	case e.script.Echo:
		return Step{Text: echo(req.Body)}, n, nil
	}
	return Step{}, n, ErrScriptExhausted
}

func echo(b *interaction.Body) string {
	items := b.Interactions()
	for i := len(items) - 1; i >= 0; i-- {
		if t, ok := items[i].(interaction.Text); ok && t.Role == interaction.AgentUser {
			return "echo: " + t.Content
		}
	}
	return "echo"
}

func (e *Executor) ExecProvider(ctx context.Context, req *engine.Request) (*engine.Return, error) {
	st, n, err := e.take(req)
	if err != nil {
		return nil, err
	}
	if err := wait(ctx, st.Delay); err != nil {
		return nil, err
	}
	if st.Error != "" {
		return nil, errors.New(st.Error)
	}

	var produced []interaction.Interaction
	if st.Text != "" || len(st.Chunks) > 0 {
		text := st.Text
		if text == "" {
			text = strings.Join(st.Chunks, "")
		}
		produced = append(produced, interaction.NewAssistantText(text))
	}
	produced = append(produced, toolCalls(st, n)...)

	ret := engine.NewReturn(produced...)
	ret.Metrics = metrics(st, req, produced)
	log.Debug().Int("call", n).Int("produced", len(produced)).Msg("fixtures: scripted call")
	return ret, nil
}

func (e *Executor) StreamingAdapter(*engine.Request) (engine.StreamingAdapter, bool) {
	if !e.streaming {
		return nil, false
	}
	return e, true
}

// Stream delivers the next step as text deltas followed by one delta per
// tool call. Every delta carries the accumulated turn as Snapshot.
func (e *Executor) Stream(ctx context.Context, req *engine.Request, opts engine.StreamingOptions) iter.Seq2[*engine.Return, error] {
	return func(yield func(*engine.Return, error) bool) {
		st, n, err := e.take(req)
		if err != nil {
			yield(nil, err)
			return
		}
		if st.Error != "" {
			yield(nil, errors.New(st.Error))
			return
		}

		chunks := st.Chunks
		if len(chunks) == 0 && st.Text != "" {
			chunks = splitWords(st.Text)
		}

		var acc strings.Builder
		var snapshot []interaction.Interaction
		emit := func(items ...interaction.Interaction) bool {
			d := &engine.Return{
				Status:   engine.StatusStreaming,
				Body:     interaction.NewBody(items...),
				Snapshot: interaction.NewBody(snapshot...),
			}
			return yield(d, nil)
		}

		for i, c := range chunks {
			if st.FailAfter > 0 && i >= st.FailAfter {
				yield(nil, errors.Errorf("stream broke after %d chunks", i))
				return
			}
			if err := wait(ctx, st.Delay); err != nil {
				yield(nil, err)
				return
			}
			acc.WriteString(c)
			snapshot = []interaction.Interaction{interaction.NewAssistantText(acc.String())}
			if !emit(interaction.NewAssistantText(c)) {
				return
			}
		}

		calls := toolCalls(st, n)
		for _, c := range calls {
			snapshot = append(snapshot, c)
			if !emit(c) {
				return
			}
		}

		if opts.IncludeUsage {
			produced := append([]interaction.Interaction{}, snapshot...)
			d := &engine.Return{
				Status:   engine.StatusStreaming,
				Body:     interaction.NewBody(),
				Snapshot: interaction.NewBody(snapshot...),
				Metrics:  metrics(st, req, produced),
			}
			yield(d, nil)
		}
	}
}

func (e *Executor) NormalizeDelta(raw *engine.Return) *engine.Return {
	return raw
}

func toolCalls(st Step, call int) []interaction.Interaction {
	var out []interaction.Interaction
	for i, tc := range st.ToolCalls {
		id := tc.ID
		if id == "" {
			id = fmt.Sprintf("call_%d_%d", call, i)
		}
		out = append(out, interaction.NewToolCall(id, tc.Name, tc.Arguments))
	}
	return out
}

func metrics(st Step, req *engine.Request, produced []interaction.Interaction) interaction.Metrics {
	if st.Usage != nil {
		return interaction.Metrics{
			InputTokens:  st.Usage.InputTokens,
			OutputTokens: st.Usage.OutputTokens,
			TotalTokens:  st.Usage.InputTokens + st.Usage.OutputTokens,
		}
	}
	return helpers.EstimateMetrics(req.Model, req.Body.ProviderInteractions(), produced)
}

func splitWords(s string) []string {
	var out []string
	start := 0
	for i := 1; i < len(s); i++ {
		if s[i] == ' ' {
			out = append(out, s[start:i])
			start = i
		}
	}
	return append(out, s[start:])
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
