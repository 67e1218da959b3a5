package events

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/palaver/pkg/inference/engine"
	"github.com/go-go-golems/palaver/pkg/interaction"
)

type recorder struct {
	calls []string
}

func (r *recorder) OnStart(*engine.Request)  { r.calls = append(r.calls, "start") }
func (r *recorder) OnPartial(*engine.Return) { r.calls = append(r.calls, "partial") }
func (r *recorder) OnFinal(*engine.Return)   { r.calls = append(r.calls, "final") }
func (r *recorder) OnError(error)            { r.calls = append(r.calls, "error") }

func TestMultiFansOutInOrder(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	m := NewMulti(a, nil, b)
	require.Len(t, m, 2)

	m.OnStart(&engine.Request{})
	m.OnPartial(engine.NewReturn())
	m.OnFinal(engine.NewReturn())
	m.OnError(errors.New("x"))

	want := []string{"start", "partial", "final", "error"}
	assert.Equal(t, want, a.calls)
	assert.Equal(t, want, b.calls)
}

func TestFuncsSkipsNilFields(t *testing.T) {
	var finals int
	f := Funcs{Final: func(*engine.Return) { finals++ }}
	f.OnStart(nil)
	f.OnPartial(nil)
	f.OnError(nil)
	f.OnFinal(engine.NewReturn(interaction.NewAssistantText("hi")))
	assert.Equal(t, 1, finals)
}

func TestObserverContextCombines(t *testing.T) {
	_, ok := ObserverFromContext(context.Background())
	assert.False(t, ok)

	a, b := &recorder{}, &recorder{}
	ctx := WithObserver(context.Background(), a)
	ctx = WithObserver(ctx, b)
	ctx = WithObserver(ctx, nil)

	o, ok := ObserverFromContext(ctx)
	require.True(t, ok)
	o.OnError(errors.New("boom"))
	assert.Equal(t, []string{"error"}, a.calls)
	assert.Equal(t, []string{"error"}, b.calls)
}
