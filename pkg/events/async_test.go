package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/palaver/pkg/inference/engine"
	"github.com/go-go-golems/palaver/pkg/interaction"
)

func TestAsyncObserverDeliversInOrder(t *testing.T) {
	r := &recorder{}
	a := NewAsyncObserver(r, 8)
	a.OnStart(&engine.Request{Body: interaction.NewBody()})
	a.OnPartial(engine.NewReturn())
	a.OnFinal(engine.NewReturn())
	a.Close()

	assert.Equal(t, []string{"start", "partial", "final"}, r.calls)
	assert.EqualValues(t, 0, a.Dropped())

	// closed observers drop silently
	a.OnError(nil)
	a.Close()
	assert.Len(t, r.calls, 3)
}

func TestAsyncObserverDropsWhenFull(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var partials int
	inner := Funcs{
		Start: func(*engine.Request) {
			close(started)
			<-release
		},
		Partial: func(*engine.Return) { partials++ },
	}
	a := NewAsyncObserver(inner, 1)

	a.OnStart(&engine.Request{})
	<-started
	a.OnPartial(engine.NewReturn())
	a.OnPartial(engine.NewReturn())
	assert.EqualValues(t, 1, a.Dropped())

	close(release)
	a.Close()
	assert.Equal(t, 1, partials)
}

func TestAsyncObserverClonesReturns(t *testing.T) {
	var got *engine.Return
	a := NewAsyncObserver(Funcs{Final: func(r *engine.Return) { got = r }}, 4)
	ret := engine.NewReturn(interaction.NewAssistantText("before"))
	a.OnFinal(ret)
	ret.Body.Append(interaction.NewAssistantText("after"))
	a.Close()

	require.NotNil(t, got)
	assert.Equal(t, "before", got.Body.Text())
}

func TestAsyncObserverRecoversPanics(t *testing.T) {
	var finals int
	a := NewAsyncObserver(Funcs{
		Start: func(*engine.Request) { panic("observer bug") },
		Final: func(*engine.Return) { finals++ },
	}, 4)
	a.OnStart(&engine.Request{})
	a.OnFinal(engine.NewReturn())
	a.Close()
	assert.Equal(t, 1, finals)
}
