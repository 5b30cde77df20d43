package events

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestEmitOrderAndPanicIsolation(t *testing.T) {
	e := NewEmitter[string](zerolog.Nop())
	var got []string

	e.Subscribe(func(s string) { got = append(got, "first:"+s) })
	e.Subscribe(func(string) { panic("listener bug") })
	e.Subscribe(func(s string) { got = append(got, "third:"+s) })

	e.Emit("x")
	assert.Equal(t, []string{"first:x", "third:x"}, got)
}

func TestUnsubscribe(t *testing.T) {
	e := NewEmitter[int](zerolog.Nop())
	calls := 0
	unsubscribe := e.Subscribe(func(int) { calls++ })
	e.Subscribe(func(int) {})

	e.Emit(1)
	unsubscribe()
	unsubscribe()
	e.Emit(2)

	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, e.Len())
}

func TestUnsubscribeDuringEmit(t *testing.T) {
	e := NewEmitter[int](zerolog.Nop())
	var order []int
	var unsubscribeSecond func()
	e.Subscribe(func(int) {
		order = append(order, 1)
		unsubscribeSecond()
	})
	unsubscribeSecond = e.Subscribe(func(int) { order = append(order, 2) })

	e.Emit(0)
	e.Emit(0)
	// the snapshot taken by the first Emit still includes listener 2
	assert.Equal(t, []int{1, 2, 1}, order)
}
