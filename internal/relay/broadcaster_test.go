package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(ch <-chan []byte) []string {
	var out []string
	for {
		select {
		case m, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, string(m))
		default:
			return out
		}
	}
}

func TestBroadcasterFanOut(t *testing.T) {
	b := NewBroadcaster()
	subs := []<-chan []byte{
		b.Subscribe("a", 8),
		b.Subscribe("b", 8),
		b.Subscribe("c", 8),
	}

	for _, m := range []string{"1", "2", "3"} {
		assert.Empty(t, b.Broadcast([]byte(m)))
	}

	for _, ch := range subs {
		assert.Equal(t, []string{"1", "2", "3"}, drain(ch))
	}
}

func TestBroadcasterGreeting(t *testing.T) {
	b := NewBroadcaster()
	b.SetGreeting([]byte("hello"))

	ch := b.Subscribe("a", 4)
	b.Broadcast([]byte("next"))

	assert.Equal(t, []string{"hello", "next"}, drain(ch))
}

func TestBroadcasterDropsFullSubscriber(t *testing.T) {
	b := NewBroadcaster()
	slow := b.Subscribe("slow", 1)
	fast := b.Subscribe("fast", 8)

	assert.Empty(t, b.Broadcast([]byte("1")))
	assert.Equal(t, []string{"slow"}, b.Broadcast([]byte("2")))
	assert.Empty(t, b.Broadcast([]byte("3")))

	assert.Equal(t, 1, b.SubscriberCount())
	assert.Equal(t, []string{"1"}, drain(slow))
	_, ok := <-slow
	assert.False(t, ok, "dropped subscriber channel must be closed")
	assert.Equal(t, []string{"1", "2", "3"}, drain(fast))
}

func TestBroadcasterSendTo(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe("a", 1)

	assert.True(t, b.SendTo("a", []byte("x")))
	assert.False(t, b.SendTo("a", []byte("y")), "full queue")
	assert.False(t, b.SendTo("missing", []byte("z")))
	assert.Equal(t, 1, b.SubscriberCount())
	assert.Equal(t, []string{"x"}, drain(ch))
}

func TestBroadcasterClose(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe("a", 4)
	b.Broadcast([]byte("last"))

	b.Close()
	b.Close()

	assert.Equal(t, []string{"last"}, drain(ch))
	assert.Empty(t, b.Broadcast([]byte("ignored")))

	late := b.Subscribe("late", 4)
	_, ok := <-late
	require.False(t, ok)
}
