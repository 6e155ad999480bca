package relay

import (
	"sync"

	"github.com/dremian/simlink/internal/util"
)

// Broadcaster fans simulator messages out to client queues. Each subscriber
// owns a bounded channel; a subscriber whose channel is full is dropped
// instead of delaying the others.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]chan []byte
	greeting    []byte // sent first to every new subscriber
	closed      bool
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[string]chan []byte),
	}
}

// SetGreeting caches the message delivered to subscribers as soon as they
// join (the current simulator status).
func (b *Broadcaster) SetGreeting(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.greeting = append([]byte(nil), data...)
}

// Subscribe adds a subscriber with the given queue capacity. The returned
// channel is closed when the subscriber is dropped, unsubscribed, or the
// broadcaster closes.
func (b *Broadcaster) Subscribe(subscriberID string, bufferSize int) <-chan []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan []byte)
		close(ch)
		return ch
	}

	if bufferSize < 1 {
		bufferSize = 1
	}
	ch := make(chan []byte, bufferSize)
	b.subscribers[subscriberID] = ch
	if len(b.greeting) > 0 {
		ch <- b.greeting
	}

	util.GetLogger().Debug("Subscriber added", "id", subscriberID, "total", len(b.subscribers))
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, exists := b.subscribers[subscriberID]; exists {
		close(ch)
		delete(b.subscribers, subscriberID)
		util.GetLogger().Debug("Subscriber removed", "id", subscriberID, "remaining", len(b.subscribers))
	}
}

// Broadcast enqueues data for every subscriber without blocking and returns
// the ids of subscribers dropped because their queue was full.
func (b *Broadcaster) Broadcast(data []byte) (dropped []string) {
	if len(data) == 0 {
		return nil
	}

	// Sends never block, so the read lock is held for the whole pass. That
	// keeps Unsubscribe from closing a channel mid-send.
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil
	}
	for id, ch := range b.subscribers {
		select {
		case ch <- data:
		default:
			dropped = append(dropped, id)
		}
	}
	b.mu.RUnlock()

	if len(dropped) > 0 {
		b.mu.Lock()
		for _, id := range dropped {
			if ch, exists := b.subscribers[id]; exists {
				close(ch)
				delete(b.subscribers, id)
				util.GetLogger().Warn("Dropping subscriber due to full queue", "id", id)
			}
		}
		b.mu.Unlock()
	}
	return dropped
}

// SendTo enqueues data for one subscriber. It reports false when the
// subscriber is unknown or its queue is full; the subscriber is not dropped.
func (b *Broadcaster) SendTo(subscriberID string, data []byte) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ch, ok := b.subscribers[subscriberID]
	if !ok {
		return false
	}
	select {
	case ch <- data:
		return true
	default:
		return false
	}
}

// Close shuts down the broadcaster and closes all subscriber channels.
// Messages already queued stay readable.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.closed = true
	for _, ch := range b.subscribers {
		close(ch)
	}
	b.subscribers = make(map[string]chan []byte)
}

// SubscriberCount returns the current number of subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
