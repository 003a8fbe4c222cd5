// Package events is the change-notification channel for the stores.
// Every store publishes on its topic after a mutation; observers subscribe
// instead of polling state.
//
//   - Buffered channel per subscriber (buffer=64).
//   - Publish never blocks: a full subscriber drops the event.
//   - Unsubscribe closes the subscriber's channel.
package events

import "sync"

// Topics published by the stores.
const (
	TopicModels    = "models"
	TopicDownloads = "downloads"
	TopicContext   = "context"
	TopicSessions  = "sessions"
)

// Event is a single published notification.
type Event struct {
	Topic   string
	Kind    string
	ID      string
	Payload any
}

// Publisher is the side of the bus the stores depend on.
type Publisher interface {
	Publish(ev Event)
}

const defaultBufferSize = 64

// Bus is an in-memory pub/sub bus.
type Bus struct {
	mu          sync.RWMutex
	next        int
	subscribers map[string]map[int]chan Event
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{subscribers: make(map[string]map[int]chan Event)}
}

// Subscribe registers a subscriber for topic. The returned func removes the
// subscription and closes the channel; it is safe to call more than once.
func (b *Bus) Subscribe(topic string) (<-chan Event, func()) {
	ch := make(chan Event, defaultBufferSize)

	b.mu.Lock()
	id := b.next
	b.next++
	if b.subscribers[topic] == nil {
		b.subscribers[topic] = make(map[int]chan Event)
	}
	b.subscribers[topic][id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers[topic], id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers ev to every subscriber of ev.Topic without blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers[ev.Topic] {
		select {
		case ch <- ev:
		default:
			// subscriber is behind; drop
		}
	}
}

// Nop discards every event. Used when a component is built without a bus.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(Event) {}
