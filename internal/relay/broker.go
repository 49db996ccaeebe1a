// Package relay fans session progress events out to SSE clients.
package relay

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
)

const subscriberBufSize = 256

// Event represents a single relay event to be sent via SSE. Owner is the
// primary tab the event belongs to.
type Event struct {
	Feed    string
	Owner   string
	Payload string
}

// Broker fans out events to all subscribed SSE clients. It keeps the latest
// event of every owner and replays those to new subscribers, so a client
// that connects mid-session starts from the current state.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[int64]chan Event
	latest      map[string]Event
	nextID      atomic.Int64
}

// NewBroker creates a new SSE event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[int64]chan Event),
		latest:      make(map[string]Event),
	}
}

// Subscribe registers a new client. Returns the subscriber ID and a channel
// to receive events on. The channel is buffered; slow consumers will have
// events dropped.
func (b *Broker) Subscribe() (int64, <-chan Event) {
	id := b.nextID.Add(1)
	ch := make(chan Event, subscriberBufSize)

	b.mu.Lock()
	owners := make([]string, 0, len(b.latest))
	for owner := range b.latest {
		owners = append(owners, owner)
	}
	sort.Strings(owners)
	for _, owner := range owners {
		if len(ch) == cap(ch) {
			break
		}
		ch <- b.latest[owner]
	}
	b.subscribers[id] = ch
	b.mu.Unlock()
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broker) Unsubscribe(id int64) {
	b.mu.Lock()
	ch, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish sends an event to all subscribers. Non-blocking: slow clients
// have events dropped.
func (b *Broker) Publish(evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if evt.Owner != "" {
		b.latest[evt.Owner] = evt
	}
	for _, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Forget drops the replayed state of owner.
func (b *Broker) Forget(owner string) {
	b.mu.Lock()
	delete(b.latest, owner)
	b.mu.Unlock()
}

// PublishJSON marshals v as the payload of a feed event.
func (b *Broker) PublishJSON(feed, owner string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("relay marshal failed", "feed", feed, "error", err)
		return
	}
	b.Publish(Event{Feed: feed, Owner: owner, Payload: string(data)})
}

// ClientCount returns the number of active subscribers.
func (b *Broker) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
