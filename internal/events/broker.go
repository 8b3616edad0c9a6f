// Package events fans out context and clipboard changes to any number of
// listeners.
package events

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Kind names an event stream.
type Kind string

const (
	ContextUpdated   Kind = "context.updated"
	ContextRemoved   Kind = "context.removed"
	ClipboardUpdated Kind = "clipboard.updated"
)

const subscriberBufSize = 256

type Event struct {
	ID   string          `json:"id"`
	Kind Kind            `json:"kind"`
	Time time.Time       `json:"time"`
	Data json.RawMessage `json:"data"`
}

// New builds an event with a fresh id. Data that cannot be encoded becomes
// JSON null.
func New(kind Kind, data any) Event {
	raw, err := json.Marshal(data)
	if err != nil {
		slog.Warn("event payload not encodable", "kind", kind, "error", err)
		raw = json.RawMessage("null")
	}
	return Event{ID: uuid.NewString(), Kind: kind, Time: time.Now().UTC(), Data: raw}
}

// Broker has one publisher and many subscribers. Deliveries never block the
// publisher; a full subscriber buffer loses the event.
type Broker struct {
	mu      sync.RWMutex
	subs    map[int64]chan Event
	nextID  atomic.Int64
	dropped atomic.Int64
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[int64]chan Event)}
}

// Subscribe returns an id for Unsubscribe and the delivery channel.
func (b *Broker) Subscribe() (int64, <-chan Event) {
	id := b.nextID.Add(1)
	ch := make(chan Event, subscriberBufSize)
	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()
	return id, ch
}

// Unsubscribe closes the subscriber's channel. Unknown ids are ignored.
func (b *Broker) Unsubscribe(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

func (b *Broker) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			b.dropped.Add(1)
		}
	}
}

// Emit is shorthand for Publish(New(kind, data)).
func (b *Broker) Emit(kind Kind, data any) {
	b.Publish(New(kind, data))
}

func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped counts deliveries lost to full buffers.
func (b *Broker) Dropped() int64 { return b.dropped.Load() }
