// Package event provides the kernel's diagnostic pub/sub bus using
// watermill. Subprocess stderr lines, protocol anomalies, and session
// lifecycle transitions are published here; embedders subscribe to feed
// their own logging or telemetry.
package event

import (
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// Type discriminates diagnostic events.
type Type string

const (
	SessionSpawned  Type = "session.spawned"
	SessionReady    Type = "session.ready"
	SessionDead     Type = "session.dead"
	SessionEvicted  Type = "session.evicted"
	SessionReleased Type = "session.released"
	ToolCallStarted Type = "tool.call.started"
	ToolCallDone    Type = "tool.call.done"
	StderrLine      Type = "proc.stderr"
	FrameUnknown    Type = "frame.unknown"
	FrameDropped    Type = "frame.dropped"
)

// Event is one diagnostic record.
type Event struct {
	Type      Type   `json:"type"`
	SessionID string `json:"sessionID,omitempty"`
	Data      any    `json:"data,omitempty"`
}

// Subscriber receives published events.
type Subscriber func(event Event)

type subscriberEntry struct {
	id uint64
	fn Subscriber
}

// Bus is an explicitly constructed diagnostic bus. There is no package
// level instance; the embedder constructs one and hands it to the
// session manager or session that publishes on it.
type Bus struct {
	mu sync.RWMutex

	// Watermill gochannel, exposed through PubSub and closed with the
	// bus. Publish delivers only to the callback subscribers below;
	// events are not published on this channel.
	pubsub *gochannel.GoChannel

	subscribers map[Type][]subscriberEntry
	global      []subscriberEntry

	nextID uint64
	closed bool
}

// NewBus creates a diagnostic bus.
func NewBus() *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 100},
			watermill.NopLogger{},
		),
		subscribers: make(map[Type][]subscriberEntry),
	}
}

// Subscribe registers fn for one event type and returns an unsubscribe
// function.
func (b *Bus) Subscribe(t Type, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}
	id := atomic.AddUint64(&b.nextID, 1)
	b.subscribers[t] = append(b.subscribers[t], subscriberEntry{id: id, fn: fn})
	return func() { b.unsubscribe(t, id) }
}

// SubscribeAll registers fn for every event type.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}
	id := atomic.AddUint64(&b.nextID, 1)
	b.global = append(b.global, subscriberEntry{id: id, fn: fn})
	return func() { b.unsubscribeGlobal(id) }
}

func (b *Bus) unsubscribe(t Type, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[t]
	for i, entry := range subs {
		if entry.id == id {
			b.subscribers[t] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

func (b *Bus) unsubscribeGlobal(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, entry := range b.global {
		if entry.id == id {
			b.global = append(b.global[:i], b.global[i+1:]...)
			break
		}
	}
}

// Publish delivers the event to all matching subscribers, each on its
// own goroutine so a slow subscriber cannot stall the kernel.
func (b *Bus) Publish(event Event) {
	for _, fn := range b.collect(event.Type) {
		go fn(event)
	}
}

// PublishSync delivers the event on the calling goroutine, in
// registration order. Used by tests.
func (b *Bus) PublishSync(event Event) {
	for _, fn := range b.collect(event.Type) {
		fn(event)
	}
}

func (b *Bus) collect(t Type) []Subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}
	subs := make([]Subscriber, 0, len(b.subscribers[t])+len(b.global))
	for _, entry := range b.subscribers[t] {
		subs = append(subs, entry.fn)
	}
	for _, entry := range b.global {
		subs = append(subs, entry.fn)
	}
	return subs
}

// Close shuts the bus down; later publishes are dropped.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.subscribers = make(map[Type][]subscriberEntry)
	b.global = nil
	b.mu.Unlock()
	return b.pubsub.Close()
}

// PubSub exposes the underlying watermill GoChannel. Events passed to
// Publish or PublishSync are not forwarded to it.
func (b *Bus) PubSub() *gochannel.GoChannel {
	return b.pubsub
}
