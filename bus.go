package mcpwire

import (
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// BusDirection tells which way a message was travelling when it was observed.
type BusDirection string

// Directions of observed traffic.
const (
	BusDirectionSend    BusDirection = "send"
	BusDirectionReceive BusDirection = "receive"
)

// DefaultBusCapacity is the ring buffer capacity used when none is given.
const DefaultBusCapacity = 1000

// BusEntry is one observed message: who it belongs to, which way it was
// going, and when. Entries are immutable once published.
type BusEntry struct {
	// ID is a lexically sortable unique identifier assigned on publish.
	ID string `json:"id"`
	// SessionID names the session or server the message belongs to.
	SessionID string `json:"sessionId"`
	// Direction is send or receive, from the observing side's point of view.
	Direction BusDirection `json:"direction"`
	// Timestamp records when the entry was published.
	Timestamp time.Time `json:"timestamp"`
	// Message is the observed envelope.
	Message JSONRPCMessage `json:"message"`
}

type busSubscriber struct {
	id int
	fn func(BusEntry)
}

// MessageBus is a process-wide, bounded, multi-subscriber log of every
// message observed on any transport, used for diagnostics and replay. The
// buffer is a fixed-capacity ring: once full, the oldest entry is dropped to
// make room, and publishing never blocks or fails.
//
// Subscribers run synchronously on the publishing goroutine, in registration
// order. A panicking subscriber is caught and logged and neither prevents the
// remaining subscribers from running nor the publish from completing.
type MessageBus struct {
	logger   *slog.Logger
	capacity int

	mu          sync.Mutex
	buf         []BusEntry
	start       int
	count       int
	subscribers []busSubscriber
	nextSubID   int
}

// MessageBusOption configures a MessageBus.
type MessageBusOption func(*MessageBus)

// NewMessageBus creates a bus holding at most capacity entries. A capacity of
// zero or less falls back to DefaultBusCapacity.
func NewMessageBus(capacity int, options ...MessageBusOption) *MessageBus {
	if capacity <= 0 {
		capacity = DefaultBusCapacity
	}
	b := &MessageBus{
		logger:   slog.Default(),
		capacity: capacity,
		buf:      make([]BusEntry, capacity),
	}
	for _, opt := range options {
		opt(b)
	}
	return b
}

// WithBusLogger sets the logger for the bus.
func WithBusLogger(logger *slog.Logger) MessageBusOption {
	return func(b *MessageBus) {
		b.logger = logger
	}
}

// Publish appends one entry to the ring buffer, dropping the oldest entry
// first when the buffer is full, then fans the entry out to all current
// subscribers in registration order. Missing ID and Timestamp fields are
// filled in.
func (b *MessageBus) Publish(entry BusEntry) {
	if entry.ID == "" {
		entry.ID = ulid.Make().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	b.mu.Lock()
	if b.count == b.capacity {
		// Overwrite the oldest slot.
		b.start = (b.start + 1) % b.capacity
		b.count--
	}
	b.buf[(b.start+b.count)%b.capacity] = entry
	b.count++

	subscribers := make([]busSubscriber, len(b.subscribers))
	copy(subscribers, b.subscribers)
	b.mu.Unlock()

	for _, sub := range subscribers {
		b.invoke(sub, entry)
	}
}

// Record is a convenience wrapper over Publish for observed traffic.
func (b *MessageBus) Record(sessionID string, direction BusDirection, msg JSONRPCMessage) {
	b.Publish(BusEntry{
		SessionID: sessionID,
		Direction: direction,
		Message:   msg,
	})
}

func (b *MessageBus) invoke(sub busSubscriber, entry BusEntry) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("bus subscriber panicked", "panic", r)
		}
	}()
	sub.fn(entry)
}

// Subscribe registers a callback for every subsequent publish and returns the
// function that unsubscribes it. Unsubscribing twice is harmless.
func (b *MessageBus) Subscribe(fn func(BusEntry)) func() {
	b.mu.Lock()
	id := b.nextSubID
	b.nextSubID++
	b.subscribers = append(b.subscribers, busSubscriber{id: id, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, sub := range b.subscribers {
			if sub.id == id {
				b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
				return
			}
		}
	}
}

// GetBuffer returns the buffered entries, oldest first.
func (b *MessageBus) GetBuffer() []BusEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]BusEntry, 0, b.count)
	for i := 0; i < b.count; i++ {
		out = append(out, b.buf[(b.start+i)%b.capacity])
	}
	return out
}

// Replay invokes fn for each buffered entry belonging to the given session or
// server id, oldest first.
func (b *MessageBus) Replay(sessionID string, fn func(BusEntry)) {
	for _, entry := range b.GetBuffer() {
		if entry.SessionID == sessionID {
			fn(entry)
		}
	}
}

// Clear empties the whole buffer. Subscriptions are unaffected.
func (b *MessageBus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.start = 0
	b.count = 0
}

// ClearID removes only the entries belonging to the given session or server
// id, keeping the rest in order.
func (b *MessageBus) ClearID(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	kept := make([]BusEntry, 0, b.count)
	for i := 0; i < b.count; i++ {
		entry := b.buf[(b.start+i)%b.capacity]
		if entry.SessionID != sessionID {
			kept = append(kept, entry)
		}
	}
	b.start = 0
	b.count = len(kept)
	copy(b.buf, kept)
}
