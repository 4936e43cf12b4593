// Package events carries structured session lifecycle notifications from the
// network core to whatever consumes them (logs, UI, state store).
package events

import (
	"sync"
	"time"

	"github.com/matst80/airfire/internal/obs"
	"github.com/matst80/airfire/internal/proto"
)

// Kind tags a status event.
type Kind int

const (
	Info Kind = iota
	Connected
	Disconnected
	Error
)

func (k Kind) String() string {
	switch k {
	case Info:
		return "info"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// ProtocolKind identifies which wire protocol a session speaks. It is
// decided by the listening port that accepted the connection.
type ProtocolKind int

const (
	Custom ProtocolKind = iota
	Control
)

func (p ProtocolKind) String() string {
	switch p {
	case Custom:
		return "custom"
	case Control:
		return "control"
	default:
		return "unknown"
	}
}

// Event is one status notification. Events from one connection are emitted
// in order; there is no ordering across connections.
type Event struct {
	Kind      Kind
	Text      string
	Peer      string
	Protocol  ProtocolKind
	SessionID string
	Time      time.Time
}

// Message converts e to its JSON wire form.
func (e Event) Message() proto.StatusMessage {
	m := proto.StatusMessage{
		Kind:      e.Kind.String(),
		Text:      e.Text,
		Peer:      e.Peer,
		SessionID: e.SessionID,
		Time:      e.Time,
	}
	if e.Kind == Connected || e.SessionID != "" {
		m.Protocol = e.Protocol.String()
	}
	return m
}

// Sink receives status events. Implementations must tolerate concurrent
// calls from several connection goroutines and must not block for long.
type Sink interface {
	Notify(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Notify(e Event) { f(e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

// DefaultBusSize is the queue depth used when NewBus is given zero.
const DefaultBusSize = 256

// Bus is a buffered event queue with a single explicit consumer reading
// Events(). Notify never blocks: when the queue is full the event is
// dropped, logged and counted.
type Bus struct {
	mu     sync.RWMutex
	ch     chan Event
	closed bool
}

// NewBus creates a Bus holding up to size pending events.
func NewBus(size int) *Bus {
	if size <= 0 {
		size = DefaultBusSize
	}
	return &Bus{ch: make(chan Event, size)}
}

// Notify enqueues e, stamping Time when unset.
func (b *Bus) Notify(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	select {
	case b.ch <- e:
	default:
		obs.EventsDroppedTotal.Inc()
		obs.Error("events.dropped", obs.Fields{"kind": e.Kind.String(), "text": e.Text, "peer": e.Peer})
	}
}

// Events returns the consumer side of the queue. It is closed by Close.
func (b *Bus) Events() <-chan Event { return b.ch }

// Close stops accepting events and closes the consumer channel once.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.ch)
}

// Fanout delivers each event to every sink in order.
type Fanout []Sink

func (f Fanout) Notify(e Event) {
	for _, s := range f {
		s.Notify(e)
	}
}
