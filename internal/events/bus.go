// Package events is a small broadcast bus for operational visibility.
// The control loop, actuator and sensor publish what they did; the
// status server subscribes and streams it to WebSocket clients. The
// bus never feeds back into control decisions, and a nil *Bus accepts
// Publish as a no-op so components need no guard checks.
package events

import (
	"sync"
	"time"
)

// Source identifies the component that published an event.
const (
	SourceLoop     = "loop"
	SourceActuator = "actuator"
	SourceSensor   = "sensor"
	SourceRouter   = "router"
)

// Kind describes what happened.
const (
	// KindReading carries one concentration sample.
	// Data: ppm.
	KindReading = "reading"
	// KindState carries an observed relay level after a publish.
	// Data: on.
	KindState = "state"
	// KindCalibrated signals a new baseline.
	// Data: r0, channel.
	KindCalibrated = "calibrated"
	// KindDispatched reports how an inbound message was handled.
	// Data: topic, outcome.
	KindDispatched = "dispatched"
	// KindInterrupt reports a handled button or relay edge.
	// Data: interrupt.
	KindInterrupt = "interrupt"
	// KindLoopState reports a main loop state transition.
	// Data: state.
	KindLoopState = "loop_state"
)

// Event is one published occurrence.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus fans events out to buffered subscriber channels. A slow
// subscriber misses events; publishers never block.
type Bus struct {
	mu   sync.RWMutex
	subs map[<-chan Event]chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]chan Event)}
}

// Publish stamps e (when its timestamp is zero) and offers it to every
// subscriber without blocking. Safe on a nil receiver.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit is shorthand for publishing an event built from its parts.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Source: source, Kind: kind, Data: data})
}

// Subscribe returns a channel with the given buffer that receives
// every later event. Release it with Unsubscribe.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = ch
	return ch
}

// Unsubscribe removes and closes a subscription. Unknown channels are
// ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	send, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	close(send)
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
