// Package interrupt carries hardware edge notifications from GPIO event
// handlers to the main loop. Posting never blocks: when the queue is
// full the event is counted and discarded.
package interrupt

import (
	"fmt"
	"sync/atomic"
)

// Kind identifies what the hardware reported.
type Kind int

const (
	// ButtonPressed asks the loop to toggle the relay.
	ButtonPressed Kind = iota + 1
	// RelayChanged asks the loop to publish the relay level it observes.
	RelayChanged
)

func (k Kind) String() string {
	switch k {
	case ButtonPressed:
		return "button_pressed"
	case RelayChanged:
		return "relay_changed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// DefaultSize is the queue depth used when none is configured.
const DefaultSize = 16

// Queue is a bounded, non-blocking event queue.
type Queue struct {
	ch      chan Kind
	dropped atomic.Int64
}

// NewQueue creates a queue holding up to size events.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = DefaultSize
	}
	return &Queue{ch: make(chan Kind, size)}
}

// Post enqueues k and reports whether it was accepted. Safe to call
// from any goroutine, including GPIO event handlers.
func (q *Queue) Post(k Kind) bool {
	select {
	case q.ch <- k:
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

// Poster returns a func that posts k, suitable as an edge handler.
func (q *Queue) Poster(k Kind) func() {
	return func() { q.Post(k) }
}

// C returns the receive side of the queue.
func (q *Queue) C() <-chan Kind {
	return q.ch
}

// Dropped returns how many events were discarded because the queue was
// full.
func (q *Queue) Dropped() int64 {
	return q.dropped.Load()
}
