package status

import (
	"context"
	"sync"
	"time"

	"github.com/nugget/smokefan/internal/events"
)

// trackerBuffer absorbs the burst of events emitted during startup
// calibration before Run begins draining.
const trackerBuffer = 64

// Tracker folds bus events into the latest known device state.
type Tracker struct {
	bus *events.Bus
	sub <-chan events.Event

	mu       sync.RWMutex
	relayOn  *bool
	ppm      *float64
	readAt   time.Time
	r0       *float64
	channel  *int
	lastSeen time.Time
}

// NewTracker subscribes to bus immediately so that events published
// before Run starts are not lost.
func NewTracker(bus *events.Bus) *Tracker {
	return &Tracker{bus: bus, sub: bus.Subscribe(trackerBuffer)}
}

// Run applies events until ctx is cancelled, then unsubscribes.
func (t *Tracker) Run(ctx context.Context) {
	defer t.bus.Unsubscribe(t.sub)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-t.sub:
			if !ok {
				return
			}
			t.apply(e)
		}
	}
}

func (t *Tracker) apply(e events.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSeen = e.Timestamp

	switch e.Kind {
	case events.KindReading:
		if v, ok := e.Data["ppm"].(float64); ok {
			t.ppm, t.readAt = &v, e.Timestamp
		}
	case events.KindState:
		if v, ok := e.Data["on"].(bool); ok {
			t.relayOn = &v
		}
	case events.KindCalibrated:
		if v, ok := e.Data["r0"].(float64); ok {
			t.r0 = &v
		}
		if v, ok := e.Data["channel"].(int); ok {
			t.channel = &v
		}
	}
}

// fill copies the tracked fields into s.
func (t *Tracker) fill(s *Snapshot) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s.RelayOn = t.relayOn
	s.LastReadingPPM = t.ppm
	if !t.readAt.IsZero() {
		at := t.readAt
		s.LastReadingAt = &at
	}
	s.R0KOhm = t.r0
	s.SensorChannel = t.channel
}
