// Package loop runs the controller's main loop. One goroutine owns the
// actuator, sensor and router; MQTT messages, hardware interrupts and
// poll ticks reach it through channels and are handled one at a time.
package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/nugget/smokefan/internal/control"
	"github.com/nugget/smokefan/internal/events"
	"github.com/nugget/smokefan/internal/interrupt"
	"github.com/nugget/smokefan/internal/mqtt"
	"github.com/nugget/smokefan/internal/router"
	"github.com/nugget/smokefan/internal/sensor"
)

// ErrInboxClosed is returned by Run when the message source goes away.
var ErrInboxClosed = errors.New("inbox closed")

// State is the loop's position in its cycle.
type State int32

const (
	Idle State = iota
	Dispatching
	Sampling
	Publishing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Dispatching:
		return "dispatching"
	case Sampling:
		return "sampling"
	case Publishing:
		return "publishing"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Sensor produces concentration readings.
type Sensor interface {
	Measure(ctx context.Context) (float64, error)
}

// Actuator is the relay controller as the loop uses it.
type Actuator interface {
	Set(ctx context.Context, on bool) error
	Toggle(ctx context.Context) error
	PublishState(ctx context.Context) (bool, error)
}

// Dispatcher routes one inbound message.
type Dispatcher interface {
	Route(ctx context.Context, topic string, payload []byte) router.Outcome
}

// Publisher sends a payload to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, retain bool) error
}

// Config wires a Loop. Interrupts and PollInterval are optional.
type Config struct {
	Inbox      <-chan mqtt.Message
	Interrupts <-chan interrupt.Kind

	Router    Dispatcher
	Sensor    Sensor
	Actuator  Actuator
	Policy    control.Policy
	Publisher Publisher

	// AirQualityTopic receives every reading.
	AirQualityTopic string
	// PollInterval, when positive, takes a reading even without
	// inbound traffic.
	PollInterval time.Duration

	Bus    *events.Bus
	Logger *slog.Logger
}

// Loop is the controller's main loop.
type Loop struct {
	cfg   Config
	state atomic.Int32
}

// New creates a loop in the Idle state.
func New(cfg Config) *Loop {
	return &Loop{cfg: cfg}
}

// State returns the current state. Safe to call from any goroutine.
func (l *Loop) State() State {
	return State(l.state.Load())
}

// Run processes events until ctx is cancelled (returning nil) or the
// inbox is closed (returning [ErrInboxClosed]). Per-event failures are
// logged and never end the loop.
func (l *Loop) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if l.cfg.PollInterval > 0 {
		t := time.NewTicker(l.cfg.PollInterval)
		defer t.Stop()
		tick = t.C
	}

	l.cfg.Logger.Info("control loop started",
		"poll_interval", l.cfg.PollInterval,
		"threshold", l.cfg.Policy.Threshold,
	)
	l.setState(Idle)

	for {
		select {
		case <-ctx.Done():
			l.cfg.Logger.Info("control loop stopped")
			return nil

		case msg, ok := <-l.cfg.Inbox:
			if !ok {
				l.cfg.Logger.Warn("inbox closed, control loop exiting")
				return ErrInboxClosed
			}
			l.dispatch(ctx, msg)
			l.sample(ctx)

		case k := <-l.cfg.Interrupts:
			l.handleInterrupt(ctx, k)

		case <-tick:
			l.sample(ctx)
		}
		l.setState(Idle)
	}
}

func (l *Loop) dispatch(ctx context.Context, msg mqtt.Message) {
	l.setState(Dispatching)
	outcome := l.cfg.Router.Route(ctx, msg.Topic, msg.Payload)
	l.cfg.Logger.Debug("message dispatched", "topic", msg.Topic, "outcome", outcome)
}

// sample takes one reading and, if it succeeds, publishes it and
// applies the control policy.
func (l *Loop) sample(ctx context.Context) {
	l.setState(Sampling)
	ppm, err := l.cfg.Sensor.Measure(ctx)
	switch {
	case errors.Is(err, sensor.ErrSaturated):
		// Off the top of the curve: no reading to report, but the
		// policy still sees it.
		l.cfg.Logger.Warn("sensor saturated", "error", err)
		l.setState(Publishing)
		l.drive(ctx, math.Inf(1))
		return
	case err != nil:
		if ctx.Err() != nil {
			return
		}
		l.cfg.Logger.Warn("sensor reading failed", "error", err)
		return
	}

	l.setState(Publishing)
	l.publish(ctx, ppm)
}

func (l *Loop) publish(ctx context.Context, ppm float64) {
	payload := FormatReading(ppm)
	if err := l.cfg.Publisher.Publish(ctx, l.cfg.AirQualityTopic, []byte(payload), false); err != nil {
		l.cfg.Logger.Warn("air quality publish failed", "ppm", payload, "error", err)
	}
	l.cfg.Bus.Emit(events.SourceLoop, events.KindReading, map[string]any{"ppm": ppm})
	l.drive(ctx, ppm)
}

// drive applies the policy decision for ppm to the actuator.
func (l *Loop) drive(ctx context.Context, ppm float64) {
	cmd := l.cfg.Policy.Decide(ppm)
	l.cfg.Logger.Debug("control decision", "ppm", ppm, "command", cmd)
	if err := l.cfg.Actuator.Set(ctx, bool(cmd)); err != nil {
		l.cfg.Logger.Warn("actuator update failed", "command", cmd, "error", err)
	}
}

func (l *Loop) handleInterrupt(ctx context.Context, k interrupt.Kind) {
	l.cfg.Logger.Debug("interrupt received", "interrupt", k)

	var err error
	switch k {
	case interrupt.ButtonPressed:
		err = l.cfg.Actuator.Toggle(ctx)
	case interrupt.RelayChanged:
		_, err = l.cfg.Actuator.PublishState(ctx)
	default:
		l.cfg.Logger.Warn("unknown interrupt", "interrupt", k)
		return
	}
	if err != nil {
		l.cfg.Logger.Warn("interrupt handling failed", "interrupt", k, "error", err)
	}
	l.cfg.Bus.Emit(events.SourceLoop, events.KindInterrupt, map[string]any{"interrupt": k.String()})
}

func (l *Loop) setState(s State) {
	if State(l.state.Swap(int32(s))) == s {
		return
	}
	l.cfg.Bus.Emit(events.SourceLoop, events.KindLoopState, map[string]any{"state": s.String()})
}

// FormatReading renders a concentration for the airquality topic with
// one decimal place.
func FormatReading(ppm float64) string {
	return strconv.FormatFloat(ppm, 'f', 1, 64)
}
