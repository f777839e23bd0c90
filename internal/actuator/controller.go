// Package actuator owns the relay and status LED. Both outputs are
// always driven to the same level, and every change ends with the relay
// pin being read back and the observed level published, so the state
// topic reports what the hardware did rather than what was asked.
package actuator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nugget/smokefan/internal/events"
	"github.com/nugget/smokefan/internal/hal"
)

// Publisher sends a payload to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, retain bool) error
}

// Payloads published on the state topic.
const (
	PayloadOn  = "on"
	PayloadOff = "off"
)

// Controller drives the relay and LED pair.
type Controller struct {
	relay      hal.Output
	led        hal.Output
	pub        Publisher
	stateTopic string
	bus        *events.Bus
	logger     *slog.Logger
}

// New creates a controller. It does not touch the outputs.
func New(relay, led hal.Output, pub Publisher, stateTopic string, bus *events.Bus, logger *slog.Logger) *Controller {
	return &Controller{
		relay:      relay,
		led:        led,
		pub:        pub,
		stateTopic: stateTopic,
		bus:        bus,
		logger:     logger,
	}
}

// Set drives relay and LED to on, then reads the relay back and
// publishes what it observed. The publish happens even if a write
// failed; all failures are joined in the returned error.
func (c *Controller) Set(ctx context.Context, on bool) error {
	c.logger.Debug("setting relay", "on", on)

	var errs []error
	if err := c.relay.Set(on); err != nil {
		errs = append(errs, fmt.Errorf("drive relay: %w", err))
	}
	if err := c.led.Set(on); err != nil {
		errs = append(errs, fmt.Errorf("drive led: %w", err))
	}

	observed, err := c.PublishState(ctx)
	if err != nil {
		errs = append(errs, err)
	} else if observed != on {
		c.logger.Warn("relay did not follow command", "requested", on, "observed", observed)
	}
	return errors.Join(errs...)
}

// Toggle reads the relay and sets the opposite level.
func (c *Controller) Toggle(ctx context.Context) error {
	on, err := c.relay.Value()
	if err != nil {
		return fmt.Errorf("read relay: %w", err)
	}
	c.logger.Info("toggling relay", "from", formatState(on))
	return c.Set(ctx, !on)
}

// State reads the relay level.
func (c *Controller) State() (bool, error) {
	return c.relay.Value()
}

// PublishState reads the relay and publishes the observed level on the
// state topic without driving either output. It is used after Set and
// when the relay changed on its own.
func (c *Controller) PublishState(ctx context.Context) (bool, error) {
	on, err := c.relay.Value()
	if err != nil {
		return false, fmt.Errorf("read relay: %w", err)
	}

	payload := formatState(on)
	if err := c.pub.Publish(ctx, c.stateTopic, []byte(payload), true); err != nil {
		return on, fmt.Errorf("publish state: %w", err)
	}
	c.logger.Info("relay state published", "state", payload)
	c.bus.Emit(events.SourceActuator, events.KindState, map[string]any{"on": on})
	return on, nil
}

// ParsePower converts a power payload ("on" / "off") to a level.
func ParsePower(s string) (bool, error) {
	switch s {
	case PayloadOn:
		return true, nil
	case PayloadOff:
		return false, nil
	default:
		return false, fmt.Errorf("power value %q (want %q or %q)", s, PayloadOn, PayloadOff)
	}
}

func formatState(on bool) string {
	if on {
		return PayloadOn
	}
	return PayloadOff
}
