package remoteconfig

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Actuator switches the relay.
type Actuator interface {
	Set(ctx context.Context, on bool) error
}

// Rewirer moves the sensor to another input and recalibrates it.
type Rewirer interface {
	Rewire(ctx context.Context, channel int) error
}

// Handler applies directives to the actuator and sensor.
type Handler struct {
	actuator Actuator
	sensor   Rewirer
	logger   *slog.Logger
}

// New creates a handler.
func New(act Actuator, sensor Rewirer, logger *slog.Logger) *Handler {
	return &Handler{actuator: act, sensor: sensor, logger: logger}
}

// Apply decodes payload and applies it. A document that does not decode
// changes nothing. Power is applied before any rewire, and a failed
// power write does not stop the rewire.
func (h *Handler) Apply(ctx context.Context, payload []byte) error {
	d, err := Decode(payload)
	if err != nil {
		h.logger.Warn("ignoring config document", "error", err)
		return err
	}

	h.logger.Info("applying config directive", "power", d.Power, "rewire", d.SensorPin != nil)

	var errs []error
	if err := h.actuator.Set(ctx, d.Power); err != nil {
		h.logger.Error("config power change failed", "error", err)
		errs = append(errs, fmt.Errorf("set power: %w", err))
	}
	if d.SensorPin != nil {
		if err := h.sensor.Rewire(ctx, *d.SensorPin); err != nil {
			h.logger.Error("sensor rewire failed", "channel", *d.SensorPin, "error", err)
			errs = append(errs, fmt.Errorf("rewire sensor: %w", err))
		}
	}
	return errors.Join(errs...)
}
