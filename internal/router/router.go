// Package router dispatches inbound MQTT messages to the actuator or the
// remote configuration handler. Nothing a remote peer sends can make
// Route fail: bad messages are logged and dropped.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nugget/smokefan/internal/events"
	"github.com/nugget/smokefan/internal/topic"
)

// Actuator is the part of the actuator controller the router drives.
type Actuator interface {
	Set(ctx context.Context, on bool) error
}

// Configurer applies a remote configuration document.
type Configurer interface {
	Apply(ctx context.Context, payload []byte) error
}

// Outcome reports what Route did with a message.
type Outcome int

const (
	// Applied means the message reached its handler and the handler
	// succeeded.
	Applied Outcome = iota
	// Ignored means the topic is not one this device consumes.
	Ignored
	// Dropped means the message was for this device but was rejected,
	// either while decoding or by its handler.
	Dropped
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Ignored:
		return "ignored"
	case Dropped:
		return "dropped"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Router decodes and dispatches inbound messages.
type Router struct {
	ns       topic.Namespace
	actuator Actuator
	config   Configurer
	bus      *events.Bus
	logger   *slog.Logger
}

// New creates a router for the given namespace.
func New(ns topic.Namespace, act Actuator, cfg Configurer, bus *events.Bus, logger *slog.Logger) *Router {
	return &Router{ns: ns, actuator: act, config: cfg, bus: bus, logger: logger}
}

// Route handles one inbound message.
func (r *Router) Route(ctx context.Context, name string, payload []byte) Outcome {
	outcome := r.route(ctx, name, payload)
	r.bus.Emit(events.SourceRouter, events.KindDispatched, map[string]any{
		"topic":   name,
		"outcome": outcome.String(),
	})
	return outcome
}

func (r *Router) route(ctx context.Context, name string, payload []byte) Outcome {
	msg, err := Decode(r.ns, name, payload)
	switch {
	case errors.Is(err, ErrUnknownTopic):
		r.logger.Debug("ignoring message on unknown topic", "topic", name)
		return Ignored
	case err != nil:
		r.logger.Warn("dropping unparseable message", "topic", name, "error", err)
		return Dropped
	}

	switch m := msg.(type) {
	case PowerCommand:
		r.logger.Info("power command received", "topic", name, "on", m.On)
		if err := r.actuator.Set(ctx, m.On); err != nil {
			r.logger.Error("power command failed", "on", m.On, "error", err)
			return Dropped
		}
		return Applied
	case ConfigUpdate:
		if err := r.config.Apply(ctx, m.Payload); err != nil {
			// The handler has already logged the detail.
			return Dropped
		}
		return Applied
	default:
		r.logger.Error("no handler for decoded message", "type", fmt.Sprintf("%T", msg))
		return Dropped
	}
}
