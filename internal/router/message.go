package router

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nugget/smokefan/internal/actuator"
	"github.com/nugget/smokefan/internal/topic"
)

var (
	// ErrUnknownTopic means the topic is not an inbound topic of this
	// device. Such messages are ignored without a warning.
	ErrUnknownTopic = errors.New("unknown topic")
	// ErrMalformed means a set payload is not "type:value" or carries an
	// unusable value.
	ErrMalformed = errors.New("malformed payload")
	// ErrUnknownType means a set payload names a type other than power.
	ErrUnknownType = errors.New("unknown message type")
)

// Inbound is a decoded inbound message: a [PowerCommand] or a
// [ConfigUpdate].
type Inbound interface {
	inbound()
}

// PowerCommand asks for the relay to be switched.
type PowerCommand struct {
	On bool
}

// ConfigUpdate carries a configuration document for the remote config
// handler, undecoded.
type ConfigUpdate struct {
	Payload []byte
}

func (PowerCommand) inbound() {}
func (ConfigUpdate) inbound() {}

// commandTypePower is the only recognised type in a set payload.
const commandTypePower = "power"

// Decode turns a raw topic and payload into an [Inbound] value.
func Decode(ns topic.Namespace, name string, payload []byte) (Inbound, error) {
	suffix, ok := ns.Parse(name)
	if !ok || !suffix.Inbound() {
		return nil, fmt.Errorf("%s: %w", name, ErrUnknownTopic)
	}

	switch suffix {
	case topic.Set:
		return decodeSet(payload)
	case topic.Config:
		return ConfigUpdate{Payload: payload}, nil
	}
	return nil, fmt.Errorf("%s: %w", name, ErrUnknownTopic)
}

// decodeSet parses "type:value". Only the first colon splits, so the
// value may itself contain colons (and is then rejected as a power
// value).
func decodeSet(payload []byte) (Inbound, error) {
	kind, value, found := strings.Cut(string(payload), ":")
	if !found {
		return nil, fmt.Errorf("%q has no type:value separator: %w", payload, ErrMalformed)
	}
	if kind != commandTypePower {
		return nil, fmt.Errorf("type %q: %w", kind, ErrUnknownType)
	}
	on, err := actuator.ParsePower(strings.TrimSpace(value))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return PowerCommand{On: on}, nil
}
