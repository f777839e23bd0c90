// Package remoteconfig applies configuration documents received on the
// device's config topic.
package remoteconfig

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nugget/smokefan/internal/actuator"
)

// ErrInvalidDirective covers every way a config document can be
// unusable: bad JSON, a missing power field, or a bad value.
var ErrInvalidDirective = errors.New("invalid config directive")

// Directive is a decoded config document.
type Directive struct {
	Power bool
	// SensorPin is the new sensor ADC channel, nil when the document
	// does not ask for a rewire.
	SensorPin *int
}

type wireDirective struct {
	Power   *string `json:"power"`
	GPIOPin *int    `json:"gpio_pin"`
}

// Decode parses a config document. Unknown fields are ignored.
func Decode(payload []byte) (Directive, error) {
	var w wireDirective
	dec := json.NewDecoder(bytes.NewReader(payload))
	if err := dec.Decode(&w); err != nil {
		return Directive{}, fmt.Errorf("%w: %w", ErrInvalidDirective, err)
	}
	if dec.More() {
		return Directive{}, fmt.Errorf("%w: trailing data after document", ErrInvalidDirective)
	}
	if w.Power == nil {
		return Directive{}, fmt.Errorf("%w: missing power", ErrInvalidDirective)
	}
	on, err := actuator.ParsePower(*w.Power)
	if err != nil {
		return Directive{}, fmt.Errorf("%w: %w", ErrInvalidDirective, err)
	}
	if w.GPIOPin != nil && *w.GPIOPin < 0 {
		return Directive{}, fmt.Errorf("%w: gpio_pin %d is negative", ErrInvalidDirective, *w.GPIOPin)
	}
	return Directive{Power: on, SensorPin: w.GPIOPin}, nil
}
