// Package hal is the hardware abstraction the controller drives: digital
// outputs for the relay and LED, falling-edge watched inputs for the
// button and relay feedback, and ADC channels for the gas sensor.
//
// Two boards are provided. [Fake] keeps all state in memory and is
// used by tests and by desktop runs. [GPIOBoard] drives a Linux GPIO
// character device through go-gpiocdev and reads samples from an IIO
// ADC.
package hal

import (
	"errors"
	"io"
)

// ErrPinInUse is returned when a pin is requested twice on one board.
var ErrPinInUse = errors.New("pin already in use")

// Output is a digital output pin.
type Output interface {
	// Set drives the pin high (true) or low (false).
	Set(high bool) error
	// Value reads back the physical level of the pin.
	Value() (bool, error)
}

// ADC is one analog input channel.
type ADC interface {
	// Read returns one raw sample in the converter's native range.
	Read() (int, error)
}

// Board hands out pins and channels.
type Board interface {
	// Output claims pin as a digital output, initially low.
	Output(pin int) (Output, error)
	// WatchFalling claims pin as an input and calls fn on every
	// falling edge. fn runs on a driver goroutine and must not block.
	// Closing the returned Closer stops the watch and releases the pin.
	WatchFalling(pin int, fn func()) (io.Closer, error)
	// ADC opens an analog channel.
	ADC(channel int) (ADC, error)
	// Close releases every pin the board handed out.
	Close() error
}

// ADCOpener is the subset of [Board] the sensor needs to rewire itself
// onto another channel.
type ADCOpener interface {
	ADC(channel int) (ADC, error)
}
