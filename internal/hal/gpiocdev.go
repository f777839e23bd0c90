package hal

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/warthog618/go-gpiocdev"
)

const consumer = "smokefan"

// GPIOBoard drives pins on a Linux GPIO character device and reads
// analog samples from an IIO ADC.
type GPIOBoard struct {
	chip     string
	debounce time.Duration
	adcDir   string
	logger   *slog.Logger

	mu      sync.Mutex
	lines   map[int]*gpiocdev.Line
	outputs map[int]bool
}

// NewGPIOBoard opens nothing up front; lines are requested as pins are
// claimed. chip is e.g. "gpiochip0"; adcDir is the IIO device directory
// holding in_voltageN_raw files.
func NewGPIOBoard(chip, adcDir string, debounce time.Duration, logger *slog.Logger) *GPIOBoard {
	return &GPIOBoard{
		chip:     chip,
		debounce: debounce,
		adcDir:   adcDir,
		logger:   logger,
		lines:    make(map[int]*gpiocdev.Line),
		outputs:  make(map[int]bool),
	}
}

// Output implements [Board].
func (b *GPIOBoard) Output(pin int) (Output, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.lines[pin]; ok {
		return nil, fmt.Errorf("output %d: %w", pin, ErrPinInUse)
	}

	l, err := gpiocdev.RequestLine(b.chip, pin,
		gpiocdev.AsOutput(0),
		gpiocdev.WithConsumer(consumer),
	)
	if err != nil {
		return nil, fmt.Errorf("request output %s:%d: %w", b.chip, pin, err)
	}
	b.lines[pin] = l
	b.outputs[pin] = true
	b.logger.Debug("gpio output requested", "chip", b.chip, "pin", pin)
	return &lineOutput{line: l}, nil
}

// WatchFalling implements [Board]. The handler runs on gpiocdev's event
// goroutine.
func (b *GPIOBoard) WatchFalling(pin int, fn func()) (io.Closer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.lines[pin]; ok {
		return nil, fmt.Errorf("watch %d: %w", pin, ErrPinInUse)
	}

	opts := []gpiocdev.LineReqOption{
		gpiocdev.AsInput,
		gpiocdev.WithPullUp,
		gpiocdev.WithFallingEdge,
		gpiocdev.WithConsumer(consumer),
		gpiocdev.WithEventHandler(func(evt gpiocdev.LineEvent) {
			if evt.Type == gpiocdev.LineEventFallingEdge {
				fn()
			}
		}),
	}
	if b.debounce > 0 {
		opts = append(opts, gpiocdev.WithDebounce(b.debounce))
	}

	l, err := gpiocdev.RequestLine(b.chip, pin, opts...)
	if err != nil {
		return nil, fmt.Errorf("request input %s:%d: %w", b.chip, pin, err)
	}
	b.lines[pin] = l
	b.logger.Debug("gpio falling edge watch requested", "chip", b.chip, "pin", pin)

	return closerFunc(func() error {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.lines, pin)
		return l.Close()
	}), nil
}

// ADC implements [Board].
func (b *GPIOBoard) ADC(channel int) (ADC, error) {
	return OpenIIO(b.adcDir, channel)
}

// Close implements [Board]. Outputs are driven low before release so
// the relay does not stay energised after the process exits.
func (b *GPIOBoard) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var errs []error
	for pin, l := range b.lines {
		if b.outputs[pin] {
			if err := l.SetValue(0); err != nil {
				errs = append(errs, fmt.Errorf("drive line %d low: %w", pin, err))
			}
		}
		if err := l.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close line %d: %w", pin, err))
		}
		delete(b.lines, pin)
		delete(b.outputs, pin)
	}
	return errors.Join(errs...)
}

type lineOutput struct {
	line *gpiocdev.Line
}

func (o *lineOutput) Set(high bool) error {
	v := 0
	if high {
		v = 1
	}
	return o.line.SetValue(v)
}

func (o *lineOutput) Value() (bool, error) {
	v, err := o.line.Value()
	if err != nil {
		return false, err
	}
	return v == 1, nil
}
