package hal

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// Fake is an in-memory [Board]. Pins and channels are created on first
// use; tests reach into them with [Fake.Pin] and [Fake.Channel] to
// script samples, simulate a stuck relay, or fire an edge.
type Fake struct {
	mu       sync.Mutex
	pins     map[int]*FakePin
	watches  map[int]func()
	channels map[int]*FakeADC
	// DefaultRaw seeds channels that have not been scripted.
	DefaultRaw int
	closed     bool
}

// NewFake returns a board whose ADC channels return defaultRaw until
// scripted otherwise.
func NewFake(defaultRaw int) *Fake {
	return &Fake{
		pins:       make(map[int]*FakePin),
		watches:    make(map[int]func()),
		channels:   make(map[int]*FakeADC),
		DefaultRaw: defaultRaw,
	}
}

// Output implements [Board].
func (f *Fake) Output(pin int) (Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.watches[pin]; ok {
		return nil, fmt.Errorf("output %d: %w", pin, ErrPinInUse)
	}
	return f.pinLocked(pin), nil
}

// WatchFalling implements [Board].
func (f *Fake) WatchFalling(pin int, fn func()) (io.Closer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.watches[pin]; ok {
		return nil, fmt.Errorf("watch %d: %w", pin, ErrPinInUse)
	}
	f.watches[pin] = fn
	return closerFunc(func() error {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.watches, pin)
		return nil
	}), nil
}

// ADC implements [Board].
func (f *Fake) ADC(channel int) (ADC, error) {
	if channel < 0 {
		return nil, fmt.Errorf("adc channel %d out of range", channel)
	}
	return f.Channel(channel), nil
}

// Close implements [Board].
func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	clear(f.watches)
	return nil
}

// Closed reports whether Close has been called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Pin returns the fake output for pin, creating it if needed.
func (f *Fake) Pin(pin int) *FakePin {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pinLocked(pin)
}

func (f *Fake) pinLocked(pin int) *FakePin {
	p, ok := f.pins[pin]
	if !ok {
		p = &FakePin{}
		f.pins[pin] = p
	}
	return p
}

// Channel returns the fake ADC for channel, creating it if needed.
func (f *Fake) Channel(channel int) *FakeADC {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.channels[channel]
	if !ok {
		c = &FakeADC{last: f.DefaultRaw}
		f.channels[channel] = c
	}
	return c
}

// Fire simulates a falling edge on a watched pin. It reports false if
// nothing watches the pin.
func (f *Fake) Fire(pin int) bool {
	f.mu.Lock()
	fn, ok := f.watches[pin]
	f.mu.Unlock()
	if ok {
		fn()
	}
	return ok
}

// FakePin is an in-memory digital output.
type FakePin struct {
	mu    sync.Mutex
	level bool
	// stuck pins ignore Set; failing pins also return an error.
	stuck  bool
	fail   bool
	writes int
}

// Set implements [Output].
func (p *FakePin) Set(high bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writes++
	if p.fail {
		return errors.New("fake pin write failed")
	}
	if !p.stuck {
		p.level = high
	}
	return nil
}

// Value implements [Output].
func (p *FakePin) Value() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.level, nil
}

// Stick freezes the pin at level; later writes are accepted but have no
// effect, like a welded relay contact.
func (p *FakePin) Stick(level bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.level = level
	p.stuck = true
}

// FailWrites makes every later Set return an error without changing the
// level.
func (p *FakePin) FailWrites() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = true
	p.stuck = true
}

// Level returns the current level without the error return of Value.
func (p *FakePin) Level() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.level
}

// Writes returns how many times Set has been called.
func (p *FakePin) Writes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writes
}

// FakeADC replays scripted samples, then repeats the last one.
type FakeADC struct {
	mu     sync.Mutex
	queue  []int
	last   int
	reads  int
	failed error
}

// Read implements [ADC].
func (a *FakeADC) Read() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reads++
	if a.failed != nil {
		return 0, a.failed
	}
	if len(a.queue) > 0 {
		a.last, a.queue = a.queue[0], a.queue[1:]
	}
	return a.last, nil
}

// Script queues samples to be returned in order.
func (a *FakeADC) Script(samples ...int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.queue = append(a.queue, samples...)
}

// Hold discards queued samples and returns raw from now on.
func (a *FakeADC) Hold(raw int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.queue = nil
	a.last = raw
}

// Fail makes every later Read return err. A nil err clears it.
func (a *FakeADC) Fail(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failed = err
}

// Reads returns how many samples have been taken.
func (a *FakeADC) Reads() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reads
}

type closerFunc func() error

func (c closerFunc) Close() error { return c() }
