package loop

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nugget/smokefan/internal/actuator"
	"github.com/nugget/smokefan/internal/control"
	"github.com/nugget/smokefan/internal/events"
	"github.com/nugget/smokefan/internal/hal"
	"github.com/nugget/smokefan/internal/interrupt"
	"github.com/nugget/smokefan/internal/mqtt"
	"github.com/nugget/smokefan/internal/remoteconfig"
	"github.com/nugget/smokefan/internal/router"
	"github.com/nugget/smokefan/internal/sensor"
	"github.com/nugget/smokefan/internal/topic"
)

type published struct {
	topic   string
	payload string
	retain  bool
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []published
}

func (r *recordingPublisher) Publish(_ context.Context, topic string, payload []byte, retain bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, published{topic, string(payload), retain})
	return nil
}

func (r *recordingPublisher) snapshot() []published {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]published(nil), r.msgs...)
}

// waitFor polls until the publisher holds at least n messages.
func (r *recordingPublisher) waitFor(t *testing.T, n int) []published {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := r.snapshot(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d publishes, have %v", n, r.snapshot())
	return nil
}

var ns = topic.Namespace{Prefix: "homeassistant/switch", Segment: "fan"}

// Curve chosen so that ppm = 1000 / ratio.
var testParams = sensor.Params{
	LoadResistance:     10,
	ADCMax:             1023,
	CleanAirFactor:     1,
	Curve:              sensor.Curve{X0: 3, Slope: 0, Intercept: -1},
	CalibrationSamples: 4,
	MeasureSamples:     3,
}

type harness struct {
	board      *hal.Fake
	pub        *recordingPublisher
	probe      *sensor.Probe
	inbox      chan mqtt.Message
	interrupts *interrupt.Queue
	loop       *Loop
	bus        *events.Bus
}

// newHarness wires the real components over a fake board. The sensor is
// calibrated on raw 132, which gives R_s = 6.75 × load.
func newHarness(t *testing.T, poll time.Duration) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	h := &harness{
		board:      hal.NewFake(132),
		pub:        &recordingPublisher{},
		inbox:      make(chan mqtt.Message, 4),
		interrupts: interrupt.NewQueue(4),
		bus:        events.New(),
	}

	relay, err := h.board.Output(12)
	if err != nil {
		t.Fatal(err)
	}
	led, err := h.board.Output(13)
	if err != nil {
		t.Fatal(err)
	}
	act := actuator.New(relay, led, h.pub, ns.Name(topic.State), h.bus, logger)

	h.probe, err = sensor.NewProbe(ctx, h.board, 0, testParams, h.bus, logger)
	if err != nil {
		t.Fatalf("NewProbe: %v", err)
	}

	cfgHandler := remoteconfig.New(act, h.probe, logger)
	rt := router.New(ns, act, cfgHandler, h.bus, logger)

	h.loop = New(Config{
		Inbox:           h.inbox,
		Interrupts:      h.interrupts.C(),
		Router:          rt,
		Sensor:          h.probe,
		Actuator:        act,
		Policy:          control.NewPolicy(0),
		Publisher:       h.pub,
		AirQualityTopic: ns.Name(topic.AirQuality),
		PollInterval:    poll,
		Bus:             h.bus,
		Logger:          logger,
	})
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.loop.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run returned %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Error("Run did not stop after cancel")
		}
	})
}

func TestRun_EndToEndAboveThreshold(t *testing.T) {
	h := newHarness(t, 0)
	// R_s = 4.5 × load, ratio 2/3, 1500 ppm.
	h.board.Channel(0).Hold(186)
	h.start(t)

	h.inbox <- mqtt.Message{Topic: ns.Name(topic.Set), Payload: []byte("fuel:on")}
	got := h.pub.waitFor(t, 2)

	if got[0].topic != ns.Name(topic.AirQuality) || got[0].payload != "1500.0" || got[0].retain {
		t.Errorf("first publish = %+v, want airquality 1500.0 not retained", got[0])
	}
	if got[1].topic != ns.Name(topic.State) || got[1].payload != "on" || !got[1].retain {
		t.Errorf("second publish = %+v, want retained state on", got[1])
	}
	if !h.board.Pin(12).Level() || !h.board.Pin(13).Level() {
		t.Error("relay and led should be on")
	}
}

func TestRun_BelowThresholdTurnsOff(t *testing.T) {
	h := newHarness(t, 0)
	h.board.Pin(12).Set(true)
	// Clean air: ratio 1, 1000 ppm.
	h.start(t)

	h.inbox <- mqtt.Message{Topic: "elsewhere/topic", Payload: []byte("x")}
	got := h.pub.waitFor(t, 2)

	if got[0].payload != "1000.0" {
		t.Errorf("airquality = %q, want 1000.0", got[0].payload)
	}
	if got[1].payload != "off" || h.board.Pin(12).Level() {
		t.Errorf("state = %q, relay %v; want off", got[1].payload, h.board.Pin(12).Level())
	}
}

func TestRun_PowerCommandThenPolicy(t *testing.T) {
	h := newHarness(t, 0)
	h.start(t)

	// The command switches on, then the clean-air reading switches off.
	h.inbox <- mqtt.Message{Topic: ns.Name(topic.Set), Payload: []byte("power:on")}
	got := h.pub.waitFor(t, 3)

	want := []string{"on", "1000.0", "off"}
	for i, w := range want {
		if got[i].payload != w {
			t.Errorf("publish %d = %q, want %q", i, got[i].payload, w)
		}
	}
}

func TestRun_ConfigRewireRecalibrates(t *testing.T) {
	h := newHarness(t, 0)
	h.board.Channel(5).Hold(132)
	h.start(t)

	h.inbox <- mqtt.Message{Topic: ns.Name(topic.Config), Payload: []byte(`{"power":"on","gpio_pin":5}`)}
	h.pub.waitFor(t, 3)

	if h.probe.Channel() != 5 {
		t.Errorf("Channel() = %d, want 5", h.probe.Channel())
	}
	if reads := h.board.Channel(5).Reads(); reads != testParams.CalibrationSamples+testParams.MeasureSamples {
		t.Errorf("channel 5 reads = %d, want calibration then one measurement", reads)
	}
}

func TestRun_FullScaleSwitchesOn(t *testing.T) {
	h := newHarness(t, 0)
	h.board.Channel(0).Hold(testParams.ADCMax)
	h.start(t)

	h.inbox <- mqtt.Message{Topic: "elsewhere/topic", Payload: []byte("x")}
	got := h.pub.waitFor(t, 1)

	if got[0].topic != ns.Name(topic.State) || got[0].payload != "on" {
		t.Errorf("first publish = %+v, want state on", got[0])
	}
	if !h.board.Pin(12).Level() {
		t.Error("relay should be on at full scale")
	}
	time.Sleep(20 * time.Millisecond)
	for _, m := range h.pub.snapshot() {
		if m.topic == ns.Name(topic.AirQuality) {
			t.Errorf("unexpected airquality publish %+v", m)
		}
	}
}

func TestRun_SampleFailureSkipsPublish(t *testing.T) {
	h := newHarness(t, 0)
	h.board.Channel(0).Fail(errors.New("adc unplugged"))
	h.start(t)

	h.inbox <- mqtt.Message{Topic: ns.Name(topic.Set), Payload: []byte("power:on")}
	h.inbox <- mqtt.Message{Topic: ns.Name(topic.Set), Payload: []byte("power:off")}
	got := h.pub.waitFor(t, 2)

	if got[0].payload != "on" || got[1].payload != "off" {
		t.Errorf("publishes = %+v, want only state changes", got)
	}
	time.Sleep(20 * time.Millisecond)
	for _, m := range h.pub.snapshot() {
		if m.topic == ns.Name(topic.AirQuality) {
			t.Errorf("unexpected airquality publish %+v", m)
		}
	}
}

func TestRun_ButtonTogglesWithoutSampling(t *testing.T) {
	h := newHarness(t, 0)
	h.start(t)
	readsBefore := h.board.Channel(0).Reads()

	h.interrupts.Post(interrupt.ButtonPressed)
	got := h.pub.waitFor(t, 1)

	if got[0].topic != ns.Name(topic.State) || got[0].payload != "on" {
		t.Errorf("publish = %+v, want state on", got[0])
	}
	if h.board.Channel(0).Reads() != readsBefore {
		t.Error("interrupt handling must not sample the sensor")
	}
}

func TestRun_RelayChangePublishesObservedState(t *testing.T) {
	h := newHarness(t, 0)
	h.start(t)

	h.board.Pin(12).Set(true)
	writes := h.board.Pin(12).Writes()
	h.interrupts.Post(interrupt.RelayChanged)
	got := h.pub.waitFor(t, 1)

	if got[0].payload != "on" {
		t.Errorf("state = %q, want on", got[0].payload)
	}
	if h.board.Pin(12).Writes() != writes {
		t.Error("relay change must not re-drive the relay")
	}
}

func TestRun_PollTick(t *testing.T) {
	h := newHarness(t, 10*time.Millisecond)
	h.start(t)

	got := h.pub.waitFor(t, 2)
	if got[0].topic != ns.Name(topic.AirQuality) {
		t.Errorf("first publish = %+v, want an airquality reading", got[0])
	}
}

func TestRun_InboxClosed(t *testing.T) {
	h := newHarness(t, 0)
	close(h.inbox)

	if err := h.loop.Run(context.Background()); !errors.Is(err, ErrInboxClosed) {
		t.Errorf("Run = %v, want ErrInboxClosed", err)
	}
}

func TestRun_StateTransitions(t *testing.T) {
	h := newHarness(t, 0)
	h.board.Channel(0).Hold(186)
	sub := h.bus.Subscribe(64)
	h.start(t)

	h.inbox <- mqtt.Message{Topic: ns.Name(topic.Set), Payload: []byte("power:on")}
	h.pub.waitFor(t, 3)

	var states []string
	deadline := time.After(2 * time.Second)
	for len(states) < 4 {
		select {
		case e := <-sub:
			if e.Kind == events.KindLoopState {
				states = append(states, e.Data["state"].(string))
			}
		case <-deadline:
			t.Fatalf("states so far: %v", states)
		}
	}
	want := []string{"dispatching", "sampling", "publishing", "idle"}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("states = %v, want %v", states, want)
		}
	}
	if h.loop.State() != Idle {
		t.Errorf("State() = %v, want idle", h.loop.State())
	}
}

func TestFormatReading(t *testing.T) {
	tests := map[float64]string{
		1500:          "1500.0",
		1499.99999999: "1500.0",
		0.04:          "0.0",
		1234.56:       "1234.6",
	}
	for in, want := range tests {
		if got := FormatReading(in); got != want {
			t.Errorf("FormatReading(%v) = %q, want %q", in, got, want)
		}
	}
}
