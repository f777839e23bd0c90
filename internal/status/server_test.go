package status

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/smokefan/internal/events"
	"github.com/nugget/smokefan/internal/loop"
)

type fakeLoop struct{ state loop.State }

func (f fakeLoop) State() loop.State { return f.state }

type fakeBroker struct{ up atomic.Bool }

func (f *fakeBroker) Connected() bool { return f.up.Load() }

func newTestServer(t *testing.T) (*Server, *events.Bus, *fakeBroker, *httptest.Server) {
	t.Helper()
	bus := events.New()
	tracker := NewTracker(bus)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go tracker.Run(ctx)

	broker := &fakeBroker{}
	broker.up.Store(true)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	s := NewServer("", bus, tracker, fakeLoop{loop.Sampling}, broker, logger)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Shutdown(context.Background())
		ts.Close()
	})
	return s, bus, broker, ts
}

func getHealth(t *testing.T, url string) (int, Snapshot) {
	t.Helper()
	resp, err := http.Get(url + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()

	var snap Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp.StatusCode, snap
}

func TestHealth_Snapshot(t *testing.T) {
	_, bus, _, ts := newTestServer(t)

	bus.Emit(events.SourceSensor, events.KindCalibrated, map[string]any{"r0": 6.75, "channel": 2})
	bus.Emit(events.SourceLoop, events.KindReading, map[string]any{"ppm": 1500.0})
	bus.Emit(events.SourceActuator, events.KindState, map[string]any{"on": true})

	deadline := time.Now().Add(2 * time.Second)
	var snap Snapshot
	var code int
	for time.Now().Before(deadline) {
		code, snap = getHealth(t, ts.URL)
		if snap.RelayOn != nil && snap.LastReadingPPM != nil && snap.R0KOhm != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if code != http.StatusOK || snap.Status != "ok" {
		t.Errorf("status = %d %q, want 200 ok", code, snap.Status)
	}
	if snap.LoopState != "sampling" || !snap.BrokerConnected {
		t.Errorf("loop_state = %q, broker = %v", snap.LoopState, snap.BrokerConnected)
	}
	if snap.RelayOn == nil || !*snap.RelayOn {
		t.Errorf("relay_on = %v, want true", snap.RelayOn)
	}
	if snap.LastReadingPPM == nil || *snap.LastReadingPPM != 1500 || snap.LastReadingAt == nil {
		t.Errorf("last reading = %v at %v", snap.LastReadingPPM, snap.LastReadingAt)
	}
	if snap.R0KOhm == nil || *snap.R0KOhm != 6.75 || snap.SensorChannel == nil || *snap.SensorChannel != 2 {
		t.Errorf("r0 = %v channel = %v", snap.R0KOhm, snap.SensorChannel)
	}
}

func TestHealth_BrokerDown(t *testing.T) {
	_, _, broker, ts := newTestServer(t)
	broker.up.Store(false)

	code, snap := getHealth(t, ts.URL)
	if code != http.StatusServiceUnavailable || snap.Status != "degraded" {
		t.Errorf("status = %d %q, want 503 degraded", code, snap.Status)
	}
	if snap.RelayOn != nil {
		t.Error("relay_on should be omitted before any state event")
	}
}

func TestHealth_MethodNotAllowed(t *testing.T) {
	_, _, _, ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/healthz", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST /healthz = %d, want 405", resp.StatusCode)
	}
}

func TestStream_RelaysEvents(t *testing.T) {
	_, bus, _, ts := newTestServer(t)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Tracker plus the stream.
	deadline := time.Now().Add(2 * time.Second)
	for bus.SubscriberCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if bus.SubscriberCount() < 2 {
		t.Fatal("stream never subscribed to the bus")
	}

	bus.Emit(events.SourceRouter, events.KindDispatched, map[string]any{"topic": "a/b/set", "outcome": "applied"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got events.Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Source != events.SourceRouter || got.Kind != events.KindDispatched || got.Data["outcome"] != "applied" {
		t.Errorf("event = %+v", got)
	}
}

func TestStream_ClosedOnShutdown(t *testing.T) {
	s, bus, _, ts := newTestServer(t)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for bus.SubscriberCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	s.Shutdown(context.Background())

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("read after shutdown = %v, want going-away close", err)
	}

	deadline = time.Now().Add(2 * time.Second)
	for bus.SubscriberCount() > 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := bus.SubscriberCount(); n != 1 {
		t.Errorf("SubscriberCount() = %d after close, want 1", n)
	}
}

func TestServer_ShutdownBeforeStart(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := events.New()
	s := NewServer("127.0.0.1:0", bus, NewTracker(bus), fakeLoop{loop.Idle}, &fakeBroker{}, logger)

	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.Start(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start after Shutdown = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start kept listening after Shutdown")
	}
}

func TestServer_ShutdownRacingStart(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	for range 20 {
		bus := events.New()
		s := NewServer("127.0.0.1:0", bus, NewTracker(bus), fakeLoop{loop.Idle}, &fakeBroker{}, logger)

		done := make(chan error, 1)
		go func() { done <- s.Start(context.Background()) }()
		if err := s.Shutdown(context.Background()); err != nil {
			t.Fatalf("Shutdown: %v", err)
		}

		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Start = %v, want nil", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Start did not return after Shutdown")
		}
	}
}
