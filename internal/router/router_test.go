package router

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/nugget/smokefan/internal/topic"
)

var testNS = topic.Namespace{Prefix: "homeassistant/switch", Segment: "fan"}

type fakeActuator struct {
	calls []bool
	err   error
}

func (f *fakeActuator) Set(_ context.Context, on bool) error {
	f.calls = append(f.calls, on)
	return f.err
}

type fakeConfigurer struct {
	payloads []string
	err      error
}

func (f *fakeConfigurer) Apply(_ context.Context, payload []byte) error {
	f.payloads = append(f.payloads, string(payload))
	return f.err
}

func newTestRouter(w io.Writer) (*Router, *fakeActuator, *fakeConfigurer) {
	act := &fakeActuator{}
	cfg := &fakeConfigurer{}
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return New(testNS, act, cfg, nil, logger), act, cfg
}

func TestRoute_PowerOn(t *testing.T) {
	r, act, cfg := newTestRouter(io.Discard)

	got := r.Route(context.Background(), testNS.Name(topic.Set), []byte("power:on"))
	if got != Applied {
		t.Errorf("Route() = %v, want applied", got)
	}
	if len(act.calls) != 1 || !act.calls[0] {
		t.Errorf("actuator calls = %v, want [true]", act.calls)
	}
	if len(cfg.payloads) != 0 {
		t.Errorf("config handler called with %v", cfg.payloads)
	}
}

func TestRoute_PowerOffViaControlAlias(t *testing.T) {
	r, act, _ := newTestRouter(io.Discard)

	got := r.Route(context.Background(), "homeassistant/switch/fan/control", []byte("power:off"))
	if got != Applied || len(act.calls) != 1 || act.calls[0] {
		t.Errorf("Route() = %v, calls %v; want applied, [false]", got, act.calls)
	}
}

func TestRoute_DroppedSetPayloads(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		logged  string
	}{
		{"unknown type", "fuel:on", "unknown message type"},
		{"no colon", "garbage", "no type:value separator"},
		{"empty", "", "no type:value separator"},
		{"bad value", "power:maybe", "malformed payload"},
		{"extra colon", "power:on:now", "malformed payload"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			r, act, cfg := newTestRouter(&buf)

			got := r.Route(context.Background(), testNS.Name(topic.Set), []byte(tt.payload))
			if got != Dropped {
				t.Errorf("Route() = %v, want dropped", got)
			}
			if len(act.calls) != 0 || len(cfg.payloads) != 0 {
				t.Errorf("handlers invoked: actuator %v config %v", act.calls, cfg.payloads)
			}
			if !strings.Contains(buf.String(), "level=WARN") || !strings.Contains(buf.String(), tt.logged) {
				t.Errorf("log output missing warning with %q: %s", tt.logged, buf.String())
			}
		})
	}
}

func TestRoute_ConfigForwardedWhole(t *testing.T) {
	r, act, cfg := newTestRouter(io.Discard)
	doc := `{"power":"on","gpio_pin":5}`

	got := r.Route(context.Background(), testNS.Name(topic.Config), []byte(doc))
	if got != Applied {
		t.Errorf("Route() = %v, want applied", got)
	}
	if len(cfg.payloads) != 1 || cfg.payloads[0] != doc {
		t.Errorf("config payloads = %v", cfg.payloads)
	}
	if len(act.calls) != 0 {
		t.Errorf("router must not drive the actuator for config: %v", act.calls)
	}
}

func TestRoute_ConfigFailureIsDropped(t *testing.T) {
	r, _, cfg := newTestRouter(io.Discard)
	cfg.err = errors.New("bad document")

	if got := r.Route(context.Background(), testNS.Name(topic.Config), []byte("{")); got != Dropped {
		t.Errorf("Route() = %v, want dropped", got)
	}
}

func TestRoute_ActuatorFailureIsDropped(t *testing.T) {
	r, act, _ := newTestRouter(io.Discard)
	act.err = errors.New("relay stuck")

	if got := r.Route(context.Background(), testNS.Name(topic.Set), []byte("power:on")); got != Dropped {
		t.Errorf("Route() = %v, want dropped", got)
	}
}

func TestRoute_UnknownTopicsIgnoredQuietly(t *testing.T) {
	names := []string{
		testNS.Name(topic.State),
		testNS.Name(topic.AirQuality),
		"homeassistant/switch/fan/availability",
		"homeassistant/switch/pump/set",
		"some/other/topic",
	}
	for _, name := range names {
		var buf bytes.Buffer
		r, act, cfg := newTestRouter(&buf)

		if got := r.Route(context.Background(), name, []byte("power:on")); got != Ignored {
			t.Errorf("Route(%q) = %v, want ignored", name, got)
		}
		if len(act.calls) != 0 || len(cfg.payloads) != 0 {
			t.Errorf("Route(%q) invoked a handler", name)
		}
		if strings.Contains(buf.String(), "level=WARN") {
			t.Errorf("Route(%q) warned: %s", name, buf.String())
		}
	}
}

func TestDecode(t *testing.T) {
	msg, err := Decode(testNS, testNS.Name(topic.Set), []byte("power: on"))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if pc, ok := msg.(PowerCommand); !ok || !pc.On {
		t.Errorf("Decode = %#v, want PowerCommand{On: true}", msg)
	}

	if _, err := Decode(testNS, testNS.Name(topic.Set), []byte("fuel:on")); !errors.Is(err, ErrUnknownType) {
		t.Errorf("fuel:on error = %v, want ErrUnknownType", err)
	}
	if _, err := Decode(testNS, testNS.Name(topic.Set), []byte("garbage")); !errors.Is(err, ErrMalformed) {
		t.Errorf("garbage error = %v, want ErrMalformed", err)
	}
}

func TestOutcome_String(t *testing.T) {
	if Applied.String() != "applied" || Ignored.String() != "ignored" || Dropped.String() != "dropped" {
		t.Error("unexpected outcome names")
	}
	if Outcome(9).String() != "outcome(9)" {
		t.Errorf("Outcome(9).String() = %q", Outcome(9).String())
	}
}
