// Package status serves a small read-only HTTP view of the controller:
// a JSON health snapshot and a WebSocket stream of bus events. It only
// observes; nothing here can change the relay or the sensor.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/smokefan/internal/buildinfo"
	"github.com/nugget/smokefan/internal/events"
	"github.com/nugget/smokefan/internal/loop"
)

// LoopStater exposes the control loop's current state.
type LoopStater interface {
	State() loop.State
}

// BrokerStatus reports the MQTT connection state.
type BrokerStatus interface {
	Connected() bool
}

// Snapshot is the /healthz response body.
type Snapshot struct {
	Status          string     `json:"status"`
	Version         string     `json:"version"`
	Uptime          string     `json:"uptime"`
	LoopState       string     `json:"loop_state"`
	BrokerConnected bool       `json:"broker_connected"`
	RelayOn         *bool      `json:"relay_on,omitempty"`
	LastReadingPPM  *float64   `json:"last_reading_ppm,omitempty"`
	LastReadingAt   *time.Time `json:"last_reading_at,omitempty"`
	R0KOhm          *float64   `json:"r0_kohm,omitempty"`
	SensorChannel   *int       `json:"sensor_channel,omitempty"`
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the status HTTP server.
type Server struct {
	listen  string
	bus     *events.Bus
	tracker *Tracker
	loop    LoopStater
	broker  BrokerStatus
	logger  *slog.Logger

	upgrader websocket.Upgrader

	mu     sync.Mutex
	server *http.Server // set by Start

	done      chan struct{}
	closeOnce sync.Once
}

// NewServer creates a status server listening on listen.
func NewServer(listen string, bus *events.Bus, tracker *Tracker, lp LoopStater, broker BrokerStatus, logger *slog.Logger) *Server {
	return &Server{
		listen:  listen,
		bus:     bus,
		tracker: tracker,
		loop:    lp,
		broker:  broker,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		done: make(chan struct{}),
	}
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /ws", s.handleStream)
	return s.withLogging(mux)
}

// Start listens and serves until Shutdown. It returns nil after a
// clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return nil
	default:
	}
	srv := &http.Server{
		Addr:        s.listen,
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	s.server = srv
	s.mu.Unlock()

	s.logger.Info("starting status server", "listen", s.listen)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown closes open streams and gracefully stops the server.
// A Start that has not yet begun listening will not.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closeOnce.Do(func() { close(s.done) })
	srv := s.server
	s.mu.Unlock()

	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// Snapshot assembles the current health view.
func (s *Server) Snapshot() Snapshot {
	snap := Snapshot{
		Status:          "ok",
		Version:         buildinfo.Version,
		Uptime:          buildinfo.Uptime().Truncate(time.Second).String(),
		LoopState:       s.loop.State().String(),
		BrokerConnected: s.broker.Connected(),
	}
	if !snap.BrokerConnected {
		snap.Status = "degraded"
	}
	s.tracker.fill(&snap)
	return snap
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	if !snap.BrokerConnected {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	writeJSON(w, snap, s.logger)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	sub := s.bus.Subscribe(streamBuffer)
	s.logger.Info("event stream opened", "remote", conn.RemoteAddr(), "subscribers", s.bus.SubscriberCount())

	c := &streamClient{conn: conn, events: sub, done: s.done, logger: s.logger}
	gone := make(chan struct{})
	go c.readPump(gone)
	c.writePump(gone)

	s.bus.Unsubscribe(sub)
	conn.Close()
	s.logger.Info("event stream closed", "remote", conn.RemoteAddr())
}
