package mqtt

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nugget/smokefan/internal/config"
)

// Message is one inbound publish as the control loop sees it.
type Message struct {
	Topic    string
	Payload  []byte
	Received time.Time
}

// receive is the paho callback path. It must not block: messages over
// the rate limit or beyond the inbox capacity are dropped.
func (c *Client) receive(topic string, payload []byte) {
	if !c.rate.admit() {
		return
	}

	c.logger.Log(context.Background(), config.LevelTrace, "mqtt message received",
		"topic", topic,
		"payload_size", len(payload),
		"payload", string(payload),
	)

	msg := Message{
		Topic:    topic,
		Payload:  append([]byte(nil), payload...),
		Received: time.Now(),
	}
	select {
	case c.inbox <- msg:
	default:
		n := c.overflow.Add(1)
		c.logger.Warn("mqtt inbox full, message dropped",
			"topic", topic, "dropped_total", n)
	}
}

// inboundWindow caps inbound messages at limit per fixed window. admit
// runs on the paho goroutine and touches only atomics; run closes each
// window on a ticker.
type inboundWindow struct {
	limit  int64
	window time.Duration
	logger *slog.Logger

	seen    atomic.Int64 // this window, refused included
	refused atomic.Int64 // this window
	total   atomic.Int64 // refused since the client was built
}

func newInboundWindow(limit int, window time.Duration, logger *slog.Logger) *inboundWindow {
	return &inboundWindow{limit: int64(limit), window: window, logger: logger}
}

// admit reports whether one more message fits in the current window.
func (w *inboundWindow) admit() bool {
	if w.seen.Add(1) <= w.limit {
		return true
	}
	w.refused.Add(1)
	w.total.Add(1)
	return false
}

// run closes a window every w.window until ctx is done.
func (w *inboundWindow) run(ctx context.Context) {
	ticker := time.NewTicker(w.window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.roll()
		}
	}
}

// roll starts a new window, reporting the one just closed if it
// refused anything.
func (w *inboundWindow) roll() {
	seen := w.seen.Swap(0)
	refused := w.refused.Swap(0)
	if refused == 0 {
		return
	}
	w.logger.Warn("mqtt inbound rate limit hit",
		"seen", seen,
		"refused", refused,
		"limit", w.limit,
		"window", w.window,
		"refused_total", w.total.Load(),
	)
}
