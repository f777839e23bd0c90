package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/nugget/smokefan/internal/config"
	"github.com/nugget/smokefan/internal/topic"
)

// ErrNotConnected is returned by operations that need a connection
// manager before [Client.Connect] has been called.
var ErrNotConnected = errors.New("mqtt client not connected")

// publishTimeout bounds a single publish so a dead broker cannot stall
// the control loop.
const publishTimeout = 10 * time.Second

// Client manages the broker connection, the inbound subscriptions, and
// the inbox feeding the control loop.
type Client struct {
	cfg      config.MQTTConfig
	ns       topic.Namespace
	clientID string
	logger   *slog.Logger

	inbox     chan Message
	rate      *inboundWindow
	overflow  atomic.Int64
	connected atomic.Bool
	cm        *autopaho.ConnectionManager
}

// New creates a Client but does not connect. Call [Client.Connect] to
// start the connection.
func New(cfg config.MQTTConfig, ns topic.Namespace, id Identity, logger *slog.Logger) *Client {
	return &Client{
		cfg:      cfg,
		ns:       ns,
		clientID: id.ClientID(),
		logger:   logger,
		inbox:    make(chan Message, cfg.InboxSize),
		rate:     newInboundWindow(cfg.RateLimit, cfg.RateInterval, logger),
	}
}

// Connect starts the connection manager and waits up to ConnectWait
// for the first connection. If the broker is not reachable in that
// time Connect logs and returns nil; autopaho keeps retrying in the
// background and subscriptions are made when it succeeds. The
// connection lives until ctx is cancelled or [Client.Disconnect] is
// called.
func (c *Client) Connect(ctx context.Context) error {
	brokerURL, err := url.Parse(c.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       uint16(c.cfg.KeepAliveSec),
		ConnectUsername: c.cfg.Username,
		ConnectPassword: []byte(c.cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			c.connected.Store(true)
			c.logger.Info("mqtt connected to broker", "broker", c.cfg.Broker, "client_id", c.clientID)
			c.subscribe(ctx, cm)
		},
		OnConnectError: func(err error) {
			c.connected.Store(false)
			c.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: c.clientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					c.receive(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
			OnClientError: func(err error) {
				c.connected.Store(false)
				c.logger.Warn("mqtt client error", "error", err)
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				c.connected.Store(false)
				c.logger.Warn("mqtt server disconnected", "reason_code", d.ReasonCode)
			},
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	c.cm = cm

	go c.rate.run(ctx)

	connCtx, connCancel := context.WithTimeout(ctx, c.cfg.ConnectWait)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("mqtt initial connection timed out, will retry in background",
			"broker", c.cfg.Broker, "error", err)
	}
	return nil
}

func (c *Client) subscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	filters := c.ns.Subscriptions()
	opts := make([]paho.SubscribeOptions, 0, len(filters))
	for _, f := range filters {
		opts = append(opts, paho.SubscribeOptions{Topic: f, QoS: c.cfg.QoS})
	}

	if _, err := cm.Subscribe(ctx, &paho.Subscribe{Subscriptions: opts}); err != nil {
		c.logger.Error("mqtt subscribe failed", "topics", filters, "error", err)
		return
	}
	c.logger.Info("mqtt subscribed", "topics", filters, "qos", c.cfg.QoS)
}

// Publish sends payload to topic at the configured QoS and waits for
// the broker to accept it.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte, retain bool) error {
	if c.cm == nil {
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	if _, err := c.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     c.cfg.QoS,
		Retain:  retain,
	}); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	c.logger.Log(ctx, config.LevelTrace, "mqtt published",
		"topic", topic, "payload", string(payload), "retain", retain)
	return nil
}

// Inbox returns the channel of accepted inbound messages.
func (c *Client) Inbox() <-chan Message {
	return c.inbox
}

// Next blocks for the next inbound message.
func (c *Client) Next(ctx context.Context) (Message, error) {
	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case m := <-c.inbox:
		return m, nil
	}
}

// Connected reports whether the broker connection is currently up.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// InboxOverflow returns how many messages were discarded because the
// inbox was full.
func (c *Client) InboxOverflow() int64 {
	return c.overflow.Load()
}

// RateLimited returns how many messages were refused by the inbound
// rate limit.
func (c *Client) RateLimited() int64 {
	return c.rate.total.Load()
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires.
func (c *Client) AwaitConnection(ctx context.Context) error {
	if c.cm == nil {
		return ErrNotConnected
	}
	return c.cm.AwaitConnection(ctx)
}

// Disconnect closes the connection, waiting at most DisconnectTTL. A
// failure is logged and returned; callers shutting down should carry
// on regardless.
func (c *Client) Disconnect(ctx context.Context) error {
	if c.cm == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.DisconnectTTL)
	defer cancel()

	c.connected.Store(false)
	if err := c.cm.Disconnect(ctx); err != nil {
		c.logger.Error("mqtt disconnect failed", "error", err)
		return fmt.Errorf("mqtt disconnect: %w", err)
	}
	c.logger.Info("mqtt disconnected")
	return nil
}
