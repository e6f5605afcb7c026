// Package bus connects the relay to its chat gateway over NATS.
//
// The gateway publishes inbound updates as CBOR envelopes on a single
// subject and consumes outbound envelopes on "<prefix>.send",
// "<prefix>.present" (request/reply), "<prefix>.replace" and "<prefix>.ack".
package bus

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Config controls the NATS connection.
type Config struct {
	URL             string
	Name            string
	CredentialsFile string
	ReconnectWait   time.Duration
	MaxReconnects   int
}

// Subscription is an active subject subscription.
type Subscription interface {
	Unsubscribe() error
}

// Client wraps a NATS connection.
type Client struct {
	conn *nats.Conn
	log  *zap.Logger
}

// Connect dials the NATS server described by cfg.
func Connect(cfg Config, log *zap.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("bus url is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("bus disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("bus reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			log.Info("bus connection closed")
		}),
	}
	if cfg.CredentialsFile != "" {
		if _, err := os.Stat(cfg.CredentialsFile); err != nil {
			return nil, fmt.Errorf("bus credentials: %w", err)
		}
		opts = append(opts, nats.UserCredentials(cfg.CredentialsFile))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to bus: %w", err)
	}
	return &Client{conn: conn, log: log}, nil
}

// Publish sends data on subject.
func (c *Client) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Request sends data on subject and waits for a single reply or ctx expiry.
func (c *Client) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	msg, err := c.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, err
	}
	return msg.Data, nil
}

// Flush waits until the server has processed everything published so far.
func (c *Client) Flush(timeout time.Duration) error {
	return c.conn.FlushTimeout(timeout)
}

// Subscribe registers handler for subject.
func (c *Client) Subscribe(subject string, handler nats.MsgHandler) (Subscription, error) {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return nil, err
	}
	c.log.Debug("subscribed", zap.String("subject", subject))
	return sub, nil
}

// IsConnected reports whether the connection is currently up.
func (c *Client) IsConnected() bool {
	return c.conn.IsConnected()
}

// Status returns the connection status as a lowercase word.
func (c *Client) Status() string {
	switch c.conn.Status() {
	case nats.CONNECTED:
		return "connected"
	case nats.CONNECTING:
		return "connecting"
	case nats.RECONNECTING:
		return "reconnecting"
	case nats.DISCONNECTED:
		return "disconnected"
	case nats.CLOSED:
		return "closed"
	default:
		return "unknown"
	}
}

// Close flushes pending publishes and closes the connection.
func (c *Client) Close() {
	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
	}
}
