// Package messaging provides broker-backed transports for deployments where
// chat frames are relayed through NATS or Redis pub/sub instead of a direct
// WebSocket. Both speak the same frames as the WebSocket transport.
package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mercado/storefront-chat/internal/transport"
)

// NATS subject patterns used by the chat relay.
const (
	SubjectUserInbox = "chat.user"   // + .<usuario_id>
	SubjectClient    = "chat.client" // frames from clients to the backend
)

// Headers attached to every published frame.
const (
	HeaderUser          = "Chat-User"
	HeaderAuthorization = "Authorization"
)

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL            string        // nats://localhost:4222
	Name           string        // client name for identification
	ConnectTimeout time.Duration // connect plus subscription flush
	InboxPrefix    string        // inbound subject prefix
	ClientSubject  string        // outbound subject
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:            "nats://localhost:4222",
		Name:           "storefront-chat",
		ConnectTimeout: 10 * time.Second,
		InboxPrefix:    SubjectUserInbox,
		ClientSubject:  SubjectClient,
	}
}

// NATSDialer opens one NATS connection per channel. The client library's own
// reconnection is disabled: a lost connection fails the channel and the
// connection manager decides when to dial again.
type NATSDialer struct {
	config NATSConfig
	log    *slog.Logger
}

func NewNATSDialer(config NATSConfig, logger *slog.Logger) *NATSDialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSDialer{config: config, log: logger.With("component", "nats")}
}

// Dial connects, subscribes to the user's inbox and flushes so the
// subscription is registered before the channel is reported open.
func (d *NATSDialer) Dial(ctx context.Context, creds transport.Credentials) (transport.Conn, error) {
	c := &natsConn{
		config:  d.config,
		creds:   creds,
		log:     d.log,
		inbound: make(chan []byte, 256),
		done:    make(chan struct{}),
	}

	timeout := d.config.ConnectTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	opts := []nats.Option{
		nats.Name(d.config.Name),
		nats.Timeout(timeout),
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				d.log.Warn("disconnected", "error", err)
			} else {
				d.log.Info("disconnected")
			}
			c.fail(fmt.Errorf("messaging: nats disconnected: %w", errOrClosed(err)))
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			c.fail(transport.ErrClosed)
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			d.log.Error("async error", "subject", subject, "error", err)
		}),
	}

	nc, err := nats.Connect(d.config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("messaging: nats connect: %w", err)
	}
	c.nc = nc

	subject := d.config.InboxPrefix + "." + creds.UserID
	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		c.deliver(msg.Data)
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("messaging: nats subscribe %s: %w", subject, err)
	}
	c.sub = sub

	if err := nc.FlushTimeout(timeout); err != nil {
		nc.Close()
		return nil, fmt.Errorf("messaging: nats flush: %w", err)
	}
	if err := ctx.Err(); err != nil {
		nc.Close()
		return nil, err
	}

	d.log.Info("connected", "url", nc.ConnectedUrl(), "subject", subject)
	return c, nil
}

type natsConn struct {
	config NATSConfig
	creds  transport.Credentials
	log    *slog.Logger
	nc     *nats.Conn
	sub    *nats.Subscription

	inbound chan []byte

	once sync.Once
	done chan struct{}
	mu   sync.Mutex
	err  error
}

func (c *natsConn) ReadFrame() ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.done:
		return nil, c.failure()
	}
}

func (c *natsConn) WriteFrame(data []byte) error {
	select {
	case <-c.done:
		return c.failure()
	default:
	}

	msg := nats.NewMsg(c.config.ClientSubject)
	msg.Data = data
	msg.Header.Set(HeaderUser, c.creds.UserID)
	if c.creds.Token != "" {
		msg.Header.Set(HeaderAuthorization, "Bearer "+c.creds.Token)
	}
	if err := c.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("messaging: nats publish %s: %w", c.config.ClientSubject, err)
	}
	return nil
}

func (c *natsConn) Close() error {
	c.fail(transport.ErrClosed)
	if c.nc.IsConnected() {
		if err := c.sub.Unsubscribe(); err != nil {
			c.log.Debug("unsubscribe", "error", err)
		}
	}
	c.nc.Close()
	return nil
}

// deliver runs on the subscription's dispatch goroutine, so frames keep the
// order the server published them in.
func (c *natsConn) deliver(data []byte) {
	select {
	case c.inbound <- data:
	case <-c.done:
	}
}

func (c *natsConn) fail(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *natsConn) failure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func errOrClosed(err error) error {
	if err == nil {
		return transport.ErrClosed
	}
	return err
}
