// Package ws implements the WebSocket transport for the chat client on top of
// gobwas/ws. Frames are client-masked text messages; keepalive uses protocol
// level ping frames.
package ws

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gobwas/ws"

	"github.com/mercado/storefront-chat/internal/transport"
)

// DialerConfig holds WebSocket connection parameters.
type DialerConfig struct {
	URL          string        // ws:// or wss:// endpoint
	DialTimeout  time.Duration // TCP connect plus handshake
	WriteTimeout time.Duration // per-frame write deadline, 0 disables
	Heartbeat    HeartbeatConfig
}

// DefaultDialerConfig returns defaults matching the storefront backend.
func DefaultDialerConfig() DialerConfig {
	return DialerConfig{
		URL:          "ws://localhost:8080/ws",
		DialTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		Heartbeat:    DefaultHeartbeatConfig(),
	}
}

// Dialer opens WebSocket connections to the chat backend.
type Dialer struct {
	config DialerConfig
	log    *slog.Logger
}

// NewDialer creates a Dialer. A nil logger falls back to slog.Default().
func NewDialer(config DialerConfig, logger *slog.Logger) *Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dialer{config: config, log: logger.With("component", "ws")}
}

// Dial performs the WebSocket handshake. The credentials travel both as
// headers and as query parameters since browsers cannot set handshake headers
// and the backend accepts either.
func (d *Dialer) Dial(ctx context.Context, creds transport.Credentials) (transport.Conn, error) {
	target, err := d.endpoint(creds)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("X-User-ID", creds.UserID)
	if creds.Token != "" {
		header.Set("Authorization", "Bearer "+creds.Token)
	}

	dialer := ws.Dialer{
		Timeout: d.config.DialTimeout,
		Header:  ws.HandshakeHeaderHTTP(header),
	}

	conn, br, _, err := dialer.Dial(ctx, target.String())
	if err != nil {
		return nil, fmt.Errorf("ws: dial %s: %w", redact(target), err)
	}

	src := bufferedSource(conn, br)
	if br != nil {
		ws.PutReader(br)
	}

	d.log.Debug("handshake complete", "remote", conn.RemoteAddr().String())
	return newConnection(conn, src, d.config, d.log), nil
}

// bufferedSource returns a reader that yields whatever br read past the
// handshake and then reads from conn. br may be nil and is not retained.
func bufferedSource(conn net.Conn, br *bufio.Reader) io.Reader {
	if br == nil || br.Buffered() == 0 {
		return conn
	}
	early := make([]byte, br.Buffered())
	n, _ := br.Read(early)
	return io.MultiReader(bytes.NewReader(early[:n]), conn)
}

func (d *Dialer) endpoint(creds transport.Credentials) (*url.URL, error) {
	u, err := url.Parse(d.config.URL)
	if err != nil {
		return nil, fmt.Errorf("ws: invalid url %q: %w", d.config.URL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("ws: unsupported scheme %q", u.Scheme)
	}

	q := u.Query()
	q.Set("usuario_id", creds.UserID)
	if creds.Token != "" {
		q.Set("token", creds.Token)
	}
	u.RawQuery = q.Encode()
	return u, nil
}

// redact strips the query so tokens never reach logs or errors.
func redact(u *url.URL) string {
	c := *u
	c.RawQuery = ""
	return c.Redacted()
}
