// Package transport defines the contract between the connection manager and
// the channels that carry chat frames (WebSocket, NATS, Redis pub/sub).
package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned by Conn methods after Close.
var ErrClosed = errors.New("transport: connection closed")

// Credentials authenticate the client when a channel is opened.
type Credentials struct {
	Token  string
	UserID string
}

// Conn is an open bidirectional channel. ReadFrame is called from a single
// goroutine; WriteFrame may be called concurrently with it. Any error from
// ReadFrame means the channel is no longer usable.
type Conn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(data []byte) error
	Close() error
}

// Dialer opens channels. A nil error means the channel is open and ready to
// carry frames.
type Dialer interface {
	Dial(ctx context.Context, creds Credentials) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, creds Credentials) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, creds Credentials) (Conn, error) {
	return f(ctx, creds)
}
