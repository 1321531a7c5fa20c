// Package transporttest provides an in-memory transport for tests. The test
// plays the server: it pushes inbound frames, breaks connections and inspects
// what the client wrote.
package transporttest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mercado/storefront-chat/internal/transport"
)

// ErrDialRefused is returned by Dial while failures are configured.
var ErrDialRefused = errors.New("transporttest: dial refused")

// ErrBroken is returned by a Conn after Break.
var ErrBroken = errors.New("transporttest: connection broken")

// Dialer hands out in-memory connections and records every frame written to
// any of them in write order.
type Dialer struct {
	mu         sync.Mutex
	failNext   int
	failAlways bool
	dials      int
	conns      []*Conn
	sent       [][]byte
	dialed     chan *Conn
}

func NewDialer() *Dialer {
	return &Dialer{dialed: make(chan *Conn, 64)}
}

// FailNext makes the next n dials fail.
func (d *Dialer) FailNext(n int) {
	d.mu.Lock()
	d.failNext = n
	d.mu.Unlock()
}

// FailAlways makes every dial fail until called with false.
func (d *Dialer) FailAlways(fail bool) {
	d.mu.Lock()
	d.failAlways = fail
	d.mu.Unlock()
}

func (d *Dialer) Dial(ctx context.Context, creds transport.Credentials) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.dials++
	if d.failAlways || d.failNext > 0 {
		if d.failNext > 0 {
			d.failNext--
		}
		d.mu.Unlock()
		return nil, ErrDialRefused
	}
	c := &Conn{
		owner:   d,
		creds:   creds,
		inbound: make(chan []byte, 256),
		closed:  make(chan struct{}),
		stalled: make(chan struct{}, 16),
	}
	d.conns = append(d.conns, c)
	d.mu.Unlock()

	select {
	case d.dialed <- c:
	default:
	}
	return c, nil
}

// Dials returns how many dials were attempted, failed ones included.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Conns returns every connection handed out so far.
func (d *Dialer) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Conn, len(d.conns))
	copy(out, d.conns)
	return out
}

// Sent returns every frame written across all connections, in write order.
func (d *Dialer) Sent() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]byte, len(d.sent))
	copy(out, d.sent)
	return out
}

// WaitConn returns the next successfully dialed connection or nil after
// timeout.
func (d *Dialer) WaitConn(timeout time.Duration) *Conn {
	select {
	case c := <-d.dialed:
		return c
	case <-time.After(timeout):
		return nil
	}
}

// Conn is one in-memory connection.
type Conn struct {
	owner   *Dialer
	creds   transport.Credentials
	inbound chan []byte

	closeOnce sync.Once
	closed    chan struct{}

	mu         sync.Mutex
	err        error
	written    [][]byte
	failWrites bool
	stall      chan error
	stalled    chan struct{}
}

// Credentials returns the credentials the connection was dialed with.
func (c *Conn) Credentials() transport.Credentials { return c.creds }

// Push delivers a frame to the client.
func (c *Conn) Push(frame []byte) {
	select {
	case c.inbound <- frame:
	case <-c.closed:
	}
}

// Break fails the connection as a network error would.
func (c *Conn) Break() {
	c.shutdown(ErrBroken)
}

// FailWrites makes every later WriteFrame fail without breaking reads.
func (c *Conn) FailWrites() {
	c.mu.Lock()
	c.failWrites = true
	c.mu.Unlock()
}

// StallWrites makes later WriteFrame calls block, even past Close, until
// release is called. Blocked writes then return err, or complete normally
// when err is nil.
func (c *Conn) StallWrites() (release func(err error)) {
	ch := make(chan error, 1)
	c.mu.Lock()
	c.stall = ch
	c.mu.Unlock()
	var once sync.Once
	return func(err error) {
		once.Do(func() {
			c.mu.Lock()
			c.stall = nil
			c.mu.Unlock()
			ch <- err
			close(ch)
		})
	}
}

// WaitStalled reports whether a write blocked on StallWrites within timeout.
func (c *Conn) WaitStalled(timeout time.Duration) bool {
	select {
	case <-c.stalled:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Written returns the frames written on this connection.
func (c *Conn) Written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.written))
	copy(out, c.written)
	return out
}

// Closed reports whether the connection was closed or broken.
func (c *Conn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Conn) ReadFrame() ([]byte, error) {
	select {
	case <-c.closed:
		return nil, c.closeErr()
	default:
	}
	select {
	case f := <-c.inbound:
		return f, nil
	case <-c.closed:
		return nil, c.closeErr()
	}
}

func (c *Conn) WriteFrame(data []byte) error {
	if c.Closed() {
		return c.closeErr()
	}
	c.mu.Lock()
	if stall := c.stall; stall != nil {
		c.mu.Unlock()
		select {
		case c.stalled <- struct{}{}:
		default:
		}
		if err, ok := <-stall; ok && err != nil {
			return err
		}
		c.mu.Lock()
	}
	if c.failWrites {
		c.mu.Unlock()
		return ErrBroken
	}
	frame := append([]byte(nil), data...)
	c.written = append(c.written, frame)
	c.mu.Unlock()

	c.owner.mu.Lock()
	c.owner.sent = append(c.owner.sent, frame)
	c.owner.mu.Unlock()
	return nil
}

func (c *Conn) Close() error {
	c.shutdown(transport.ErrClosed)
	return nil
}

func (c *Conn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.closed)
	})
}

func (c *Conn) closeErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}
