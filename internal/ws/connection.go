package ws

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/mercado/storefront-chat/internal/transport"
)

// Connection is one client-side WebSocket with a write mutex serializing
// outbound frames. Application frames, pings and pong replies share it.
type Connection struct {
	conn   net.Conn
	rd     wsutil.Reader
	config DialerConfig
	log    *slog.Logger

	writeMu sync.Mutex // serializes writes to this connection

	closeOnce sync.Once
	done      chan struct{}
}

func newConnection(conn net.Conn, src io.Reader, config DialerConfig, logger *slog.Logger) *Connection {
	c := &Connection{
		conn:   conn,
		config: config,
		log:    logger,
		done:   make(chan struct{}),
	}
	c.rd = wsutil.Reader{
		Source:         src,
		State:          ws.StateClientSide,
		CheckUTF8:      true,
		OnIntermediate: c.handleControl,
	}
	if config.Heartbeat.Interval > 0 {
		go c.heartbeat()
	}
	return c
}

// ReadFrame blocks until the next text or binary message arrives. Control
// frames are answered inline and refresh the read deadline.
func (c *Connection) ReadFrame() ([]byte, error) {
	for {
		c.extendReadDeadline()

		hdr, err := c.rd.NextFrame()
		if err != nil {
			return nil, c.readErr(err)
		}
		if hdr.OpCode.IsControl() {
			if err := c.handleControl(hdr, &c.rd); err != nil {
				return nil, c.readErr(err)
			}
			continue
		}
		if hdr.OpCode&(ws.OpText|ws.OpBinary) == 0 {
			if err := c.rd.Discard(); err != nil {
				return nil, c.readErr(err)
			}
			continue
		}

		data, err := io.ReadAll(&c.rd)
		if err != nil {
			return nil, c.readErr(err)
		}
		return data, nil
	}
}

// WriteFrame sends a masked text frame.
func (c *Connection) WriteFrame(data []byte) error {
	if err := c.write(ws.OpText, data); err != nil {
		if c.isClosed() {
			return transport.ErrClosed
		}
		return fmt.Errorf("ws: write: %w", err)
	}
	return nil
}

// Close sends a best-effort close frame and closes the socket. It is safe to
// call multiple times.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		c.writeMu.Lock()
		_ = wsutil.WriteClientMessage(c.conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *Connection) handleControl(hdr ws.Header, r io.Reader) error {
	c.extendReadDeadline()

	payload := make([]byte, hdr.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return err
	}

	switch hdr.OpCode {
	case ws.OpPing:
		return c.write(ws.OpPong, payload)
	case ws.OpPong:
		return nil
	case ws.OpClose:
		code, reason := ws.ParseCloseFrameData(payload)
		_ = c.write(ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
		return wsutil.ClosedError{Code: code, Reason: reason}
	}
	return nil
}

func (c *Connection) write(op ws.OpCode, p []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.config.WriteTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout)); err != nil {
			return err
		}
	}
	return wsutil.WriteClientMessage(c.conn, op, p)
}

func (c *Connection) extendReadDeadline() {
	hb := c.config.Heartbeat
	if hb.Interval <= 0 {
		return
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(hb.Interval + hb.Timeout))
}

func (c *Connection) readErr(err error) error {
	if c.isClosed() {
		return transport.ErrClosed
	}
	return fmt.Errorf("ws: read: %w", err)
}

func (c *Connection) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
