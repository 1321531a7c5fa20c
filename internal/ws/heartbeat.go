package ws

import (
	"time"

	"github.com/gobwas/ws"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 25s)
	Timeout  time.Duration // extra time allowed for the pong (default: 10s)
}

// DefaultHeartbeatConfig returns sensible defaults for heartbeat monitoring.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 25 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// heartbeat pings the server every Interval until the connection closes. A
// silent server is detected by the read deadline; a failed ping closes the
// connection so the pending ReadFrame returns.
func (c *Connection) heartbeat() {
	ticker := time.NewTicker(c.config.Heartbeat.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.WritePing(); err != nil {
				c.log.Warn("heartbeat ping failed", "error", err)
				_ = c.conn.Close()
				return
			}
		}
	}
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9). The
// write mutex ensures this does not interleave with other outbound frames.
func (c *Connection) WritePing() error {
	return c.write(ws.OpPing, nil)
}
