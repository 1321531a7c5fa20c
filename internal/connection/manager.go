// Package connection owns the lifecycle of the real-time channel: it dials,
// detects failures, reconnects with exponential backoff and drains the
// outbound queue whenever the channel is open.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/mercado/storefront-chat/internal/events"
	"github.com/mercado/storefront-chat/internal/metrics"
	"github.com/mercado/storefront-chat/internal/outbound"
	"github.com/mercado/storefront-chat/internal/protocol"
	"github.com/mercado/storefront-chat/internal/transport"
)

// State is the connection lifecycle state.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ErrInvalidState is returned when an operation is not allowed in the
// current state.
var ErrInvalidState = errors.New("connection: invalid state")

// Config holds connection manager settings.
type Config struct {
	Reconnect   ReconnectConfig
	DialTimeout time.Duration
	// QueueTTL drops operations older than this at drain time (0 disables).
	QueueTTL time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Reconnect:   DefaultReconnectConfig(),
		DialTimeout: 10 * time.Second,
	}
}

// Manager drives one logical channel through its state machine. Every
// physical connection gets a generation number; callbacks carrying an older
// generation are ignored. Events are published after the internal lock is
// released, never under it.
type Manager struct {
	config Config
	dialer transport.Dialer
	queue  *outbound.Queue
	log    *slog.Logger

	onFrame    func([]byte)
	onEvent    func(events.Event)
	onOpen     func(reconnect bool) []outbound.Payload
	onTeardown func()

	// drainMu is held for the whole of a drain so a drain bound to a new
	// connection waits for the previous one to put back its failed op.
	drainMu sync.Mutex

	mu            sync.Mutex
	state         State
	creds         transport.Credentials
	conn          transport.Conn
	gen           uint64
	attempt       int
	backoff       *backoff.ExponentialBackOff
	timer         *time.Timer
	cancelDial    context.CancelFunc
	draining      bool
	drainAgain    bool
	everConnected bool
}

// New creates a manager in the Disconnected state. A nil logger falls back
// to slog.Default().
func New(config Config, dialer transport.Dialer, queue *outbound.Queue, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = DefaultConfig().DialTimeout
	}
	metrics.ConnectionState.Set(float64(Disconnected))
	return &Manager{
		config:  config,
		dialer:  dialer,
		queue:   queue,
		log:     logger.With("component", "connection"),
		state:   Disconnected,
		backoff: newBackoff(config.Reconnect),
	}
}

// The hooks below must be installed before the first Connect.

// OnFrame sets the receiver of raw inbound frames. It runs on the read
// goroutine of the current connection.
func (m *Manager) OnFrame(fn func([]byte)) { m.onFrame = fn }

// OnEvent sets the publisher for manager events.
func (m *Manager) OnEvent(fn func(events.Event)) { m.onEvent = fn }

// OnOpen sets a hook run each time the channel opens, before the queue is
// drained. Payloads it returns are placed at the head of the queue.
func (m *Manager) OnOpen(fn func(reconnect bool) []outbound.Payload) { m.onOpen = fn }

// OnTeardown sets a hook run after an explicit Disconnect or Close.
func (m *Manager) OnTeardown(fn func()) { m.onTeardown = fn }

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempt returns the number of reconnection attempts since the channel was
// last open.
func (m *Manager) Attempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

// Connect starts opening the channel. It returns immediately; progress is
// reported through state events.
func (m *Manager) Connect(creds transport.Credentials) error {
	m.mu.Lock()
	if m.state != Disconnected && m.state != Closed {
		st := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: connect while %s", ErrInvalidState, st)
	}
	m.creds = creds
	m.attempt = 0
	m.backoff.Reset()
	m.everConnected = false
	m.gen++
	gen := m.gen
	evs := m.transitionLocked(Connecting)
	m.mu.Unlock()

	m.log.Info("connecting", "user_id", creds.UserID)
	m.emit(evs...)
	go m.dial(gen)
	return nil
}

// Disconnect closes the channel and cancels any pending reconnection. Queued
// operations are kept. Calling it while Disconnected or Closed is a no-op.
func (m *Manager) Disconnect() {
	m.teardown(Disconnected)
}

// Close is Disconnect into the terminal Closed state.
func (m *Manager) Close() {
	m.teardown(Closed)
}

// Enqueue appends operations for the payloads, in order, and starts a drain
// if the channel is open.
func (m *Manager) Enqueue(payloads ...outbound.Payload) []outbound.Operation {
	ops := make([]outbound.Operation, 0, len(payloads))
	for _, p := range payloads {
		op := outbound.NewOperation(p)
		m.queue.Enqueue(op)
		ops = append(ops, op)
	}
	m.kick()
	return ops
}

// Pending returns a snapshot of the queued operations.
func (m *Manager) Pending() []outbound.Operation {
	return m.queue.Snapshot()
}

// ClearQueue drops every queued operation and returns the dropped ones. An
// operation already handed to the transport is not affected.
func (m *Manager) ClearQueue() []outbound.Operation {
	dropped := m.queue.Clear()
	if len(dropped) > 0 {
		m.log.Info("queue cleared", "dropped", len(dropped))
	}
	return dropped
}

// ---------------------------------------------------------------------------
// Dialing and reconnection
// ---------------------------------------------------------------------------

func (m *Manager) dial(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), m.config.DialTimeout)
	defer cancel()

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.cancelDial = cancel
	creds := m.creds
	m.mu.Unlock()

	conn, err := m.dialer.Dial(ctx, creds)

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	m.cancelDial = nil

	if err != nil {
		evs := m.scheduleReconnectLocked(fmt.Errorf("connection: dial: %w", err))
		m.mu.Unlock()
		m.emit(evs...)
		return
	}

	reconnect := m.everConnected
	m.everConnected = true
	m.conn = conn
	m.attempt = 0
	m.backoff.Reset()
	m.draining = true
	m.drainAgain = false
	evs := m.transitionLocked(Connected)
	userID := creds.UserID
	m.mu.Unlock()

	m.log.Info("connected", "user_id", userID, "reconnect", reconnect)
	m.emit(evs...)
	m.emit(events.UserConnected{UserID: userID, Reconnect: reconnect})

	go m.readLoop(gen, conn)

	// A drain still bound to the previous connection puts its failed op back
	// before releasing drainMu, so the open payloads land in front of it.
	m.drainMu.Lock()
	defer m.drainMu.Unlock()
	if !m.current(gen) {
		return
	}
	if m.onOpen != nil {
		if payloads := m.onOpen(reconnect); len(payloads) > 0 {
			ops := make([]outbound.Operation, len(payloads))
			for i, p := range payloads {
				ops[i] = outbound.NewOperation(p)
			}
			m.queue.PushFront(ops...)
		}
	}
	m.drainLocked(gen, conn)
}

// scheduleReconnectLocked arms the next attempt or, once attempts are
// exhausted, settles in Disconnected with a single terminal event.
func (m *Manager) scheduleReconnectLocked(cause error) []events.Event {
	delay := backoff.Stop
	if m.attempt < m.config.Reconnect.MaxAttempts {
		delay = m.backoff.NextBackOff()
	}

	if delay == backoff.Stop {
		attempts := m.attempt
		m.gen++
		evs := m.transitionLocked(Disconnected)
		metrics.ReconnectExhausted.Inc()
		m.log.Error("reconnection attempts exhausted", "attempts", attempts, "error", cause)
		return append(evs, events.ConnectionFailed{Attempts: attempts, Err: cause})
	}

	m.attempt++
	gen := m.gen
	evs := m.transitionLocked(Reconnecting)
	m.timer = time.AfterFunc(delay, func() { m.redial(gen) })
	metrics.ReconnectAttempts.Inc()
	m.log.Warn("reconnect scheduled", "attempt", m.attempt, "delay", delay, "error", cause)
	return append(evs, events.Reconnecting{Attempt: m.attempt, Delay: delay, Err: cause})
}

func (m *Manager) redial(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != Reconnecting {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.gen++
	next := m.gen
	m.mu.Unlock()

	m.dial(next)
}

// handleFailure reacts to a read or write error on the connection of
// generation gen.
func (m *Manager) handleFailure(gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.gen || m.state != Connected {
		m.mu.Unlock()
		return
	}
	conn := m.conn
	m.conn = nil
	m.gen++
	m.attempt = 0
	m.backoff.Reset()
	m.log.Warn("connection lost", "error", cause)
	evs := m.scheduleReconnectLocked(cause)
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	m.emit(evs...)
}

func (m *Manager) teardown(target State) {
	m.mu.Lock()
	if m.state == target || (target == Disconnected && m.state == Closed) {
		m.mu.Unlock()
		return
	}
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	conn := m.conn
	m.conn = nil
	m.attempt = 0
	m.draining = false
	m.drainAgain = false
	evs := m.transitionLocked(target)
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	m.log.Info("disconnected", "state", target, "queued", m.queue.Len())
	if m.onTeardown != nil {
		m.onTeardown()
	}
	m.emit(evs...)
}

func (m *Manager) readLoop(gen uint64, conn transport.Conn) {
	for {
		data, err := conn.ReadFrame()
		if err != nil {
			m.handleFailure(gen, fmt.Errorf("connection: read: %w", err))
			return
		}
		if !m.current(gen) {
			return
		}
		if m.onFrame != nil {
			m.onFrame(data)
		}
	}
}

// ---------------------------------------------------------------------------
// Draining
// ---------------------------------------------------------------------------

// kick starts a drain unless one is running, in which case the running drain
// makes another pass before it exits.
func (m *Manager) kick() {
	m.mu.Lock()
	if m.state != Connected {
		m.mu.Unlock()
		return
	}
	if m.draining {
		m.drainAgain = true
		m.mu.Unlock()
		return
	}
	m.draining = true
	gen, conn := m.gen, m.conn
	m.mu.Unlock()

	go m.drainLoop(gen, conn)
}

func (m *Manager) drainLoop(gen uint64, conn transport.Conn) {
	m.drainMu.Lock()
	defer m.drainMu.Unlock()
	m.drainLocked(gen, conn)
}

// drainLocked sends queued operations on conn until the queue is empty or the
// connection is replaced. The caller holds drainMu.
func (m *Manager) drainLocked(gen uint64, conn transport.Conn) {
	for {
		m.expire()

		_, err := m.queue.Drain(
			func(op outbound.Operation) error { return m.send(conn, op) },
			func() bool { return m.current(gen) },
		)
		if err != nil {
			m.handleFailure(gen, err)
			return
		}

		m.mu.Lock()
		if gen == m.gen && m.drainAgain {
			m.drainAgain = false
			m.mu.Unlock()
			continue
		}
		if gen == m.gen {
			m.draining = false
		}
		m.mu.Unlock()
		return
	}
}

func (m *Manager) send(conn transport.Conn, op outbound.Operation) error {
	data, err := protocol.EncodeOperation(op)
	if err != nil {
		m.log.Error("dropping unencodable operation", "op_id", op.ID, "error", err)
		return nil
	}
	if err := conn.WriteFrame(data); err != nil {
		return fmt.Errorf("connection: send %s: %w", op.Kind(), err)
	}
	metrics.OperationsSent.WithLabelValues(string(op.Kind())).Inc()
	metrics.SendLatency.Observe(time.Since(op.EnqueuedAt).Seconds())
	m.log.Debug("operation sent", "op_id", op.ID, "kind", op.Kind(), "conversation_id", op.Conversation())
	return nil
}

func (m *Manager) expire() {
	if m.config.QueueTTL <= 0 {
		return
	}
	now := time.Now()
	for _, op := range m.queue.Expire(now, m.config.QueueTTL) {
		age := now.Sub(op.EnqueuedAt)
		metrics.OperationsExpired.Inc()
		m.log.Warn("operation expired", "op_id", op.ID, "kind", op.Kind(), "age", age)
		m.emit(events.OperationExpired{
			OperationID:    op.ID,
			Kind:           string(op.Kind()),
			ConversationID: op.Conversation(),
			Age:            age,
		})
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen && m.state == Connected
}

func (m *Manager) transitionLocked(to State) []events.Event {
	if m.state == to {
		return nil
	}
	from := m.state
	m.state = to
	metrics.ConnectionState.Set(float64(to))
	return []events.Event{events.ConnectionState{From: from.String(), To: to.String()}}
}

func (m *Manager) emit(evs ...events.Event) {
	if m.onEvent == nil {
		return
	}
	for _, ev := range evs {
		m.onEvent(ev)
	}
}
