// Package router turns raw inbound frames into domain events. All emissions,
// including connection events and locally synthesized ones, go through a
// single dispatch goroutine so subscribers observe one total order.
package router

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mercado/storefront-chat/internal/events"
	"github.com/mercado/storefront-chat/internal/metrics"
	"github.com/mercado/storefront-chat/internal/protocol"
)

// Config holds router settings.
type Config struct {
	// TypingTimeout clears a remote typing indicator that was never
	// explicitly stopped.
	TypingTimeout time.Duration
	// SeenWindow is how many message IDs per conversation are remembered for
	// duplicate suppression.
	SeenWindow int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		TypingTimeout: 5 * time.Second,
		SeenWindow:    DefaultSeenWindow,
	}
}

type item struct {
	frame  []byte
	event  events.Event
	forget string
}

type typingKey struct {
	conversationID string
	userID         string
}

type typingEntry struct {
	timer *time.Timer
}

// Router dispatches frames and events onto a Bus.
type Router struct {
	config Config
	bus    *events.Bus
	seen   *SeenBuffer
	log    *slog.Logger

	wake chan struct{}
	done chan struct{}

	mu      sync.Mutex
	pending []item
	typing  map[typingKey]*typingEntry
	started bool
	stopped bool
}

// New creates a router publishing on bus. A nil logger falls back to
// slog.Default().
func New(config Config, bus *events.Bus, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if config.TypingTimeout <= 0 {
		config.TypingTimeout = DefaultConfig().TypingTimeout
	}
	return &Router{
		config: config,
		bus:    bus,
		seen:   NewSeenBuffer(config.SeenWindow),
		log:    logger.With("component", "router"),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		typing: make(map[typingKey]*typingEntry),
	}
}

// Start launches the dispatch goroutine. Calling it more than once has no
// effect.
func (r *Router) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.stopped {
		return
	}
	r.started = true
	go r.loop()
}

// Stop cancels typing timers and stops dispatching. Items still pending are
// discarded. Stop does not wait for an in-flight handler, so it may be called
// from one.
func (r *Router) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.pending = nil
	r.stopTypingLocked()
	r.mu.Unlock()

	close(r.done)
}

// HandleFrame queues a raw inbound frame for dispatch. It never blocks.
func (r *Router) HandleFrame(data []byte) {
	r.post(item{frame: data})
}

// Publish queues an already-built event for dispatch. It never blocks.
func (r *Router) Publish(ev events.Event) {
	r.post(item{event: ev})
}

// Forget drops the duplicate window of a conversation once frames queued
// before the call have been routed. It never blocks.
func (r *Router) Forget(conversationID string) {
	r.post(item{forget: conversationID})
}

// ResetTyping cancels every pending remote typing timer without emitting.
func (r *Router) ResetTyping() {
	r.mu.Lock()
	r.stopTypingLocked()
	r.mu.Unlock()
}

func (r *Router) post(it item) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.pending = append(r.pending, it)
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Router) loop() {
	for {
		select {
		case <-r.done:
			return
		case <-r.wake:
		}

		for {
			r.mu.Lock()
			batch := r.pending
			r.pending = nil
			r.mu.Unlock()
			if len(batch) == 0 {
				break
			}

			for _, it := range batch {
				select {
				case <-r.done:
					return
				default:
				}
				switch {
				case it.event != nil:
					r.bus.Emit(it.event)
				case it.forget != "":
					r.seen.Remove(it.forget)
				default:
					r.route(it.frame)
				}
			}
		}
	}
}

// route runs on the dispatch goroutine only.
func (r *Router) route(data []byte) {
	frame, err := protocol.ParseServerFrame(data)
	if err != nil {
		reason := "malformed"
		if errors.Is(err, protocol.ErrUnknownType) {
			reason = "unknown_type"
		}
		metrics.FramesDropped.WithLabelValues(reason).Inc()
		r.log.Warn("dropping inbound frame", "reason", reason, "error", err)
		return
	}
	metrics.FramesReceived.WithLabelValues(frame.FrameType()).Inc()

	switch f := frame.(type) {
	case protocol.NewMessageMsg:
		if r.seen.Observe(f.ConversationID, f.MessageID) {
			metrics.FramesDropped.WithLabelValues("duplicate").Inc()
			r.log.Debug("duplicate message suppressed", "conversation_id", f.ConversationID, "message_id", f.MessageID)
			return
		}
		r.bus.Emit(newMessageEvent(f))

	case protocol.MessageReadMsg:
		r.bus.Emit(events.MessageRead{ConversationID: f.ConversationID, UserID: f.UserID})

	case protocol.UserTypingMsg:
		r.trackTyping(f.ConversationID, f.UserID, f.IsTyping)
		r.bus.Emit(events.UserTyping{ConversationID: f.ConversationID, UserID: f.UserID, IsTyping: f.IsTyping})

	case protocol.UserOnlineMsg:
		r.bus.Emit(events.UserOnline{UserID: f.UserID})

	case protocol.UserOfflineMsg:
		for _, key := range r.clearTypingFor(f.UserID) {
			r.bus.Emit(events.UserTyping{ConversationID: key.conversationID, UserID: key.userID, IsTyping: false, Local: true})
		}
		r.bus.Emit(events.UserOffline{UserID: f.UserID})

	case protocol.ErrorMsg:
		r.log.Warn("server error", "code", f.Code, "message", f.Message)

	case protocol.PongMsg:
		// keepalive only

	default:
		r.log.Warn("unhandled frame type", "type", frame.FrameType())
	}
}

func newMessageEvent(f protocol.NewMessageMsg) events.NewMessage {
	ev := events.NewMessage{
		MessageID:      f.MessageID,
		ConversationID: f.ConversationID,
		SenderID:       f.SenderID,
		Content:        f.Content,
		MessageType:    f.MessageType,
		FileURL:        f.FileURL,
		Read:           f.Read,
		ClientMsgID:    f.ClientMsgID,
	}
	if f.SentAt != "" {
		if ts, err := time.Parse(time.RFC3339Nano, f.SentAt); err == nil {
			ev.SentAt = ts
		}
	}
	return ev
}

// ---------------------------------------------------------------------------
// Remote typing indicators
// ---------------------------------------------------------------------------

// trackTyping (re)arms the auto-stop timer for a remote typist, or clears it
// when the typist stopped.
func (r *Router) trackTyping(conversationID, userID string, isTyping bool) {
	key := typingKey{conversationID: conversationID, userID: userID}

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.typing[key]; ok {
		e.timer.Stop()
		delete(r.typing, key)
	}
	if !isTyping || r.stopped {
		return
	}
	e := &typingEntry{}
	e.timer = time.AfterFunc(r.config.TypingTimeout, func() { r.expireTyping(key, e) })
	r.typing[key] = e
}

func (r *Router) expireTyping(key typingKey, e *typingEntry) {
	r.mu.Lock()
	if r.typing[key] != e {
		r.mu.Unlock()
		return
	}
	delete(r.typing, key)
	r.mu.Unlock()

	r.log.Debug("typing indicator expired", "conversation_id", key.conversationID, "user_id", key.userID)
	r.Publish(events.UserTyping{
		ConversationID: key.conversationID,
		UserID:         key.userID,
		IsTyping:       false,
		Local:          true,
	})
}

func (r *Router) clearTypingFor(userID string) []typingKey {
	r.mu.Lock()
	defer r.mu.Unlock()

	var cleared []typingKey
	for key, e := range r.typing {
		if key.userID != userID {
			continue
		}
		e.timer.Stop()
		delete(r.typing, key)
		cleared = append(cleared, key)
	}
	return cleared
}

func (r *Router) stopTypingLocked() {
	for key, e := range r.typing {
		e.timer.Stop()
		delete(r.typing, key)
	}
}
