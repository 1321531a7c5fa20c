// Package chat is the surface the storefront UI talks to. Every operation
// succeeds locally by enqueuing; delivery happens whenever the connection
// manager has an open channel.
package chat

import (
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mercado/storefront-chat/internal/connection"
	"github.com/mercado/storefront-chat/internal/events"
	"github.com/mercado/storefront-chat/internal/outbound"
	"github.com/mercado/storefront-chat/internal/router"
	"github.com/mercado/storefront-chat/internal/transport"
)

// Config holds session settings.
type Config struct {
	Connection connection.Config
	Router     router.Config
	// TypingIdle is how long local input may stay idle before a stop-typing
	// signal is sent on the user's behalf.
	TypingIdle time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Connection: connection.DefaultConfig(),
		Router:     router.DefaultConfig(),
		TypingIdle: time.Second,
	}
}

type typingTimer struct {
	timer *time.Timer
}

// Session is one user's chat session.
type Session struct {
	config  Config
	bus     *events.Bus
	router  *router.Router
	manager *connection.Manager
	log     *slog.Logger

	mu     sync.Mutex
	userID string
	joined map[string]struct{}
	typing map[string]*typingTimer
	closed bool
}

// NewSession wires a bus, router and connection manager around dialer. The
// session starts Disconnected. A nil logger falls back to slog.Default().
func NewSession(config Config, dialer transport.Dialer, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if config.TypingIdle <= 0 {
		config.TypingIdle = DefaultConfig().TypingIdle
	}

	bus := events.NewBus(logger)
	rt := router.New(config.Router, bus, logger)
	m := connection.New(config.Connection, dialer, outbound.NewQueue(), logger)

	s := &Session{
		config:  config,
		bus:     bus,
		router:  rt,
		manager: m,
		log:     logger.With("component", "chat"),
		joined:  make(map[string]struct{}),
		typing:  make(map[string]*typingTimer),
	}

	m.OnFrame(rt.HandleFrame)
	m.OnEvent(rt.Publish)
	m.OnOpen(s.rejoin)
	m.OnTeardown(s.teardown)
	rt.Start()
	return s
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Connect checks the credentials locally and starts opening the channel.
func (s *Session) Connect(creds transport.Credentials) error {
	if err := ValidateCredentials(creds, time.Now()); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.userID = creds.UserID
	s.mu.Unlock()

	return s.manager.Connect(creds)
}

// Disconnect closes the channel, cancels pending reconnection and typing
// timers, and keeps queued operations for the next Connect.
func (s *Session) Disconnect() {
	s.manager.Disconnect()
}

// Close ends the session. Later calls return ErrSessionClosed.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.manager.Close()
	s.router.Stop()
	s.log.Info("session closed")
}

// ClearQueue drops every operation waiting to be sent and returns how many
// were removed. A conversation whose join was dropped counts as not joined,
// so its next operation joins it again.
func (s *Session) ClearQueue() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrSessionClosed
	}
	dropped := s.manager.ClearQueue()
	for _, op := range dropped {
		if op.Kind() == outbound.KindJoinConversation {
			s.disarmTypingLocked(op.Conversation())
			delete(s.joined, op.Conversation())
		}
	}
	return len(dropped), nil
}

// State returns the connection state.
func (s *Session) State() connection.State {
	return s.manager.State()
}

// Pending returns the operations waiting to be sent.
func (s *Session) Pending() []outbound.Operation {
	return s.manager.Pending()
}

// Joined returns the conversations joined in this session, sorted.
func (s *Session) Joined() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joinedLocked()
}

// ---------------------------------------------------------------------------
// Subscriptions
// ---------------------------------------------------------------------------

// Bus exposes the session's event bus, mainly for events.Subscribe.
func (s *Session) Bus() *events.Bus { return s.bus }

// On subscribes h to the named event.
func (s *Session) On(name string, h events.Handler) events.Subscription {
	return s.bus.On(name, h)
}

// Off removes a subscription.
func (s *Session) Off(sub events.Subscription) bool {
	return s.bus.Off(sub)
}

// ClearListeners removes every subscription.
func (s *Session) ClearListeners() {
	s.bus.ClearListeners()
}

// ---------------------------------------------------------------------------
// Operations
// ---------------------------------------------------------------------------

// SendMessage validates and enqueues a message. It returns the client
// message id the server echoes back on the resulting new_message. A running
// local typing indicator for the conversation is stopped after the message.
func (s *Session) SendMessage(conversationID, content, msgType, fileURL string) (string, error) {
	msg, err := ValidateMessage(Message{
		ConversationID: conversationID,
		Content:        content,
		Type:           msgType,
		FileURL:        fileURL,
	})
	if err != nil {
		return "", err
	}

	clientMsgID := uuid.NewString()
	payloads := []outbound.Payload{outbound.SendMessage{
		ConversationID: msg.ConversationID,
		Content:        msg.Content,
		MessageType:    msg.Type,
		FileURL:        msg.FileURL,
		ClientMsgID:    clientMsgID,
	}}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrSessionClosed
	}
	if s.disarmTypingLocked(msg.ConversationID) {
		payloads = append(payloads, outbound.Typing{ConversationID: msg.ConversationID, IsTyping: false})
	}
	s.enqueueLocked(msg.ConversationID, payloads...)
	return clientMsgID, nil
}

// MarkRead enqueues a read receipt for the conversation.
func (s *Session) MarkRead(conversationID string) error {
	id, err := conversation(conversationID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.enqueueLocked(id, outbound.MarkRead{ConversationID: id})
	return nil
}

// SetTyping reports local typing activity. Repeated true calls only rearm the
// idle timer; the indicator is sent once per burst. When the timer fires a
// stop is enqueued and a local user_typing event is emitted.
func (s *Session) SetTyping(conversationID string, isTyping bool) error {
	id, err := conversation(conversationID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}

	if !isTyping {
		s.disarmTypingLocked(id)
		s.enqueueLocked(id, outbound.Typing{ConversationID: id, IsTyping: false})
		return nil
	}

	active := s.disarmTypingLocked(id)
	t := &typingTimer{}
	t.timer = time.AfterFunc(s.config.TypingIdle, func() { s.typingIdle(id, t) })
	s.typing[id] = t
	if !active {
		s.enqueueLocked(id, outbound.Typing{ConversationID: id, IsTyping: true})
	}
	return nil
}

// JoinConversation enqueues a join. Joining twice is a no-op.
func (s *Session) JoinConversation(conversationID string) error {
	id, err := conversation(conversationID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.enqueueLocked(id)
	return nil
}

// LeaveConversation enqueues a leave. Leaving a conversation that was never
// joined is a no-op.
func (s *Session) LeaveConversation(conversationID string) error {
	id, err := conversation(conversationID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if _, ok := s.joined[id]; !ok {
		return nil
	}
	s.disarmTypingLocked(id)
	delete(s.joined, id)
	s.manager.Enqueue(outbound.LeaveConversation{ConversationID: id})
	s.router.Forget(id)
	return nil
}

// ---------------------------------------------------------------------------
// Internals
// ---------------------------------------------------------------------------

// enqueueLocked prepends a join when the conversation has not been joined in
// this session.
func (s *Session) enqueueLocked(conversationID string, payloads ...outbound.Payload) {
	if _, ok := s.joined[conversationID]; !ok {
		s.joined[conversationID] = struct{}{}
		payloads = append([]outbound.Payload{outbound.JoinConversation{ConversationID: conversationID}}, payloads...)
		s.log.Debug("auto-joining conversation", "conversation_id", conversationID)
	}
	if len(payloads) > 0 {
		s.manager.Enqueue(payloads...)
	}
}

// rejoin runs each time the channel opens. Rooms do not survive a new
// socket, so a join is put ahead of the backlog for every joined
// conversation, and for every conversation with queued ops, unless its first
// queued op is already a join. The second case covers ops queued before a
// leave that has not gone out yet.
func (s *Session) rejoin(reconnect bool) []outbound.Payload {
	s.mu.Lock()
	defer s.mu.Unlock()

	first := make(map[string]outbound.Kind)
	for _, op := range s.manager.Pending() {
		if id := op.Conversation(); id != "" {
			if _, ok := first[id]; !ok {
				first[id] = op.Kind()
			}
		}
	}

	ids := s.joinedLocked()
	for id := range first {
		if _, ok := s.joined[id]; !ok {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)

	var payloads []outbound.Payload
	for _, id := range ids {
		if first[id] == outbound.KindJoinConversation {
			continue
		}
		payloads = append(payloads, outbound.JoinConversation{ConversationID: id})
	}
	if len(payloads) > 0 {
		s.log.Info("rejoining conversations", "count", len(payloads), "reconnect", reconnect)
	}
	return payloads
}

func (s *Session) teardown() {
	s.mu.Lock()
	for id := range s.typing {
		s.disarmTypingLocked(id)
	}
	s.mu.Unlock()

	s.router.ResetTyping()
}

func (s *Session) typingIdle(conversationID string, t *typingTimer) {
	s.mu.Lock()
	if s.typing[conversationID] != t || s.closed {
		s.mu.Unlock()
		return
	}
	delete(s.typing, conversationID)
	s.enqueueLocked(conversationID, outbound.Typing{ConversationID: conversationID, IsTyping: false})
	userID := s.userID
	s.mu.Unlock()

	s.router.Publish(events.UserTyping{
		ConversationID: conversationID,
		UserID:         userID,
		IsTyping:       false,
		Local:          true,
	})
}

// disarmTypingLocked stops the local typing timer and reports whether one
// was running.
func (s *Session) disarmTypingLocked(conversationID string) bool {
	t, ok := s.typing[conversationID]
	if !ok {
		return false
	}
	t.timer.Stop()
	delete(s.typing, conversationID)
	return true
}

func (s *Session) joinedLocked() []string {
	ids := make([]string, 0, len(s.joined))
	for id := range s.joined {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func conversation(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", invalid("conversation_id", "required")
	}
	return id, nil
}
