package events

import "time"

// Domain event names. These are the only names subscribers ever see; raw
// transport frame types stay inside the router.
const (
	NameNewMessage  = "new_message"
	NameMessageRead = "message_read"
	NameUserTyping  = "user_typing"
	NameUserOnline  = "user_online"
	NameUserOffline = "user_offline"
)

// Connection-level event names published by the connection manager.
const (
	NameUserConnected    = "user_connected"
	NameConnectionState  = "connection_state"
	NameReconnecting     = "reconnecting"
	NameConnectionFailed = "connection_failed"
	NameOperationExpired = "operation_expired"
)

// Event is implemented by every payload published on a Bus. The set of
// implementations is closed: one struct per event name below.
type Event interface {
	EventName() string
}

// NewMessage is a chat message delivered to a conversation the client joined.
type NewMessage struct {
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	MessageType    string    `json:"message_type"`
	FileURL        string    `json:"file_url,omitempty"`
	Read           bool      `json:"read"`
	SentAt         time.Time `json:"sent_at"`
	ClientMsgID    string    `json:"client_msg_id,omitempty"`
}

// MessageRead reports that UserID read the messages of ConversationID.
type MessageRead struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

// UserTyping toggles a typing indicator. Local is set when the event was
// synthesized on this client (an idle timer fired) rather than received.
type UserTyping struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	IsTyping       bool   `json:"is_typing"`
	Local          bool   `json:"local,omitempty"`
}

type UserOnline struct {
	UserID string `json:"user_id"`
}

type UserOffline struct {
	UserID string `json:"user_id"`
}

// UserConnected is published every time the channel reaches the connected
// state. Reconnect is false for the first connection after Connect.
type UserConnected struct {
	UserID    string `json:"user_id"`
	Reconnect bool   `json:"reconnect"`
}

// ConnectionState is published on every state machine transition.
type ConnectionState struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Reconnecting is published when a reconnection attempt is scheduled.
type Reconnecting struct {
	Attempt int           `json:"attempt"`
	Delay   time.Duration `json:"delay"`
	Err     error         `json:"-"`
}

// ConnectionFailed is the terminal event published once reconnection
// attempts are exhausted. The manager is Disconnected afterwards.
type ConnectionFailed struct {
	Attempts int   `json:"attempts"`
	Err      error `json:"-"`
}

// OperationExpired reports a queued operation that outlived the queue TTL and
// was removed without being sent.
type OperationExpired struct {
	OperationID    string        `json:"op_id"`
	Kind           string        `json:"kind"`
	ConversationID string        `json:"conversation_id"`
	Age            time.Duration `json:"age"`
}

func (NewMessage) EventName() string       { return NameNewMessage }
func (MessageRead) EventName() string      { return NameMessageRead }
func (UserTyping) EventName() string       { return NameUserTyping }
func (UserOnline) EventName() string       { return NameUserOnline }
func (UserOffline) EventName() string      { return NameUserOffline }
func (UserConnected) EventName() string    { return NameUserConnected }
func (ConnectionState) EventName() string  { return NameConnectionState }
func (Reconnecting) EventName() string     { return NameReconnecting }
func (ConnectionFailed) EventName() string { return NameConnectionFailed }
func (OperationExpired) EventName() string { return NameOperationExpired }
