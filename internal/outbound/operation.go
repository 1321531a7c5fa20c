package outbound

import (
	"time"

	"github.com/google/uuid"
)

// Kind identifies the intent carried by an operation.
type Kind string

const (
	KindSendMessage       Kind = "send_message"
	KindMarkRead          Kind = "mark_read"
	KindTyping            Kind = "typing"
	KindJoinConversation  Kind = "join_conversation"
	KindLeaveConversation Kind = "leave_conversation"
)

// Payload is the closed set of client intents that can be queued.
type Payload interface {
	Kind() Kind
	Conversation() string
	payload()
}

type SendMessage struct {
	ConversationID string
	Content        string
	MessageType    string
	FileURL        string
	ClientMsgID    string
}

type MarkRead struct {
	ConversationID string
}

type Typing struct {
	ConversationID string
	IsTyping       bool
}

type JoinConversation struct {
	ConversationID string
}

type LeaveConversation struct {
	ConversationID string
}

func (SendMessage) Kind() Kind       { return KindSendMessage }
func (MarkRead) Kind() Kind          { return KindMarkRead }
func (Typing) Kind() Kind            { return KindTyping }
func (JoinConversation) Kind() Kind  { return KindJoinConversation }
func (LeaveConversation) Kind() Kind { return KindLeaveConversation }

func (p SendMessage) Conversation() string       { return p.ConversationID }
func (p MarkRead) Conversation() string          { return p.ConversationID }
func (p Typing) Conversation() string            { return p.ConversationID }
func (p JoinConversation) Conversation() string  { return p.ConversationID }
func (p LeaveConversation) Conversation() string { return p.ConversationID }

func (SendMessage) payload()       {}
func (MarkRead) payload()          {}
func (Typing) payload()            {}
func (JoinConversation) payload()  {}
func (LeaveConversation) payload() {}

// Operation is a queued client intent. The ID is a local correlation handle
// and is never sent on the wire.
type Operation struct {
	ID         string
	Payload    Payload
	EnqueuedAt time.Time
}

// NewOperation wraps p with a fresh ID and the current time.
func NewOperation(p Payload) Operation {
	return Operation{
		ID:         uuid.NewString(),
		Payload:    p,
		EnqueuedAt: time.Now(),
	}
}

func (o Operation) Kind() Kind { return o.Payload.Kind() }

func (o Operation) Conversation() string { return o.Payload.Conversation() }
