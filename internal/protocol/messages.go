// Package protocol defines the frames exchanged with the storefront chat
// backend. Every frame is a flat JSON object carrying a "type" discriminator;
// field names follow the backend's conventions.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/mercado/storefront-chat/internal/outbound"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeSendMessage       = "send_message"
	TypeMarkRead          = "mark_read"
	TypeTyping            = "typing"
	TypeJoinConversation  = "join_conversation"
	TypeLeaveConversation = "leave_conversation"
)

// Server -> Client message types.
const (
	TypeNewMessage  = "new_message"
	TypeMessageRead = "message_read"
	TypeUserTyping  = "user_typing"
	TypeUserOnline  = "user_online"
	TypeUserOffline = "user_offline"
	TypeError       = "error"
	TypePong        = "pong"
)

// ErrUnknownType is returned for well-formed frames whose type is not part of
// the server vocabulary.
var ErrUnknownType = errors.New("protocol: unknown server message type")

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string
	Raw  []byte
}

// PeekEnvelope extracts the type discriminator without decoding the payload.
func PeekEnvelope(data []byte) (Envelope, error) {
	if !gjson.ValidBytes(data) {
		return Envelope{}, fmt.Errorf("protocol: frame is not valid JSON")
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return Envelope{}, fmt.Errorf("protocol: frame is not a JSON object")
	}
	t := root.Get("type")
	if t.Type != gjson.String || t.Str == "" {
		return Envelope{}, fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	return Envelope{Type: t.Str, Raw: data}, nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// SendMessageMsg posts a message to a conversation. ClientMsgID lets the
// sender recognise the echo of its own message.
type SendMessageMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversacion_id"`
	Content        string `json:"contenido"`
	MessageType    string `json:"tipo_mensaje"`
	FileURL        string `json:"url_archivo,omitempty"`
	ClientMsgID    string `json:"client_msg_id,omitempty"`
}

// MarkReadMsg marks every message of a conversation as read by the sender.
type MarkReadMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversacion_id"`
}

type TypingMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversacion_id"`
	IsTyping       bool   `json:"is_typing"`
}

// JoinConversationMsg subscribes the socket to a conversation's traffic.
type JoinConversationMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversacion_id"`
}

type LeaveConversationMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversacion_id"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// Frame is implemented by every server message struct.
type Frame interface {
	FrameType() string
	serverFrame()
}

// NewMessageMsg carries a message posted to a joined conversation.
type NewMessageMsg struct {
	Type           string `json:"type"`
	MessageID      string `json:"mensaje_id"`
	ConversationID string `json:"conversacion_id"`
	SenderID       string `json:"remitente_id"`
	Content        string `json:"contenido"`
	MessageType    string `json:"tipo_mensaje"`
	FileURL        string `json:"url_archivo,omitempty"`
	Read           bool   `json:"es_leido"`
	SentAt         string `json:"enviado_at"`
	ClientMsgID    string `json:"client_msg_id,omitempty"`
}

// MessageReadMsg reports that a participant read a conversation.
type MessageReadMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversacion_id"`
	UserID         string `json:"usuario_id"`
}

// UserTypingMsg relays another participant's typing indicator.
type UserTypingMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversacion_id"`
	UserID         string `json:"usuario_id"`
	IsTyping       bool   `json:"is_typing"`
}

type UserOnlineMsg struct {
	Type   string `json:"type"`
	UserID string `json:"usuario_id"`
}

type UserOfflineMsg struct {
	Type   string `json:"type"`
	UserID string `json:"usuario_id"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

func (NewMessageMsg) FrameType() string  { return TypeNewMessage }
func (MessageReadMsg) FrameType() string { return TypeMessageRead }
func (UserTypingMsg) FrameType() string  { return TypeUserTyping }
func (UserOnlineMsg) FrameType() string  { return TypeUserOnline }
func (UserOfflineMsg) FrameType() string { return TypeUserOffline }
func (ErrorMsg) FrameType() string       { return TypeError }
func (PongMsg) FrameType() string        { return TypePong }

func (NewMessageMsg) serverFrame()  {}
func (MessageReadMsg) serverFrame() {}
func (UserTypingMsg) serverFrame()  {}
func (UserOnlineMsg) serverFrame()  {}
func (UserOfflineMsg) serverFrame() {}
func (ErrorMsg) serverFrame()       {}
func (PongMsg) serverFrame()        {}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseServerFrame parses raw transport bytes into a typed server frame.
// Unknown types yield an error wrapping ErrUnknownType.
func ParseServerFrame(data []byte) (Frame, error) {
	env, err := PeekEnvelope(data)
	if err != nil {
		return nil, err
	}

	switch env.Type {
	case TypeNewMessage:
		return decode[NewMessageMsg](env)
	case TypeMessageRead:
		return decode[MessageReadMsg](env)
	case TypeUserTyping:
		return decode[UserTypingMsg](env)
	case TypeUserOnline:
		return decode[UserOnlineMsg](env)
	case TypeUserOffline:
		return decode[UserOfflineMsg](env)
	case TypeError:
		return decode[ErrorMsg](env)
	case TypePong:
		return decode[PongMsg](env)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

func decode[T Frame](env Envelope) (Frame, error) {
	var m T
	if err := json.Unmarshal(env.Raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return m, nil
}

// EncodeOperation serializes a queued operation into its wire frame.
func EncodeOperation(op outbound.Operation) ([]byte, error) {
	var msg any
	switch p := op.Payload.(type) {
	case outbound.SendMessage:
		msg = SendMessageMsg{
			Type:           TypeSendMessage,
			ConversationID: p.ConversationID,
			Content:        p.Content,
			MessageType:    p.MessageType,
			FileURL:        p.FileURL,
			ClientMsgID:    p.ClientMsgID,
		}
	case outbound.MarkRead:
		msg = MarkReadMsg{Type: TypeMarkRead, ConversationID: p.ConversationID}
	case outbound.Typing:
		msg = TypingMsg{Type: TypeTyping, ConversationID: p.ConversationID, IsTyping: p.IsTyping}
	case outbound.JoinConversation:
		msg = JoinConversationMsg{Type: TypeJoinConversation, ConversationID: p.ConversationID}
	case outbound.LeaveConversation:
		msg = LeaveConversationMsg{Type: TypeLeaveConversation, ConversationID: p.ConversationID}
	default:
		return nil, fmt.Errorf("protocol: cannot encode operation %s of type %T", op.ID, op.Payload)
	}

	out, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal %s: %w", op.Kind(), err)
	}
	return out, nil
}
