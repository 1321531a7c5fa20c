package chat

import (
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mercado/storefront-chat/internal/transport"
)

const (
	MaxMessageBytes = 4096 // 4KB max frame size
	MaxTextChars    = 2000 // max character count
)

// Message types accepted by the backend. "sistema" messages are produced
// server-side only.
const (
	TypeText  = "texto"
	TypeImage = "imagen"
	TypeFile  = "archivo"
)

// Message is the user input behind a send_message operation.
type Message struct {
	ConversationID string
	Content        string
	Type           string
	FileURL        string
}

// ValidateMessage checks that a chat message meets content requirements and
// returns it normalized: content trimmed, type defaulted to texto.
func ValidateMessage(m Message) (Message, error) {
	m.ConversationID = strings.TrimSpace(m.ConversationID)
	m.Content = strings.TrimSpace(m.Content)
	m.FileURL = strings.TrimSpace(m.FileURL)
	if m.Type == "" {
		m.Type = TypeText
	}

	if m.ConversationID == "" {
		return Message{}, invalid("conversation_id", "required")
	}
	switch m.Type {
	case TypeText, TypeImage, TypeFile:
	default:
		return Message{}, invalid("type", "unsupported message type %q", m.Type)
	}
	if m.Content == "" && m.FileURL == "" {
		return Message{}, invalid("content", "message text is empty")
	}
	if m.Type != TypeText && m.FileURL == "" {
		return Message{}, invalid("file_url", "required for %s messages", m.Type)
	}
	if len(m.Content) > MaxMessageBytes {
		return Message{}, invalid("content", "message exceeds %d byte limit", MaxMessageBytes)
	}
	if utf8.RuneCountInString(m.Content) > MaxTextChars {
		return Message{}, invalid("content", "message exceeds %d character limit", MaxTextChars)
	}
	if !utf8.ValidString(m.Content) {
		return Message{}, invalid("content", "message contains invalid UTF-8")
	}
	if m.FileURL != "" {
		if err := validateFileURL(m.FileURL); err != nil {
			return Message{}, err
		}
	}
	return m, nil
}

func validateFileURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return invalid("file_url", "%v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return invalid("file_url", "scheme must be http or https")
	}
	if u.Host == "" {
		return invalid("file_url", "missing host")
	}
	return nil
}

// ValidateCredentials performs a local sanity check before dialing. The
// token signature is never verified here; that is the server's job. A token
// shaped like a JWT must not be expired and, when it names a user, must name
// creds.UserID.
func ValidateCredentials(creds transport.Credentials, now time.Time) error {
	if strings.TrimSpace(creds.UserID) == "" {
		return invalid("user_id", "required")
	}
	if creds.Token == "" {
		return invalid("token", "required")
	}
	if strings.Count(creds.Token, ".") != 2 {
		return nil
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(creds.Token, claims); err != nil {
		return invalid("token", "malformed jwt: %v", err)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return invalid("token", "bad exp claim: %v", err)
	}
	if exp != nil && !exp.After(now) {
		return invalid("token", "expired at %s", exp.UTC().Format(time.RFC3339))
	}

	if subject := tokenUser(claims); subject != "" && subject != creds.UserID {
		return invalid("token", "issued for user %q", subject)
	}
	return nil
}

// tokenUser returns the user named by the token: sub first, then the
// backend's usuario_id claim.
func tokenUser(claims jwt.MapClaims) string {
	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		return sub
	}
	switch v := claims["usuario_id"].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	}
	return ""
}
