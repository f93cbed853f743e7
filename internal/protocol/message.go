// Package protocol implements the depot wire format: one JSON object per line
// over a long-lived TCP stream. The newline is the only frame delimiter, which
// is safe because JSON string encoding escapes every newline inside content.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"depot-go/internal/depot"
)

// Type identifies the intent of a Message.
type Type string

const (
	TypeAuth         Type = "AUTH"
	TypeCommand      Type = "COMMAND"
	TypeDisconnect   Type = "DISCONNECT"
	TypeNotification Type = "NOTIFICATION"

	// Response types, one per COMMAND.
	TypeDownloadInfo   Type = "DOWNLOAD_INFO"
	TypeListResponse   Type = "LIST_RESPONSE"
	TypeInfoResponse   Type = "INFO_RESPONSE"
	TypeStatusResponse Type = "STATUS_RESPONSE"
	TypePong           Type = "PONG"
	TypeError          Type = "ERROR"
)

var knownTypes = map[Type]bool{
	TypeAuth:           true,
	TypeCommand:        true,
	TypeDisconnect:     true,
	TypeNotification:   true,
	TypeDownloadInfo:   true,
	TypeListResponse:   true,
	TypeInfoResponse:   true,
	TypeStatusResponse: true,
	TypePong:           true,
	TypeError:          true,
}

// Valid reports whether t is one of the protocol's message types.
func (t Type) Valid() bool { return knownTypes[t] }

// IsResponse reports whether t answers a COMMAND.
func (t Type) IsResponse() bool {
	switch t {
	case TypeDownloadInfo, TypeListResponse, TypeInfoResponse, TypeStatusResponse, TypePong, TypeError:
		return true
	}
	return false
}

// ServerSender is the sender name the server stamps on every message it writes.
const ServerSender = "server"

// Message is the wire envelope. It is treated as immutable once constructed.
type Message struct {
	Type      Type      `json:"type"`
	Content   string    `json:"content"`
	Sender    string    `json:"sender"`
	Timestamp time.Time `json:"timestamp"`
}

// New constructs a Message stamped with now.
func New(t Type, content, sender string, now time.Time) Message {
	return Message{Type: t, Content: content, Sender: sender, Timestamp: now.UTC()}
}

// wireMessage detects missing fields, which a plain Message cannot distinguish from empty ones.
type wireMessage struct {
	Type      *Type      `json:"type"`
	Content   *string    `json:"content"`
	Sender    *string    `json:"sender"`
	Timestamp *time.Time `json:"timestamp"`
}

// Encode serializes m as a single newline-terminated line.
func Encode(m Message) ([]byte, error) {
	if !m.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown message type %q", depot.ErrProtocol, m.Type)
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding message: %w", err)
	}
	return append(data, '\n'), nil
}

// Decode parses one line into a Message. Leading '?' bytes left behind by stray
// framing are stripped first. All four fields are required.
func Decode(line []byte) (Message, error) {
	line = bytes.TrimSpace(line)
	line = bytes.TrimLeft(line, "?")
	if len(line) == 0 {
		return Message{}, fmt.Errorf("%w: empty frame", depot.ErrProtocol)
	}

	var w wireMessage
	if err := json.Unmarshal(line, &w); err != nil {
		return Message{}, fmt.Errorf("%w: malformed message: %v", depot.ErrProtocol, err)
	}
	if w.Type == nil {
		return Message{}, fmt.Errorf("%w: missing field \"type\"", depot.ErrProtocol)
	}
	if !w.Type.Valid() {
		return Message{}, fmt.Errorf("%w: unknown message type %q", depot.ErrProtocol, *w.Type)
	}
	if w.Content == nil {
		return Message{}, fmt.Errorf("%w: missing field \"content\"", depot.ErrProtocol)
	}

	if w.Sender == nil {
		return Message{}, fmt.Errorf("%w: missing field \"sender\"", depot.ErrProtocol)
	}
	if w.Timestamp == nil {
		return Message{}, fmt.Errorf("%w: missing field \"timestamp\"", depot.ErrProtocol)
	}
	return Message{Type: *w.Type, Content: *w.Content, Sender: *w.Sender, Timestamp: *w.Timestamp}, nil
}
