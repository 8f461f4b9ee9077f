// Package protocol defines the JSON control messages exchanged over the
// session WebSocket. Control messages are text frames; audio travels as
// binary frames alongside them.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/meetkit/live-transcription/internal/types"
)

// Client→server message types
const (
	TypeStart = "start"
	TypeMark  = "mark"
	TypeStop  = "stop"
)

// Server→client message types
const (
	TypeStarted           = "started"
	TypePartialTranscript = "partial-transcript"
	TypeFinalTranscript   = "final-transcript"
	TypeMarkResolved      = "mark-resolved"
	TypeError             = "error"
	TypeStopped           = "stopped"
)

// ClientMessage is sent from the capture client to the server.
type ClientMessage struct {
	Type        string `json:"type"`
	Language    string `json:"language,omitempty"`
	TimestampMs int64  `json:"timestampMs,omitempty"`
}

// ServerMessage is sent from the server to the capture client.
type ServerMessage struct {
	Type      string                    `json:"type"`
	SessionID string                    `json:"sessionId,omitempty"`
	Segments  []types.TranscriptSegment `json:"segments,omitempty"`
	Mark      *types.Mark               `json:"mark,omitempty"`
	Code      string                    `json:"code,omitempty"`
	Message   string                    `json:"message,omitempty"`
}

// ParseClientMessage decodes and validates an inbound control message.
func ParseClientMessage(data []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ClientMessage{}, fmt.Errorf("malformed control message: %w", err)
	}
	switch msg.Type {
	case TypeStart, TypeStop:
	case TypeMark:
		if msg.TimestampMs < 0 {
			return ClientMessage{}, fmt.Errorf("mark timestamp must be non-negative, got %d", msg.TimestampMs)
		}
	default:
		return ClientMessage{}, fmt.Errorf("unknown control message type %q", msg.Type)
	}
	return msg, nil
}

// Encode marshals a server message for transmission.
func (m ServerMessage) Encode() []byte {
	data, _ := json.Marshal(m)
	return data
}

// ErrorMessage builds an error event with a reason code.
func ErrorMessage(code, message string) ServerMessage {
	return ServerMessage{Type: TypeError, Code: code, Message: message}
}
