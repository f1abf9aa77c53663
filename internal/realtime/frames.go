package realtime

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/spec-kit/conversation-engine/internal/events"
)

// Wire event names pushed to consoles.
const (
	EventConversationUpdate = "crm:conv:update"
	EventMessageNew         = "crm:msg:new"
	EventMessageUpdate      = "crm:msg:update"
	EventTyping             = "crm:typing"
)

// Server frame types.
const (
	FrameWelcome = "welcome"
	FrameEvent   = "event"
	FrameAck     = "ack"
	FrameError   = "error"
)

// Client command types.
const (
	CommandHello  = "hello"
	CommandRead   = "read"
	CommandTyping = "typing"
)

var (
	// ErrConnectionWriteFailed marks a connection dropped because a write failed or its buffer filled.
	ErrConnectionWriteFailed = errors.New("connection write failed")
	// ErrMalformedFrame is answered with an error frame; the connection stays open.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrFrameTooLarge marks an inbound frame above the configured ceiling.
	ErrFrameTooLarge = errors.New("frame exceeds size limit")

	errHeartbeatTimeout = errors.New("heartbeat timeout")
	errGatewayClosed    = errors.New("gateway shutting down")
	errPeerClosed       = errors.New("peer closed")
)

// ServerFrame is every frame the gateway writes.
type ServerFrame struct {
	Type       string      `json:"type"`
	Event      string      `json:"event,omitempty"`
	Payload    interface{} `json:"payload"`
	ServerTime time.Time   `json:"serverTime"`
}

// WelcomePayload identifies the connection to the console.
type WelcomePayload struct {
	ConnectionID string `json:"connectionId"`
	AdvisorID    string `json:"advisorId,omitempty"`
}

// ErrorPayload describes why a command was rejected.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Command string `json:"command,omitempty"`
}

// ClientCommand is the envelope of every inbound frame.
type ClientCommand struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ReadCommand marks a conversation read.
type ReadCommand struct {
	ConversationID string `json:"convId"`
}

// TypingCommand is relayed to the other consoles.
type TypingCommand struct {
	ConversationID string `json:"convId"`
	Typing         bool   `json:"typing"`
}

// ParseCommand decodes and validates an inbound frame.
func ParseCommand(data []byte) (ClientCommand, error) {
	var cmd ClientCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return cmd, ErrMalformedFrame
	}
	cmd.Type = strings.TrimSpace(cmd.Type)
	switch cmd.Type {
	case CommandHello:
		return cmd, nil
	case CommandRead:
		var read ReadCommand
		if len(cmd.Payload) == 0 || json.Unmarshal(cmd.Payload, &read) != nil || strings.TrimSpace(read.ConversationID) == "" {
			return cmd, ErrMalformedFrame
		}
		return cmd, nil
	case CommandTyping:
		var typing TypingCommand
		if len(cmd.Payload) == 0 || json.Unmarshal(cmd.Payload, &typing) != nil || strings.TrimSpace(typing.ConversationID) == "" {
			return cmd, ErrMalformedFrame
		}
		return cmd, nil
	default:
		return cmd, ErrMalformedFrame
	}
}

// wireEventName maps a domain event to its wire name.
func wireEventName(t events.EventType) (string, bool) {
	switch t {
	case events.EventConversationUpdated:
		return EventConversationUpdate, true
	case events.EventMessageCreated:
		return EventMessageNew, true
	case events.EventMessageUpdated:
		return EventMessageUpdate, true
	case events.EventTyping:
		return EventTyping, true
	default:
		return "", false
	}
}

// wirePayload narrows the conversation update payload to {conversation}.
func wirePayload(event events.Event) interface{} {
	if payload, ok := event.Payload.(events.ConversationUpdatedPayload); ok {
		return map[string]interface{}{"conversation": payload.Conversation}
	}
	return event.Payload
}
