package messaging

import (
	"time"

	"github.com/google/uuid"

	"github.com/spec-kit/conversation-engine/internal/events"
)

// Routing keys published on the conversations exchange.
const (
	RoutingConversationUpdated = "conversation.updated.v1"
	RoutingMessageCreated      = "message.created.v1"
	RoutingMessageUpdated      = "message.updated.v1"
	RoutingInboundMessage      = "inbound.message.v1"
)

// Envelope is the broker message body.
type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

// Meta describes an envelope.
type Meta struct {
	ID            string    `json:"id"`
	CorrelationID *string   `json:"correlation_id,omitempty"`
	Producer      *string   `json:"producer,omitempty"`
	Time          time.Time `json:"time"`
	Type          string    `json:"type"`
}

// RoutingKeyFor returns the routing key of a domain event. Typing indicators are
// console-only and have none.
func RoutingKeyFor(t events.EventType) (string, bool) {
	switch t {
	case events.EventConversationUpdated:
		return RoutingConversationUpdated, true
	case events.EventMessageCreated:
		return RoutingMessageCreated, true
	case events.EventMessageUpdated:
		return RoutingMessageUpdated, true
	default:
		return "", false
	}
}

// NewEnvelope wraps a domain event. The conversation id correlates every event of one conversation.
func NewEnvelope(event events.Event, routingKey, producer string) Envelope {
	id := event.ID
	if id == "" {
		id = uuid.NewString()
	}
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	meta := Meta{ID: id, Time: ts, Type: routingKey}
	if event.ConversationID != "" {
		correlation := event.ConversationID
		meta.CorrelationID = &correlation
	}
	if producer != "" {
		p := producer
		meta.Producer = &p
	}
	return Envelope{
		Meta: meta,
		Data: map[string]any{
			"conversation_id": event.ConversationID,
			"actor":           event.Actor,
			"payload":         event.Payload,
		},
	}
}
