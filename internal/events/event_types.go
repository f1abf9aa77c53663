package events

import (
	"time"

	"github.com/spec-kit/conversation-engine/internal/domain"
)

// EventType enumerates supported event identifiers.
type EventType string

const (
	EventConversationUpdated EventType = "conversation_updated"
	EventMessageCreated      EventType = "message_created"
	EventMessageUpdated      EventType = "message_updated"
	EventTyping              EventType = "typing"
)

// Actor encapsulates actor metadata for an event.
type Actor struct {
	Type      domain.SubjectType `json:"type"`
	AdvisorID *string            `json:"advisor_id,omitempty"`
}

// SystemActor is used for scheduler and inbound traffic.
var SystemActor = Actor{Type: domain.SubjectTypeSystem}

// AdvisorActor builds an actor for an operator action.
func AdvisorActor(advisorID string) Actor {
	id := advisorID
	return Actor{Type: domain.SubjectTypeAdvisor, AdvisorID: &id}
}

// Event represents a domain event emitted by the distribution service.
// ExcludeConnectionID, when set, keeps the originating console from receiving its own relay.
type Event struct {
	ID                  string      `json:"id"`
	Type                EventType   `json:"type"`
	ConversationID      string      `json:"conversation_id"`
	Actor               Actor       `json:"actor"`
	Timestamp           time.Time   `json:"timestamp"`
	Payload             interface{} `json:"payload"`
	ExcludeConnectionID string      `json:"-"`
}

// ConversationUpdatedPayload carries the full record after a mutation.
type ConversationUpdatedPayload struct {
	Conversation ConversationView          `json:"conversation"`
	Reason       string                    `json:"reason"`
	OldStatus    domain.ConversationStatus `json:"old_status,omitempty"`
}

// MessagePayload carries a message and its optional attachment.
type MessagePayload struct {
	Message    MessageView     `json:"message"`
	Attachment *AttachmentView `json:"attachment,omitempty"`
}

// TypingPayload is relayed verbatim between consoles.
type TypingPayload struct {
	ConversationID string `json:"convId"`
	AdvisorID      string `json:"advisorId,omitempty"`
	Typing         bool   `json:"typing"`
}

// ConversationView is the wire representation of a conversation.
type ConversationView struct {
	ID                  string                    `json:"id"`
	CustomerKey         string                    `json:"customerKey"`
	Channel             string                    `json:"channel"`
	ChannelConnectionID string                    `json:"channelConnectionId"`
	Status              domain.ConversationStatus `json:"status"`
	AssignedAdvisorID   *string                   `json:"assignedAdvisorId"`
	AssignedAt          *time.Time                `json:"assignedAt"`
	QueueID             *string                   `json:"queueId"`
	QueuedAt            time.Time                 `json:"queuedAt"`
	AttendedBy          []string                  `json:"attendedByHistory"`
	BotFlowID           *string                   `json:"botFlowId"`
	LastActivityAt      time.Time                 `json:"lastActivityAt"`
	UnreadCount         int                       `json:"unreadCount"`
	LastReadAt          *time.Time                `json:"lastReadAt"`
	UpdatedAt           time.Time                 `json:"updatedAt"`
}

// NewConversationView converts a domain record.
func NewConversationView(c *domain.Conversation) ConversationView {
	attended := c.AttendedBy
	if attended == nil {
		attended = []string{}
	}
	return ConversationView{
		ID:                  c.ID,
		CustomerKey:         c.Key.CustomerKey,
		Channel:             c.Key.Channel,
		ChannelConnectionID: c.Key.ChannelConnectionID,
		Status:              c.Status,
		AssignedAdvisorID:   c.AssignedAdvisorID,
		AssignedAt:          c.AssignedAt,
		QueueID:             c.QueueID,
		QueuedAt:            c.QueuedAt,
		AttendedBy:          attended,
		BotFlowID:           c.BotFlowID,
		LastActivityAt:      c.LastActivityAt,
		UnreadCount:         c.UnreadCount,
		LastReadAt:          c.LastReadAt,
		UpdatedAt:           c.UpdatedAt,
	}
}

// MessageView is the wire representation of a message.
type MessageView struct {
	ID             string                  `json:"id"`
	ConversationID string                  `json:"convId"`
	Direction      domain.MessageDirection `json:"direction"`
	AuthorID       *string                 `json:"authorId,omitempty"`
	Body           string                  `json:"body"`
	Status         string                  `json:"status,omitempty"`
	CreatedAt      time.Time               `json:"createdAt"`
}

// AttachmentView is the wire representation of an attachment.
type AttachmentView struct {
	URL      string `json:"url"`
	MimeType string `json:"mimeType"`
	FileName string `json:"fileName,omitempty"`
}

// NewMessagePayload converts a domain message.
func NewMessagePayload(m *domain.Message) MessagePayload {
	payload := MessagePayload{Message: MessageView{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Direction:      m.Direction,
		AuthorID:       m.AuthorID,
		Body:           m.Body,
		Status:         m.Status,
		CreatedAt:      m.CreatedAt,
	}}
	if m.Attachment != nil {
		payload.Attachment = &AttachmentView{
			URL:      m.Attachment.URL,
			MimeType: m.Attachment.MimeType,
			FileName: m.Attachment.FileName,
		}
	}
	return payload
}
