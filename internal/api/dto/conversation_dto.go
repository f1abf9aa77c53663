package dto

import (
	"time"

	"github.com/spec-kit/conversation-engine/internal/domain"
)

// CreateConversationRequest payload.
type CreateConversationRequest struct {
	CustomerKey         string  `json:"customer_key"`
	Channel             string  `json:"channel"`
	ChannelConnectionID string  `json:"channel_connection_id"`
	QueueID             *string `json:"queue_id"`
}

// AttachmentRequest describes media sent with a message.
type AttachmentRequest struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
	FileName string `json:"file_name"`
}

// InboundMessageRequest payload posted by channel connectors.
type InboundMessageRequest struct {
	CreateConversationRequest
	MessageID  string             `json:"message_id"`
	Body       string             `json:"body"`
	ReceivedAt *time.Time         `json:"received_at"`
	Attachment *AttachmentRequest `json:"attachment"`
}

// OutboundMessageRequest payload for an advisor reply.
type OutboundMessageRequest struct {
	MessageID  string             `json:"message_id"`
	Body       string             `json:"body"`
	Attachment *AttachmentRequest `json:"attachment"`
}

// MessageStatusRequest reports a delivery status change.
type MessageStatusRequest struct {
	Status string `json:"status"`
}

// TransferRequest payload.
type TransferRequest struct {
	QueueID   *string `json:"queue_id"`
	AdvisorID *string `json:"advisor_id"`
}

// AssignBotRequest payload.
type AssignBotRequest struct {
	FlowID string `json:"flow_id"`
}

// ConversationResponse is the REST view of a conversation.
type ConversationResponse struct {
	ID                  string                    `json:"id"`
	CustomerKey         string                    `json:"customer_key"`
	Channel             string                    `json:"channel"`
	ChannelConnectionID string                    `json:"channel_connection_id"`
	Status              domain.ConversationStatus `json:"status"`
	AssignedAdvisorID   *string                   `json:"assigned_advisor_id"`
	AssignedAt          *time.Time                `json:"assigned_at"`
	QueueID             *string                   `json:"queue_id"`
	QueuedAt            time.Time                 `json:"queued_at"`
	AttendedBy          []string                  `json:"attended_by_history"`
	BotFlowID           *string                   `json:"bot_flow_id"`
	BotAssignedAt       *time.Time                `json:"bot_assigned_at"`
	LastActivityAt      time.Time                 `json:"last_activity_at"`
	UnreadCount         int                       `json:"unread_count"`
	LastReadAt          *time.Time                `json:"last_read_at"`
	CreatedAt           time.Time                 `json:"created_at"`
	UpdatedAt           time.Time                 `json:"updated_at"`
}

// NewConversationResponse converts a domain record.
func NewConversationResponse(c *domain.Conversation) ConversationResponse {
	attended := c.AttendedBy
	if attended == nil {
		attended = []string{}
	}
	return ConversationResponse{
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
		BotAssignedAt:       c.BotAssignedAt,
		LastActivityAt:      c.LastActivityAt,
		UnreadCount:         c.UnreadCount,
		LastReadAt:          c.LastReadAt,
		CreatedAt:           c.CreatedAt,
		UpdatedAt:           c.UpdatedAt,
	}
}

// MessageResponse is the REST view of a relayed message.
type MessageResponse struct {
	ID             string                  `json:"id"`
	ConversationID string                  `json:"conversation_id"`
	Direction      domain.MessageDirection `json:"direction"`
	AuthorID       *string                 `json:"author_id,omitempty"`
	Body           string                  `json:"body"`
	Status         string                  `json:"status"`
	CreatedAt      time.Time               `json:"created_at"`
}

// NewMessageResponse converts a domain message.
func NewMessageResponse(m *domain.Message) MessageResponse {
	return MessageResponse{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Direction:      m.Direction,
		AuthorID:       m.AuthorID,
		Body:           m.Body,
		Status:         m.Status,
		CreatedAt:      m.CreatedAt,
	}
}

// NoteResponse is the REST view of a system note.
type NoteResponse struct {
	ID        string          `json:"id"`
	Kind      domain.NoteKind `json:"kind"`
	Body      string          `json:"body"`
	CreatedAt time.Time       `json:"created_at"`
}

// ToAttachment converts an optional attachment payload.
func (a *AttachmentRequest) ToAttachment() *domain.Attachment {
	if a == nil || a.URL == "" {
		return nil
	}
	return &domain.Attachment{URL: a.URL, MimeType: a.MimeType, FileName: a.FileName}
}
