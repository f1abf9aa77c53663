package domain

import "time"

// MessageDirection indicates who wrote a message.
type MessageDirection string

const (
	MessageDirectionInbound  MessageDirection = "INBOUND"
	MessageDirectionOutbound MessageDirection = "OUTBOUND"
	MessageDirectionNote     MessageDirection = "NOTE"
)

// Message is the relay view of a chat message. Storage of message bodies lives outside the engine.
type Message struct {
	ID             string
	ConversationID string
	Direction      MessageDirection
	AuthorID       *string
	Body           string
	Status         string
	Attachment     *Attachment
	CreatedAt      time.Time
}

// Attachment carries media metadata for a message.
type Attachment struct {
	URL      string
	MimeType string
	FileName string
}
