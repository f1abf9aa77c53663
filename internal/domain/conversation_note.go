package domain

import "time"

// NoteKind differentiates timeline notes.
type NoteKind string

const (
	NoteKindSystem NoteKind = "SYSTEM"
)

// ConversationNote is an immutable entry in the conversation timeline written by the engine.
type ConversationNote struct {
	ID             string
	ConversationID string
	Kind           NoteKind
	Body           string
	CreatedAt      time.Time
}
