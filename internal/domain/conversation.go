package domain

import (
	"fmt"
	"time"
)

// ConversationStatus enumerates lifecycle states for conversations.
type ConversationStatus string

const (
	ConversationStatusActive    ConversationStatus = "ACTIVE"
	ConversationStatusAttending ConversationStatus = "ATTENDING"
	ConversationStatusArchived  ConversationStatus = "ARCHIVED"
	ConversationStatusClosed    ConversationStatus = "CLOSED"
)

var allowedTransitions = map[ConversationStatus][]ConversationStatus{
	ConversationStatusActive:    {ConversationStatusAttending, ConversationStatusArchived, ConversationStatusClosed},
	ConversationStatusAttending: {ConversationStatusActive, ConversationStatusArchived, ConversationStatusClosed},
	ConversationStatusArchived:  {ConversationStatusActive},
	ConversationStatusClosed:    {ConversationStatusActive},
}

// Valid reports whether s is a known status.
func (s ConversationStatus) Valid() bool {
	_, ok := allowedTransitions[s]
	return ok
}

// Terminal reports whether s is ARCHIVED or CLOSED.
func (s ConversationStatus) Terminal() bool {
	return s == ConversationStatusArchived || s == ConversationStatusClosed
}

// TransitionError is returned when a status change is not in the transition table.
type TransitionError struct {
	From ConversationStatus
	To   ConversationStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

// CanTransition reports whether moving from current to target is legal.
// Same-status moves are always accepted.
func CanTransition(current, target ConversationStatus) bool {
	if current == target {
		return current.Valid()
	}
	for _, allowed := range allowedTransitions[current] {
		if allowed == target {
			return true
		}
	}
	return false
}

// ValidateTransition returns a *TransitionError when the move is illegal.
func ValidateTransition(current, target ConversationStatus) error {
	if !CanTransition(current, target) {
		return &TransitionError{From: current, To: target}
	}
	return nil
}

// NaturalKey locates the single conversation of a customer on a channel connection.
type NaturalKey struct {
	CustomerKey         string
	Channel             string
	ChannelConnectionID string
}

// String renders the key for logs and map indexes.
func (k NaturalKey) String() string {
	return k.CustomerKey + "|" + k.Channel + "|" + k.ChannelConnectionID
}

// Conversation is the aggregate distributed to advisors.
type Conversation struct {
	ID                string
	Key               NaturalKey
	Status            ConversationStatus
	AssignedAdvisorID *string
	AssignedAt        *time.Time
	QueueID           *string
	QueuedAt          time.Time
	AttendedBy        []string
	BotFlowID         *string
	BotAssignedAt     *time.Time
	LastActivityAt    time.Time
	UnreadCount       int
	LastReadAt        *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Clone returns a deep copy so callers never share pointers with the store.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	out.AssignedAdvisorID = cloneString(c.AssignedAdvisorID)
	out.AssignedAt = cloneTime(c.AssignedAt)
	out.QueueID = cloneString(c.QueueID)
	out.BotFlowID = cloneString(c.BotFlowID)
	out.BotAssignedAt = cloneTime(c.BotAssignedAt)
	out.LastReadAt = cloneTime(c.LastReadAt)
	out.AttendedBy = append([]string(nil), c.AttendedBy...)
	return &out
}

// HasAttended reports whether advisorID ever held the conversation.
func (c *Conversation) HasAttended(advisorID string) bool {
	for _, id := range c.AttendedBy {
		if id == advisorID {
			return true
		}
	}
	return false
}

// CheckInvariants verifies the assignment/status coupling.
func (c *Conversation) CheckInvariants() error {
	if (c.AssignedAdvisorID != nil) != (c.Status == ConversationStatusAttending) {
		return fmt.Errorf("conversation %s: assigned advisor %v with status %s", c.ID, c.AssignedAdvisorID, c.Status)
	}
	if c.Status.Terminal() && c.QueueID != nil {
		return fmt.Errorf("conversation %s: queue %s set on terminal status %s", c.ID, *c.QueueID, c.Status)
	}
	if c.AssignedAdvisorID != nil && !c.HasAttended(*c.AssignedAdvisorID) {
		return fmt.Errorf("conversation %s: advisor %s missing from attended history", c.ID, *c.AssignedAdvisorID)
	}
	return nil
}

func cloneString(v *string) *string {
	if v == nil {
		return nil
	}
	s := *v
	return &s
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	t := *v
	return &t
}
