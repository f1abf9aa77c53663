package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/conversation-engine/internal/domain"
	"github.com/spec-kit/conversation-engine/internal/events"
	"github.com/spec-kit/conversation-engine/internal/repository"
	apperrors "github.com/spec-kit/conversation-engine/pkg/util/errorutil"
)

// InboundMessage is a customer message arriving from a channel connector.
type InboundMessage struct {
	Key        domain.NaturalKey
	QueueID    *string
	MessageID  string
	Body       string
	Attachment *domain.Attachment
	ReceivedAt time.Time
}

// OutboundMessage is an advisor reply sent through a channel connector.
type OutboundMessage struct {
	MessageID  string
	AdvisorID  string
	Body       string
	Attachment *domain.Attachment
}

// MessageStatusUpdate reports a delivery or read status change of an existing message.
type MessageStatusUpdate struct {
	MessageID      string
	ConversationID string
	Status         string
}

// RecordInbound locates or creates the customer's conversation, re-activates it when
// terminal, and records the activity.
func (s *DistributionService) RecordInbound(ctx context.Context, msg InboundMessage) (*domain.Conversation, *domain.Message, error) {
	if strings.TrimSpace(msg.Body) == "" && msg.Attachment == nil {
		return nil, nil, apperrors.NewValidationError("body or attachment is required", nil)
	}
	conv, err := s.CreateOrGet(ctx, msg.Key, msg.QueueID)
	if err != nil {
		return nil, nil, err
	}

	unlock := s.locks.lock(conv.ID)
	defer unlock()

	current, err := s.conversations.GetByID(ctx, conv.ID)
	if err != nil {
		return nil, nil, s.storeError(err, conv.ID)
	}
	now := s.now()
	expected := current.Status
	update := repository.ConversationUpdate{
		ExpectStatus:    &expected,
		LastActivityAt:  &now,
		IncrementUnread: true,
		UpdatedAt:       now,
	}
	reason := "inbound_message"
	if current.Status.Terminal() {
		active := domain.ConversationStatusActive
		if err := domain.ValidateTransition(current.Status, active); err != nil {
			return nil, nil, apperrors.NewInvalidTransition(err, conversationDetails(current))
		}
		update.Status = &active
		update.ClearAssignment = true
		update.ClearQueue = true
		update.ClearBot = true
		update.QueuedAt = &now
		reason = "reopened"
	}

	updated, err := s.conversations.Update(ctx, conv.ID, update)
	if errors.Is(err, repository.ErrStaleState) {
		return nil, nil, staleConflict(current)
	}
	if err != nil {
		return nil, nil, s.storeError(err, conv.ID)
	}

	createdAt := msg.ReceivedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	message := &domain.Message{
		ID:             messageID(msg.MessageID),
		ConversationID: updated.ID,
		Direction:      domain.MessageDirectionInbound,
		Body:           msg.Body,
		Status:         "received",
		Attachment:     msg.Attachment,
		CreatedAt:      createdAt.UTC(),
	}
	s.publishConversation(ctx, updated, reason, current.Status, events.SystemActor)
	s.publishMessage(ctx, events.EventMessageCreated, message, events.SystemActor)
	return updated, message, nil
}

// RecordOutbound records an advisor reply on a conversation the advisor holds.
func (s *DistributionService) RecordOutbound(ctx context.Context, conversationID string, msg OutboundMessage) (*domain.Message, error) {
	if strings.TrimSpace(msg.AdvisorID) == "" {
		return nil, apperrors.NewValidationError("advisor_id is required", nil)
	}
	if strings.TrimSpace(msg.Body) == "" && msg.Attachment == nil {
		return nil, apperrors.NewValidationError("body or attachment is required", nil)
	}

	unlock := s.locks.lock(conversationID)
	defer unlock()

	current, err := s.conversations.GetByID(ctx, conversationID)
	if err != nil {
		return nil, s.storeError(err, conversationID)
	}
	if current.Status != domain.ConversationStatusAttending || current.AssignedAdvisorID == nil || *current.AssignedAdvisorID != msg.AdvisorID {
		return nil, apperrors.NewNotAssigned(conversationDetails(current))
	}

	now := s.now()
	attending := domain.ConversationStatusAttending
	advisorID := msg.AdvisorID
	updated, err := s.conversations.Update(ctx, conversationID, repository.ConversationUpdate{
		ExpectStatus:    &attending,
		ExpectAdvisorID: &advisorID,
		LastActivityAt:  &now,
		UpdatedAt:       now,
	})
	if errors.Is(err, repository.ErrStaleState) {
		return nil, apperrors.NewNotAssigned(conversationDetails(current))
	}
	if err != nil {
		return nil, s.storeError(err, conversationID)
	}

	message := &domain.Message{
		ID:             messageID(msg.MessageID),
		ConversationID: conversationID,
		Direction:      domain.MessageDirectionOutbound,
		AuthorID:       &advisorID,
		Body:           msg.Body,
		Status:         "sent",
		Attachment:     msg.Attachment,
		CreatedAt:      now,
	}
	actor := events.AdvisorActor(advisorID)
	s.publishConversation(ctx, updated, "outbound_message", current.Status, actor)
	s.publishMessage(ctx, events.EventMessageCreated, message, actor)
	return message, nil
}

// UpdateMessage relays a status change of a message that lives in external storage.
func (s *DistributionService) UpdateMessage(ctx context.Context, update MessageStatusUpdate) error {
	if strings.TrimSpace(update.MessageID) == "" || strings.TrimSpace(update.Status) == "" {
		return apperrors.NewValidationError("message_id and status are required", nil)
	}
	if _, err := s.Get(ctx, update.ConversationID); err != nil {
		return err
	}

	unlock := s.locks.lock(update.ConversationID)
	defer unlock()
	s.publishMessage(ctx, events.EventMessageUpdated, &domain.Message{
		ID:             update.MessageID,
		ConversationID: update.ConversationID,
		Status:         update.Status,
		CreatedAt:      s.now(),
	}, events.SystemActor)
	return nil
}

// MarkRead clears the unread counter on behalf of an advisor.
func (s *DistributionService) MarkRead(ctx context.Context, conversationID, advisorID string) (*domain.Conversation, error) {
	unlock := s.locks.lock(conversationID)
	defer unlock()

	current, err := s.conversations.GetByID(ctx, conversationID)
	if err != nil {
		return nil, s.storeError(err, conversationID)
	}
	now := s.now()
	updated, err := s.conversations.Update(ctx, conversationID, repository.ConversationUpdate{
		ResetUnread: true,
		LastReadAt:  &now,
		UpdatedAt:   now,
	})
	if err != nil {
		return nil, s.storeError(err, conversationID)
	}

	actor := events.SystemActor
	if advisorID != "" {
		actor = events.AdvisorActor(advisorID)
	}
	s.publishConversation(ctx, updated, "read", current.Status, actor)
	return updated, nil
}

// PublishTyping relays a typing indicator. Nothing is persisted.
func (s *DistributionService) PublishTyping(ctx context.Context, payload events.TypingPayload, originConnectionID string) {
	actor := events.SystemActor
	if payload.AdvisorID != "" {
		actor = events.AdvisorActor(payload.AdvisorID)
	}
	s.publish(ctx, events.Event{
		Type:                events.EventTyping,
		ConversationID:      payload.ConversationID,
		Actor:               actor,
		Payload:             payload,
		ExcludeConnectionID: originConnectionID,
	})
}

func (s *DistributionService) publishMessage(ctx context.Context, eventType events.EventType, message *domain.Message, actor events.Actor) {
	s.publish(ctx, events.Event{
		Type:           eventType,
		ConversationID: message.ConversationID,
		Actor:          actor,
		Payload:        events.NewMessagePayload(message),
	})
	s.logger.Debug("message relayed",
		zap.String("event_type", string(eventType)),
		zap.String("conversation_id", message.ConversationID),
		zap.String("message_id", message.ID))
}

func messageID(id string) string {
	if strings.TrimSpace(id) != "" {
		return id
	}
	return uuid.NewString()
}
