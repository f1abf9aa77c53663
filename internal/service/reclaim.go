package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/conversation-engine/internal/domain"
	"github.com/spec-kit/conversation-engine/internal/events"
	"github.com/spec-kit/conversation-engine/internal/repository"
)

// ReclaimOutcome reports what a reclaim attempt did.
type ReclaimOutcome int

const (
	// ReclaimSkipped means the conversation changed or is not yet idle long enough.
	ReclaimSkipped ReclaimOutcome = iota
	// ReclaimApplied means the conversation was returned to a queue.
	ReclaimApplied
)

// IdleSince reports whether both timestamps are at least timeout before now.
func IdleSince(now time.Time, timeout time.Duration, stamps ...time.Time) bool {
	for _, ts := range stamps {
		if now.Sub(ts) < timeout {
			return false
		}
	}
	return true
}

// ReclaimFromAdvisor returns an idle ATTENDING conversation to its queue. The update is
// conditioned on the advisor still holding it and on no activity since the cutoff, so a
// concurrent accept, release or reply wins and this call reports ReclaimSkipped.
func (s *DistributionService) ReclaimFromAdvisor(ctx context.Context, conversationID, advisorID string, timeout time.Duration, now time.Time) (ReclaimOutcome, *domain.Conversation, error) {
	unlock := s.locks.lock(conversationID)
	defer unlock()

	now = now.UTC()
	cutoff := now.Add(-timeout)
	attending := domain.ConversationStatusAttending
	active := domain.ConversationStatusActive
	holder := advisorID
	updated, err := s.conversations.Update(ctx, conversationID, repository.ConversationUpdate{
		ExpectStatus:           &attending,
		ExpectAdvisorID:        &holder,
		ExpectActivityNotAfter: &cutoff,
		ExpectAssignedNotAfter: &cutoff,
		Status:                 &active,
		ClearAssignment:        true,
		UpdatedAt:              now,
	})
	if errors.Is(err, repository.ErrStaleState) {
		return ReclaimSkipped, nil, nil
	}
	if err != nil {
		return ReclaimSkipped, nil, s.storeError(err, conversationID)
	}

	s.publishConversation(ctx, updated, "reclaimed", attending, events.SystemActor)
	s.recordSystemNote(ctx, updated.ID, fmt.Sprintf("timed out after %d minutes, returned to queue", int(timeout.Minutes())), now)
	s.logger.Info("conversation reclaimed from advisor",
		zap.String("conversation_id", conversationID),
		zap.String("advisor_id", advisorID),
		zap.Duration("timeout", timeout))
	return ReclaimApplied, updated, nil
}

// ReclaimFromBot clears bot ownership of an idle conversation and moves it to fallbackQueueID.
func (s *DistributionService) ReclaimFromBot(ctx context.Context, conversationID, flowID string, timeout time.Duration, fallbackQueueID string, now time.Time) (ReclaimOutcome, *domain.Conversation, error) {
	unlock := s.locks.lock(conversationID)
	defer unlock()

	now = now.UTC()
	cutoff := now.Add(-timeout)
	active := domain.ConversationStatusActive
	flow := flowID
	update := repository.ConversationUpdate{
		ExpectStatus:              &active,
		ExpectBotFlowID:           &flow,
		ExpectActivityNotAfter:    &cutoff,
		ExpectBotAssignedNotAfter: &cutoff,
		Status:                    &active,
		ClearBot:                  true,
		UpdatedAt:                 now,
	}
	if queue := strings.TrimSpace(fallbackQueueID); queue != "" {
		update.QueueID = &queue
	}
	updated, err := s.conversations.Update(ctx, conversationID, update)
	if errors.Is(err, repository.ErrStaleState) {
		return ReclaimSkipped, nil, nil
	}
	if err != nil {
		return ReclaimSkipped, nil, s.storeError(err, conversationID)
	}

	s.publishConversation(ctx, updated, "bot_reclaimed", active, events.SystemActor)
	body := fmt.Sprintf("bot flow %s timed out after %d minutes, transferred to queue %s", flowID, int(timeout.Minutes()), fallbackQueueID)
	s.recordSystemNote(ctx, updated.ID, body, now)
	s.logger.Info("conversation reclaimed from bot flow",
		zap.String("conversation_id", conversationID),
		zap.String("flow_id", flowID),
		zap.String("fallback_queue_id", fallbackQueueID))
	return ReclaimApplied, updated, nil
}

// recordSystemNote persists a note and relays it as a message. A failed note write is
// logged; the status change it annotates has already committed.
func (s *DistributionService) recordSystemNote(ctx context.Context, conversationID, body string, now time.Time) {
	note := &domain.ConversationNote{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Kind:           domain.NoteKindSystem,
		Body:           body,
		CreatedAt:      now,
	}
	if s.notes != nil {
		if err := s.notes.Create(ctx, note); err != nil {
			s.logger.Error("failed to persist system note",
				zap.String("conversation_id", conversationID),
				zap.Error(err))
		}
	}
	s.publishMessage(ctx, events.EventMessageCreated, &domain.Message{
		ID:             note.ID,
		ConversationID: conversationID,
		Direction:      domain.MessageDirectionNote,
		Body:           body,
		Status:         string(note.Kind),
		CreatedAt:      now,
	}, events.SystemActor)
}
