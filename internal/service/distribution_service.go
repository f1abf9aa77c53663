package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/spec-kit/conversation-engine/internal/domain"
	"github.com/spec-kit/conversation-engine/internal/events"
	"github.com/spec-kit/conversation-engine/internal/repository"
	apperrors "github.com/spec-kit/conversation-engine/pkg/util/errorutil"
)

// DistributionService is the only writer of conversation status transitions.
type DistributionService struct {
	conversations  repository.ConversationRepository
	notes          repository.ConversationNoteRepository
	dispatcher     events.Dispatcher
	logger         *zap.Logger
	clock          func() time.Time
	defaultQueueID string
	locks          *stripedLock
}

// DistributionDependencies bundles collaborators.
type DistributionDependencies struct {
	ConversationRepo repository.ConversationRepository
	NoteRepo         repository.ConversationNoteRepository
	Dispatcher       events.Dispatcher
	Logger           *zap.Logger
	Clock            func() time.Time
	DefaultQueueID   string
}

// TransferTarget names where a conversation goes. At least one field is required.
type TransferTarget struct {
	QueueID   *string
	AdvisorID *string
}

// NewDistributionService creates the service.
func NewDistributionService(deps DistributionDependencies) *DistributionService {
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DistributionService{
		conversations:  deps.ConversationRepo,
		notes:          deps.NoteRepo,
		dispatcher:     deps.Dispatcher,
		logger:         logger,
		clock:          clock,
		defaultQueueID: deps.DefaultQueueID,
		locks:          newStripedLock(),
	}
}

// CreateOrGet returns the conversation for key, creating it ACTIVE at the back of the queue.
func (s *DistributionService) CreateOrGet(ctx context.Context, key domain.NaturalKey, queueID *string) (*domain.Conversation, error) {
	if strings.TrimSpace(key.CustomerKey) == "" || strings.TrimSpace(key.Channel) == "" || strings.TrimSpace(key.ChannelConnectionID) == "" {
		return nil, apperrors.NewValidationError("customer_key, channel and channel_connection_id are required", nil)
	}
	if existing, err := s.conversations.GetByNaturalKey(ctx, key); err == nil {
		return existing, nil
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NewStoreUnavailable(err)
	}

	now := s.now()
	conv := &domain.Conversation{
		ID:             uuid.NewString(),
		Key:            key,
		Status:         domain.ConversationStatusActive,
		QueueID:        s.resolveQueue(queueID),
		QueuedAt:       now,
		AttendedBy:     []string{},
		LastActivityAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	stored, created, err := s.conversations.CreateOrGet(ctx, conv)
	if err != nil {
		return nil, apperrors.NewStoreUnavailable(err)
	}
	if created {
		unlock := s.locks.lock(stored.ID)
		s.publishConversation(ctx, stored, "created", "", events.SystemActor)
		unlock()
		s.logger.Info("conversation created",
			zap.String("conversation_id", stored.ID),
			zap.String("natural_key", key.String()))
	}
	return stored, nil
}

// Get returns a conversation by id.
func (s *DistributionService) Get(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	conv, err := s.conversations.GetByID(ctx, conversationID)
	if err != nil {
		return nil, s.storeError(err, conversationID)
	}
	return conv, nil
}

// Accept hands a queued conversation to advisorID. The first committer wins; later
// callers observe NOT_QUEUED.
func (s *DistributionService) Accept(ctx context.Context, conversationID, advisorID string) (*domain.Conversation, error) {
	if strings.TrimSpace(advisorID) == "" {
		return nil, apperrors.NewValidationError("advisor_id is required", nil)
	}
	return s.transition(ctx, conversationID, transitionSpec{
		reason: "accepted",
		actor:  events.AdvisorActor(advisorID),
		target: domain.ConversationStatusAttending,
		precheck: func(current *domain.Conversation) error {
			if current.Status != domain.ConversationStatusActive {
				return apperrors.NewNotQueued(conversationDetails(current))
			}
			return nil
		},
		build: func(_ *domain.Conversation, now time.Time) repository.ConversationUpdate {
			return repository.ConversationUpdate{
				AssignedAdvisorID: &advisorID,
				AssignedAt:        &now,
				AppendAttendedBy:  &advisorID,
				ClearBot:          true,
			}
		},
		onStale: func(current *domain.Conversation) error {
			return apperrors.NewNotQueued(conversationDetails(current))
		},
	})
}

// Release returns an attended conversation to its queue at its original position.
func (s *DistributionService) Release(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	return s.transition(ctx, conversationID, transitionSpec{
		reason: "released",
		actor:  events.SystemActor,
		target: domain.ConversationStatusActive,
		precheck: func(current *domain.Conversation) error {
			if current.Status != domain.ConversationStatusAttending {
				return apperrors.NewNotAssigned(conversationDetails(current))
			}
			return nil
		},
		build: func(current *domain.Conversation, _ time.Time) repository.ConversationUpdate {
			return repository.ConversationUpdate{
				ExpectAdvisorID: current.AssignedAdvisorID,
				ClearAssignment: true,
			}
		},
		onStale: func(current *domain.Conversation) error {
			return apperrors.NewNotAssigned(conversationDetails(current))
		},
	})
}

// Transfer moves a conversation to another queue, another advisor, or both.
// Queue moves keep queuedAt; advisor moves assign directly.
func (s *DistributionService) Transfer(ctx context.Context, conversationID string, target TransferTarget) (*domain.Conversation, error) {
	if target.QueueID == nil && target.AdvisorID == nil {
		return nil, apperrors.NewValidationError("queue_id or advisor_id is required", nil)
	}
	if target.AdvisorID != nil && strings.TrimSpace(*target.AdvisorID) == "" {
		return nil, apperrors.NewValidationError("advisor_id must not be empty", nil)
	}
	if target.QueueID != nil && strings.TrimSpace(*target.QueueID) == "" {
		return nil, apperrors.NewValidationError("queue_id must not be empty", nil)
	}

	status := domain.ConversationStatusActive
	actor := events.SystemActor
	if target.AdvisorID != nil {
		status = domain.ConversationStatusAttending
		actor = events.AdvisorActor(*target.AdvisorID)
	}
	return s.transition(ctx, conversationID, transitionSpec{
		reason: "transferred",
		actor:  actor,
		target: status,
		precheck: func(current *domain.Conversation) error {
			if current.Status.Terminal() {
				return apperrors.NewInvalidTransition(
					&domain.TransitionError{From: current.Status, To: status}, conversationDetails(current))
			}
			return nil
		},
		build: func(current *domain.Conversation, now time.Time) repository.ConversationUpdate {
			update := repository.ConversationUpdate{ClearBot: true, QueueID: target.QueueID}
			if current.AssignedAdvisorID != nil {
				update.ExpectAdvisorID = current.AssignedAdvisorID
			}
			if target.AdvisorID != nil {
				update.AssignedAdvisorID = target.AdvisorID
				update.AssignedAt = &now
				update.AppendAttendedBy = target.AdvisorID
			} else {
				update.ClearAssignment = true
			}
			return update
		},
		onStale: staleConflict,
	})
}

// Archive moves a conversation to ARCHIVED, clearing queue and assignment.
func (s *DistributionService) Archive(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	return s.terminate(ctx, conversationID, domain.ConversationStatusArchived, "archived")
}

// Close moves a conversation to CLOSED, clearing queue and assignment.
func (s *DistributionService) Close(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	return s.terminate(ctx, conversationID, domain.ConversationStatusClosed, "closed")
}

func (s *DistributionService) terminate(ctx context.Context, conversationID string, status domain.ConversationStatus, reason string) (*domain.Conversation, error) {
	return s.transition(ctx, conversationID, transitionSpec{
		reason:     reason,
		actor:      events.SystemActor,
		target:     status,
		noopOnSame: true,
		build: func(*domain.Conversation, time.Time) repository.ConversationUpdate {
			return repository.ConversationUpdate{ClearAssignment: true, ClearQueue: true, ClearBot: true}
		},
		onStale: staleConflict,
	})
}

// Reopen re-activates an ARCHIVED or CLOSED conversation as a fresh arrival at the back
// of the queue. Non-terminal conversations are returned unchanged.
func (s *DistributionService) Reopen(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	return s.transition(ctx, conversationID, transitionSpec{
		reason: "reopened",
		actor:  events.SystemActor,
		target: domain.ConversationStatusActive,
		skip: func(current *domain.Conversation) bool {
			return !current.Status.Terminal()
		},
		build: func(_ *domain.Conversation, now time.Time) repository.ConversationUpdate {
			return repository.ConversationUpdate{
				ClearAssignment: true,
				ClearQueue:      true,
				ClearBot:        true,
				QueuedAt:        &now,
				LastActivityAt:  &now,
			}
		},
		onStale: staleConflict,
	})
}

// AssignBot hands an ACTIVE conversation to an automated flow, hiding it from the queue.
func (s *DistributionService) AssignBot(ctx context.Context, conversationID, flowID string) (*domain.Conversation, error) {
	if strings.TrimSpace(flowID) == "" {
		return nil, apperrors.NewValidationError("flow_id is required", nil)
	}
	return s.transition(ctx, conversationID, transitionSpec{
		reason: "bot_assigned",
		actor:  events.SystemActor,
		target: domain.ConversationStatusActive,
		precheck: func(current *domain.Conversation) error {
			if current.Status != domain.ConversationStatusActive {
				return apperrors.NewNotQueued(conversationDetails(current))
			}
			return nil
		},
		build: func(_ *domain.Conversation, now time.Time) repository.ConversationUpdate {
			return repository.ConversationUpdate{BotFlowID: &flowID, BotAssignedAt: &now}
		},
		onStale: func(current *domain.Conversation) error {
			return apperrors.NewNotQueued(conversationDetails(current))
		},
	})
}

// ListQueued returns the unassigned conversations of queueID, oldest queuedAt first.
func (s *DistributionService) ListQueued(ctx context.Context, queueID string) ([]domain.Conversation, error) {
	if strings.TrimSpace(queueID) == "" {
		return nil, apperrors.NewValidationError("queue_id is required", nil)
	}
	convs, err := s.conversations.ListQueued(ctx, queueID)
	if err != nil {
		return nil, apperrors.NewStoreUnavailable(err)
	}
	return convs, nil
}

// ListNotes returns the system notes of a conversation.
func (s *DistributionService) ListNotes(ctx context.Context, conversationID string) ([]domain.ConversationNote, error) {
	if _, err := s.Get(ctx, conversationID); err != nil {
		return nil, err
	}
	notes, err := s.notes.ListByConversation(ctx, conversationID)
	if err != nil {
		return nil, apperrors.NewStoreUnavailable(err)
	}
	return notes, nil
}

type transitionSpec struct {
	reason string
	actor  events.Actor
	target domain.ConversationStatus
	// noopOnSame returns the current record untouched when it already has the target status.
	noopOnSame bool
	skip       func(current *domain.Conversation) bool
	precheck   func(current *domain.Conversation) error
	build      func(current *domain.Conversation, now time.Time) repository.ConversationUpdate
	onStale    func(current *domain.Conversation) error
}

// transition reads, validates, and applies a status change under the conversation's lock.
// The store update is conditioned on the status that was read, so a concurrent writer in
// another process turns this call into a stale-state failure instead of an overwrite.
func (s *DistributionService) transition(ctx context.Context, conversationID string, spec transitionSpec) (*domain.Conversation, error) {
	unlock := s.locks.lock(conversationID)
	defer unlock()

	current, err := s.conversations.GetByID(ctx, conversationID)
	if err != nil {
		return nil, s.storeError(err, conversationID)
	}
	if spec.skip != nil && spec.skip(current) {
		return current, nil
	}
	if spec.noopOnSame && current.Status == spec.target {
		return current, nil
	}
	if spec.precheck != nil {
		if err := spec.precheck(current); err != nil {
			return nil, err
		}
	}
	if err := domain.ValidateTransition(current.Status, spec.target); err != nil {
		s.logger.Warn("rejected status transition",
			zap.String("conversation_id", conversationID),
			zap.String("from", string(current.Status)),
			zap.String("to", string(spec.target)))
		return nil, apperrors.NewInvalidTransition(err, conversationDetails(current))
	}

	now := s.now()
	update := spec.build(current, now)
	expected := current.Status
	target := spec.target
	update.ExpectStatus = &expected
	update.Status = &target
	update.UpdatedAt = now

	updated, err := s.conversations.Update(ctx, conversationID, update)
	if errors.Is(err, repository.ErrStaleState) {
		return nil, spec.onStale(current)
	}
	if err != nil {
		return nil, s.storeError(err, conversationID)
	}
	s.publishConversation(ctx, updated, spec.reason, current.Status, spec.actor)
	return updated, nil
}

func (s *DistributionService) resolveQueue(queueID *string) *string {
	if queueID != nil && strings.TrimSpace(*queueID) != "" {
		q := strings.TrimSpace(*queueID)
		return &q
	}
	if s.defaultQueueID == "" {
		return nil
	}
	q := s.defaultQueueID
	return &q
}

func (s *DistributionService) now() time.Time {
	return s.clock().UTC()
}

func (s *DistributionService) storeError(err error, conversationID string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return apperrors.NewNotFound("conversation", map[string]any{"conversation_id": conversationID})
	}
	var domainErr *apperrors.DomainError
	if errors.As(err, &domainErr) {
		return err
	}
	return apperrors.NewStoreUnavailable(err)
}

func (s *DistributionService) publishConversation(ctx context.Context, conv *domain.Conversation, reason string, oldStatus domain.ConversationStatus, actor events.Actor) {
	s.publish(ctx, events.Event{
		Type:           events.EventConversationUpdated,
		ConversationID: conv.ID,
		Actor:          actor,
		Payload: events.ConversationUpdatedPayload{
			Conversation: events.NewConversationView(conv),
			Reason:       reason,
			OldStatus:    oldStatus,
		},
	})
}

func (s *DistributionService) publish(ctx context.Context, event events.Event) {
	if s.dispatcher == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}
	_ = s.dispatcher.Publish(ctx, event)
}

func staleConflict(current *domain.Conversation) error {
	return apperrors.NewConflict("conversation changed concurrently; refresh and retry", conversationDetails(current))
}

func conversationDetails(conv *domain.Conversation) map[string]any {
	return map[string]any{
		"conversation_id": conv.ID,
		"status":          conv.Status,
	}
}
