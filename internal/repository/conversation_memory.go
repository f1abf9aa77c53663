package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/jackc/pgx/v5"

	"github.com/spec-kit/conversation-engine/internal/domain"
)

// memoryConversationRepository keeps conversations in process. It backs the engine when no
// Postgres DSN is configured and gives tests the same compare-and-set semantics.
type memoryConversationRepository struct {
	mu    sync.RWMutex
	byID  map[string]*domain.Conversation
	byKey map[string]string
}

// NewMemoryConversationRepository builds an empty in-process store.
func NewMemoryConversationRepository() ConversationRepository {
	return &memoryConversationRepository{
		byID:  make(map[string]*domain.Conversation),
		byKey: make(map[string]string),
	}
}

func (r *memoryConversationRepository) CreateOrGet(_ context.Context, conv *domain.Conversation) (*domain.Conversation, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := conv.Key.String()
	if id, ok := r.byKey[key]; ok {
		return r.byID[id].Clone(), false, nil
	}
	stored := conv.Clone()
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = stored.CreatedAt
	}
	r.byID[stored.ID] = stored
	r.byKey[key] = stored.ID
	return stored.Clone(), true, nil
}

func (r *memoryConversationRepository) GetByID(_ context.Context, id string) (*domain.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conv, ok := r.byID[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return conv.Clone(), nil
}

func (r *memoryConversationRepository) GetByNaturalKey(_ context.Context, key domain.NaturalKey) (*domain.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byKey[key.String()]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return r.byID[id].Clone(), nil
}

func (r *memoryConversationRepository) Update(_ context.Context, id string, update ConversationUpdate) (*domain.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conv, ok := r.byID[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	if !update.Matches(conv) {
		return nil, ErrStaleState
	}
	next := conv.Clone()
	update.Apply(next)
	r.byID[id] = next
	return next.Clone(), nil
}

func (r *memoryConversationRepository) ListQueued(_ context.Context, queueID string) ([]domain.Conversation, error) {
	return r.filter(func(c *domain.Conversation) bool {
		return c.Status == domain.ConversationStatusActive &&
			c.QueueID != nil && *c.QueueID == queueID &&
			c.BotFlowID == nil
	}, func(a, b *domain.Conversation) bool {
		if a.QueuedAt.Equal(b.QueuedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.QueuedAt.Before(b.QueuedAt)
	}), nil
}

func (r *memoryConversationRepository) ListByStatus(_ context.Context, status domain.ConversationStatus) ([]domain.Conversation, error) {
	return r.filter(func(c *domain.Conversation) bool {
		return c.Status == status
	}, func(a, b *domain.Conversation) bool {
		return a.UpdatedAt.Before(b.UpdatedAt)
	}), nil
}

func (r *memoryConversationRepository) ListBotHeld(_ context.Context) ([]domain.Conversation, error) {
	return r.filter(func(c *domain.Conversation) bool {
		return c.Status == domain.ConversationStatusActive && c.BotFlowID != nil
	}, func(a, b *domain.Conversation) bool {
		if a.BotAssignedAt == nil || b.BotAssignedAt == nil {
			return b.BotAssignedAt != nil
		}
		return a.BotAssignedAt.Before(*b.BotAssignedAt)
	}), nil
}

func (r *memoryConversationRepository) filter(keep func(*domain.Conversation) bool, less func(a, b *domain.Conversation) bool) []domain.Conversation {
	r.mu.RLock()
	matched := make([]*domain.Conversation, 0)
	for _, conv := range r.byID {
		if keep(conv) {
			matched = append(matched, conv.Clone())
		}
	}
	r.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool { return less(matched[i], matched[j]) })
	out := make([]domain.Conversation, 0, len(matched))
	for _, conv := range matched {
		out = append(out, *conv)
	}
	return out
}
