package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/conversation-engine/internal/domain"
)

// ConversationNoteRepository stores timeline notes written by the engine.
type ConversationNoteRepository interface {
	Create(ctx context.Context, note *domain.ConversationNote) error
	ListByConversation(ctx context.Context, conversationID string) ([]domain.ConversationNote, error)
}

type conversationNoteRepository struct {
	pool *pgxpool.Pool
}

// NewConversationNoteRepository builds the Postgres note store.
func NewConversationNoteRepository(pool *pgxpool.Pool) ConversationNoteRepository {
	return &conversationNoteRepository{pool: pool}
}

func (r *conversationNoteRepository) Create(ctx context.Context, note *domain.ConversationNote) error {
	const query = `
        INSERT INTO conversation_notes (id, conversation_id, kind, body, created_at)
        VALUES ($1,$2,$3,$4,$5)`
	_, err := r.pool.Exec(ctx, query,
		note.ID,
		note.ConversationID,
		note.Kind,
		note.Body,
		note.CreatedAt,
	)
	return err
}

func (r *conversationNoteRepository) ListByConversation(ctx context.Context, conversationID string) ([]domain.ConversationNote, error) {
	const query = `
        SELECT id, conversation_id, kind, body, created_at
        FROM conversation_notes WHERE conversation_id=$1 ORDER BY created_at ASC`
	rows, err := r.pool.Query(ctx, query, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.ConversationNote
	for rows.Next() {
		var note domain.ConversationNote
		if err := rows.Scan(
			&note.ID,
			&note.ConversationID,
			&note.Kind,
			&note.Body,
			&note.CreatedAt,
		); err != nil {
			return nil, err
		}
		result = append(result, note)
	}
	return result, rows.Err()
}

type memoryConversationNoteRepository struct {
	mu    sync.RWMutex
	notes map[string][]domain.ConversationNote
}

// NewMemoryConversationNoteRepository builds an in-process note store.
func NewMemoryConversationNoteRepository() ConversationNoteRepository {
	return &memoryConversationNoteRepository{notes: make(map[string][]domain.ConversationNote)}
}

func (r *memoryConversationNoteRepository) Create(_ context.Context, note *domain.ConversationNote) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes[note.ConversationID] = append(r.notes[note.ConversationID], *note)
	return nil
}

func (r *memoryConversationNoteRepository) ListByConversation(_ context.Context, conversationID string) ([]domain.ConversationNote, error) {
	r.mu.RLock()
	out := append([]domain.ConversationNote(nil), r.notes[conversationID]...)
	r.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
