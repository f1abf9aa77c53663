package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/conversation-engine/internal/domain"
)

// ErrStaleState is returned when a conditional update no longer matches the stored record.
var ErrStaleState = errors.New("conversation state changed concurrently")

// ConversationUpdate is a partial update applied atomically to one conversation.
// The Expect fields form a compare-and-set condition evaluated in the same step.
type ConversationUpdate struct {
	ExpectStatus    *domain.ConversationStatus
	ExpectAdvisorID *string
	ExpectBotFlowID *string
	// Idle guards: the stored timestamp must not be later than the given instant.
	ExpectActivityNotAfter    *time.Time
	ExpectAssignedNotAfter    *time.Time
	ExpectBotAssignedNotAfter *time.Time

	Status            *domain.ConversationStatus
	AssignedAdvisorID *string
	AssignedAt        *time.Time
	ClearAssignment   bool
	QueueID           *string
	ClearQueue        bool
	QueuedAt          *time.Time
	AppendAttendedBy  *string
	BotFlowID         *string
	BotAssignedAt     *time.Time
	ClearBot          bool
	LastActivityAt    *time.Time
	IncrementUnread   bool
	ResetUnread       bool
	LastReadAt        *time.Time
	UpdatedAt         time.Time
}

// Matches evaluates the Expect condition against c.
func (u ConversationUpdate) Matches(c *domain.Conversation) bool {
	if u.ExpectStatus != nil && c.Status != *u.ExpectStatus {
		return false
	}
	if u.ExpectAdvisorID != nil && (c.AssignedAdvisorID == nil || *c.AssignedAdvisorID != *u.ExpectAdvisorID) {
		return false
	}
	if u.ExpectBotFlowID != nil && (c.BotFlowID == nil || *c.BotFlowID != *u.ExpectBotFlowID) {
		return false
	}
	if u.ExpectActivityNotAfter != nil && c.LastActivityAt.After(*u.ExpectActivityNotAfter) {
		return false
	}
	if u.ExpectAssignedNotAfter != nil && (c.AssignedAt == nil || c.AssignedAt.After(*u.ExpectAssignedNotAfter)) {
		return false
	}
	if u.ExpectBotAssignedNotAfter != nil && (c.BotAssignedAt == nil || c.BotAssignedAt.After(*u.ExpectBotAssignedNotAfter)) {
		return false
	}
	return true
}

// Apply mutates c in place. Clear flags run before sets so a single update can move ownership.
func (u ConversationUpdate) Apply(c *domain.Conversation) {
	if u.ClearAssignment {
		c.AssignedAdvisorID = nil
		c.AssignedAt = nil
	}
	if u.ClearQueue {
		c.QueueID = nil
	}
	if u.ClearBot {
		c.BotFlowID = nil
		c.BotAssignedAt = nil
	}
	if u.Status != nil {
		c.Status = *u.Status
	}
	if u.AssignedAdvisorID != nil {
		v := *u.AssignedAdvisorID
		c.AssignedAdvisorID = &v
	}
	if u.AssignedAt != nil {
		v := *u.AssignedAt
		c.AssignedAt = &v
	}
	if u.QueueID != nil {
		v := *u.QueueID
		c.QueueID = &v
	}
	if u.QueuedAt != nil {
		c.QueuedAt = *u.QueuedAt
	}
	if u.AppendAttendedBy != nil && !c.HasAttended(*u.AppendAttendedBy) {
		c.AttendedBy = append(c.AttendedBy, *u.AppendAttendedBy)
	}
	if u.BotFlowID != nil {
		v := *u.BotFlowID
		c.BotFlowID = &v
	}
	if u.BotAssignedAt != nil {
		v := *u.BotAssignedAt
		c.BotAssignedAt = &v
	}
	if u.LastActivityAt != nil {
		c.LastActivityAt = *u.LastActivityAt
	}
	if u.IncrementUnread {
		c.UnreadCount++
	}
	if u.ResetUnread {
		c.UnreadCount = 0
	}
	if u.LastReadAt != nil {
		v := *u.LastReadAt
		c.LastReadAt = &v
	}
	if !u.UpdatedAt.IsZero() {
		c.UpdatedAt = u.UpdatedAt
	}
}

// ConversationRepository is the authoritative conversation store.
// Reads return copies; missing records yield pgx.ErrNoRows.
type ConversationRepository interface {
	CreateOrGet(ctx context.Context, conv *domain.Conversation) (*domain.Conversation, bool, error)
	GetByID(ctx context.Context, id string) (*domain.Conversation, error)
	GetByNaturalKey(ctx context.Context, key domain.NaturalKey) (*domain.Conversation, error)
	Update(ctx context.Context, id string, update ConversationUpdate) (*domain.Conversation, error)
	ListQueued(ctx context.Context, queueID string) ([]domain.Conversation, error)
	ListByStatus(ctx context.Context, status domain.ConversationStatus) ([]domain.Conversation, error)
	ListBotHeld(ctx context.Context) ([]domain.Conversation, error)
}

type conversationRepository struct {
	pool *pgxpool.Pool
}

// NewConversationRepository instantiates the Postgres store.
func NewConversationRepository(pool *pgxpool.Pool) ConversationRepository {
	return &conversationRepository{pool: pool}
}

const conversationColumns = `id, customer_key, channel, channel_connection_id, status, assigned_advisor_id,
        assigned_at, queue_id, queued_at, attended_by, bot_flow_id, bot_assigned_at, last_activity_at,
        unread_count, last_read_at, created_at, updated_at`

func (r *conversationRepository) CreateOrGet(ctx context.Context, conv *domain.Conversation) (*domain.Conversation, bool, error) {
	query := `
        INSERT INTO conversations (id, customer_key, channel, channel_connection_id, status, queue_id,
            queued_at, attended_by, bot_flow_id, bot_assigned_at, last_activity_at, created_at, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$12)
        ON CONFLICT (customer_key, channel, channel_connection_id) DO NOTHING
        RETURNING ` + conversationColumns
	attended := conv.AttendedBy
	if attended == nil {
		attended = []string{}
	}
	created, err := scanConversation(r.pool.QueryRow(ctx, query,
		conv.ID,
		conv.Key.CustomerKey,
		conv.Key.Channel,
		conv.Key.ChannelConnectionID,
		conv.Status,
		conv.QueueID,
		conv.QueuedAt,
		attended,
		conv.BotFlowID,
		conv.BotAssignedAt,
		conv.LastActivityAt,
		conv.CreatedAt,
	))
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, err
	}
	existing, err := r.GetByNaturalKey(ctx, conv.Key)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *conversationRepository) GetByID(ctx context.Context, id string) (*domain.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE id=$1`
	return scanConversation(r.pool.QueryRow(ctx, query, id))
}

func (r *conversationRepository) GetByNaturalKey(ctx context.Context, key domain.NaturalKey) (*domain.Conversation, error) {
	query := `SELECT ` + conversationColumns + `
        FROM conversations WHERE customer_key=$1 AND channel=$2 AND channel_connection_id=$3`
	return scanConversation(r.pool.QueryRow(ctx, query, key.CustomerKey, key.Channel, key.ChannelConnectionID))
}

func (r *conversationRepository) Update(ctx context.Context, id string, update ConversationUpdate) (*domain.Conversation, error) {
	args := []any{id}
	sets := []string{}
	conds := []string{"id=$1"}

	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if update.ExpectStatus != nil {
		conds = append(conds, "status="+arg(*update.ExpectStatus))
	}
	if update.ExpectAdvisorID != nil {
		conds = append(conds, "assigned_advisor_id="+arg(*update.ExpectAdvisorID))
	}
	if update.ExpectBotFlowID != nil {
		conds = append(conds, "bot_flow_id="+arg(*update.ExpectBotFlowID))
	}
	if update.ExpectActivityNotAfter != nil {
		conds = append(conds, "last_activity_at<="+arg(*update.ExpectActivityNotAfter))
	}
	if update.ExpectAssignedNotAfter != nil {
		conds = append(conds, "assigned_at<="+arg(*update.ExpectAssignedNotAfter))
	}
	if update.ExpectBotAssignedNotAfter != nil {
		conds = append(conds, "bot_assigned_at<="+arg(*update.ExpectBotAssignedNotAfter))
	}

	if update.Status != nil {
		sets = append(sets, "status="+arg(*update.Status))
	}
	switch {
	case update.AssignedAdvisorID != nil:
		sets = append(sets, "assigned_advisor_id="+arg(*update.AssignedAdvisorID))
	case update.ClearAssignment:
		sets = append(sets, "assigned_advisor_id=NULL")
	}
	switch {
	case update.AssignedAt != nil:
		sets = append(sets, "assigned_at="+arg(*update.AssignedAt))
	case update.ClearAssignment:
		sets = append(sets, "assigned_at=NULL")
	}
	switch {
	case update.QueueID != nil:
		sets = append(sets, "queue_id="+arg(*update.QueueID))
	case update.ClearQueue:
		sets = append(sets, "queue_id=NULL")
	}
	if update.QueuedAt != nil {
		sets = append(sets, "queued_at="+arg(*update.QueuedAt))
	}
	if update.AppendAttendedBy != nil {
		p := arg(*update.AppendAttendedBy)
		sets = append(sets, fmt.Sprintf(
			"attended_by=CASE WHEN %[1]s::text = ANY(attended_by) THEN attended_by ELSE array_append(attended_by, %[1]s::text) END", p))
	}
	switch {
	case update.BotFlowID != nil:
		sets = append(sets, "bot_flow_id="+arg(*update.BotFlowID))
	case update.ClearBot:
		sets = append(sets, "bot_flow_id=NULL")
	}
	switch {
	case update.BotAssignedAt != nil:
		sets = append(sets, "bot_assigned_at="+arg(*update.BotAssignedAt))
	case update.ClearBot:
		sets = append(sets, "bot_assigned_at=NULL")
	}
	if update.LastActivityAt != nil {
		sets = append(sets, "last_activity_at="+arg(*update.LastActivityAt))
	}
	switch {
	case update.ResetUnread:
		sets = append(sets, "unread_count=0")
	case update.IncrementUnread:
		sets = append(sets, "unread_count=unread_count+1")
	}
	if update.LastReadAt != nil {
		sets = append(sets, "last_read_at="+arg(*update.LastReadAt))
	}
	if update.UpdatedAt.IsZero() {
		sets = append(sets, "updated_at=NOW()")
	} else {
		sets = append(sets, "updated_at="+arg(update.UpdatedAt))
	}

	query := fmt.Sprintf(`UPDATE conversations SET %s WHERE %s RETURNING %s`,
		strings.Join(sets, ", "), strings.Join(conds, " AND "), conversationColumns)
	conv, err := scanConversation(r.pool.QueryRow(ctx, query, args...))
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM conversations WHERE id=$1)`, id).Scan(&exists); err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrStaleState
	}
	return nil, pgx.ErrNoRows
}

func (r *conversationRepository) ListQueued(ctx context.Context, queueID string) ([]domain.Conversation, error) {
	query := `SELECT ` + conversationColumns + `
        FROM conversations
        WHERE status='ACTIVE' AND queue_id=$1 AND bot_flow_id IS NULL
        ORDER BY queued_at ASC, created_at ASC`
	return r.list(ctx, query, queueID)
}

func (r *conversationRepository) ListByStatus(ctx context.Context, status domain.ConversationStatus) ([]domain.Conversation, error) {
	query := `SELECT ` + conversationColumns + `
        FROM conversations WHERE status=$1 ORDER BY updated_at ASC`
	return r.list(ctx, query, status)
}

func (r *conversationRepository) ListBotHeld(ctx context.Context) ([]domain.Conversation, error) {
	query := `SELECT ` + conversationColumns + `
        FROM conversations WHERE status='ACTIVE' AND bot_flow_id IS NOT NULL ORDER BY bot_assigned_at ASC`
	return r.list(ctx, query)
}

func (r *conversationRepository) list(ctx context.Context, query string, args ...any) ([]domain.Conversation, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *conv)
	}
	return result, rows.Err()
}

func scanConversation(row pgx.Row) (*domain.Conversation, error) {
	var conv domain.Conversation
	if err := row.Scan(
		&conv.ID,
		&conv.Key.CustomerKey,
		&conv.Key.Channel,
		&conv.Key.ChannelConnectionID,
		&conv.Status,
		&conv.AssignedAdvisorID,
		&conv.AssignedAt,
		&conv.QueueID,
		&conv.QueuedAt,
		&conv.AttendedBy,
		&conv.BotFlowID,
		&conv.BotAssignedAt,
		&conv.LastActivityAt,
		&conv.UnreadCount,
		&conv.LastReadAt,
		&conv.CreatedAt,
		&conv.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &conv, nil
}
