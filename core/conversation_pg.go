package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresConversationStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ ConversationStore = (*PostgresConversationStore)(nil)

func NewPostgresConversationStore(pool *pgxpool.Pool) *PostgresConversationStore {
	return &PostgresConversationStore{
		pool: pool,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *PostgresConversationStore) CreateConversation(ctx context.Context, participants ...string) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("Begin: %w", err)
	}
	defer tx.Rollback(ctx)

	now := s.now()
	var id int64
	if err := tx.QueryRow(ctx,
		`INSERT INTO conversations (created_at) VALUES ($1) RETURNING id`, now).Scan(&id); err != nil {
		return 0, fmt.Errorf("QueryRow(insert conversation): %w", err)
	}

	batch := &pgx.Batch{}
	for _, p := range participants {
		batch.Queue(`
			INSERT INTO conversation_participants (conversation_id, user_id, joined_at)
			VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`, id, p, now)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return 0, fmt.Errorf("SendBatch(insert participants): %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("Commit: %w", err)
	}
	return id, nil
}

func (s *PostgresConversationStore) IsParticipant(ctx context.Context, userID string, conversationID int64) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM conversation_participants
			WHERE conversation_id = $1 AND user_id = $2 AND is_active
		)`, conversationID, userID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("QueryRow: %w", err)
	}
	return ok, nil
}

func (s *PostgresConversationStore) Participants(ctx context.Context, conversationID int64) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id FROM conversation_participants
		WHERE conversation_id = $1 AND is_active
		ORDER BY joined_at, user_id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("Query: %w", err)
	}
	participants, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("CollectRows: %w", err)
	}
	return participants, nil
}

func (s *PostgresConversationStore) CreateMessage(ctx context.Context, input MessageCreateInput) (*Message, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("Begin: %w", err)
	}
	defer tx.Rollback(ctx)

	now := s.now()
	var callData []byte
	if len(input.CallData) > 0 {
		callData = input.CallData
	}

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO messages (conversation_id, sender_id, type, content, call_data, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		input.ConversationID, input.SenderID, string(input.Type), input.Content, callData,
		string(MessageSent), now).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("QueryRow(insert message): %w", err)
	}

	media := make([]MediaRef, 0, len(input.MediaIDs))
	if len(input.MediaIDs) > 0 {
		batch := &pgx.Batch{}
		for i, mediaID := range input.MediaIDs {
			batch.Queue(`INSERT INTO message_media (message_id, media_id, position) VALUES ($1, $2, $3)`, id, mediaID, i)
			media = append(media, MediaRef{MediaID: mediaID, Order: i})
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return nil, fmt.Errorf("SendBatch(insert message_media): %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("Commit: %w", err)
	}

	return &Message{
		ID:             id,
		ConversationID: input.ConversationID,
		SenderID:       input.SenderID,
		Type:           input.Type,
		Content:        input.Content,
		Media:          media,
		CallData:       input.CallData,
		Status:         MessageSent,
		CreatedAt:      now,
	}, nil
}

func (s *PostgresConversationStore) TouchLastActivity(ctx context.Context, conversationID int64, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE conversations SET last_message_at = $1 WHERE id = $2`, at, conversationID)
	if err != nil {
		return fmt.Errorf("Exec: %w", err)
	}
	return expectTag(tag, ErrInvalidConversation)
}

func (s *PostgresConversationStore) SetLastRead(ctx context.Context, userID string, conversationID int64, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conversation_participants SET last_read_at = $1
		WHERE conversation_id = $2 AND user_id = $3`, at, conversationID, userID)
	if err != nil {
		return fmt.Errorf("Exec: %w", err)
	}
	return expectTag(tag, ErrNotAParticipant)
}

func (s *PostgresConversationStore) UnreadCount(ctx context.Context, userID string, conversationID int64) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM messages AS m
		INNER JOIN conversation_participants AS p
			ON p.conversation_id = m.conversation_id AND p.user_id = $1
		WHERE m.conversation_id = $2
			AND m.sender_id <> $1
			AND NOT m.is_deleted
			AND (p.last_read_at IS NULL OR m.created_at > p.last_read_at)`,
		userID, conversationID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("QueryRow: %w", err)
	}
	return count, nil
}

func (s *PostgresConversationStore) CreateCallSession(ctx context.Context, call CallSession) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO call_sessions (call_id, caller_id, callee_id, kind, status, created_at, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		call.ID, call.CallerID, call.CalleeID, string(call.Kind), string(call.Status),
		call.CreatedAt, call.StartedAt, call.EndedAt)
	if err != nil {
		return fmt.Errorf("Exec: %w", err)
	}
	return nil
}

func (s *PostgresConversationStore) UpdateCallStatus(ctx context.Context, callID string, status CallStatus, startedAt, endedAt *time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE call_sessions SET
			status = $1,
			started_at = coalesce($2, started_at),
			ended_at = coalesce($3, ended_at)
		WHERE id = (SELECT id FROM call_sessions WHERE call_id = $4 ORDER BY id DESC LIMIT 1)`,
		string(status), startedAt, endedAt, callID)
	if err != nil {
		return fmt.Errorf("Exec: %w", err)
	}
	return expectTag(tag, ErrInvalidCallSession)
}

func (s *PostgresConversationStore) CallHistory(ctx context.Context, userID string, limit int) ([]CallSession, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT call_id, caller_id, callee_id, kind, status, created_at, started_at, ended_at
		FROM call_sessions
		WHERE caller_id = $1 OR callee_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, userID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("Query: %w", err)
	}
	calls, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (CallSession, error) {
		var call CallSession
		var kind, status string
		err := row.Scan(&call.ID, &call.CallerID, &call.CalleeID, &kind, &status,
			&call.CreatedAt, &call.StartedAt, &call.EndedAt)
		call.Kind = CallKind(kind)
		call.Status = CallStatus(status)
		return call, err
	})
	if err != nil {
		return nil, fmt.Errorf("CollectRows: %w", err)
	}
	return calls, nil
}

func (s *PostgresConversationStore) CreateNotification(ctx context.Context, n Notification) error {
	data, err := json.Marshal(n.Payload)
	if err != nil {
		return fmt.Errorf("marshal notification payload: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO notifications (id, user_id, type, data, is_read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		n.ID, n.UserID, string(n.Payload.Kind()), data, n.IsRead, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("Exec: %w", err)
	}
	return nil
}

func expectTag(tag pgconn.CommandTag, notFound error) error {
	if tag.RowsAffected() == 0 {
		return notFound
	}
	return nil
}
