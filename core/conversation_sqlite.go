package core

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type SQLiteConversationStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ ConversationStore = (*SQLiteConversationStore)(nil)

func NewSQLiteConversationStore(db *sql.DB) *SQLiteConversationStore {
	return &SQLiteConversationStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (s *SQLiteConversationStore) CreateConversation(ctx context.Context, participants ...string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("BeginTx: %w", err)
	}
	defer tx.Rollback()

	now := s.now()
	res, err := tx.ExecContext(ctx, `INSERT INTO conversations (created_at) VALUES (@created_at)`,
		sql.Named("created_at", now))
	if err != nil {
		return 0, fmt.Errorf("ExecContext(insert conversation): %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("LastInsertId: %w", err)
	}

	query := `
		INSERT INTO conversation_participants (conversation_id, user_id, joined_at)
		VALUES (@conversation_id, @user_id, @joined_at) ON CONFLICT DO NOTHING`
	for _, p := range participants {
		if _, err := tx.ExecContext(ctx, query,
			sql.Named("conversation_id", id), sql.Named("user_id", p), sql.Named("joined_at", now)); err != nil {
			return 0, fmt.Errorf("ExecContext(insert participant): %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("Commit: %w", err)
	}
	return id, nil
}

func (s *SQLiteConversationStore) IsParticipant(ctx context.Context, userID string, conversationID int64) (bool, error) {
	query := `
		SELECT count(*) FROM conversation_participants
		WHERE conversation_id = @conversation_id AND user_id = @user_id AND is_active = 1`
	var count int
	if err := s.db.QueryRowContext(ctx, query,
		sql.Named("conversation_id", conversationID), sql.Named("user_id", userID)).Scan(&count); err != nil {
		return false, fmt.Errorf("QueryRowContext: %w", err)
	}
	return count > 0, nil
}

func (s *SQLiteConversationStore) Participants(ctx context.Context, conversationID int64) ([]string, error) {
	query := `
		SELECT user_id FROM conversation_participants
		WHERE conversation_id = @conversation_id AND is_active = 1
		ORDER BY joined_at, user_id`
	rows, err := s.db.QueryContext(ctx, query, sql.Named("conversation_id", conversationID))
	if err != nil {
		return nil, fmt.Errorf("QueryContext: %w", err)
	}
	defer rows.Close()

	var participants []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("Scan: %w", err)
		}
		participants = append(participants, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows.Err: %w", err)
	}
	return participants, nil
}

func (s *SQLiteConversationStore) CreateMessage(ctx context.Context, input MessageCreateInput) (*Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("BeginTx: %w", err)
	}
	defer tx.Rollback()

	now := s.now()
	var callData sql.NullString
	if len(input.CallData) > 0 {
		callData = sql.NullString{String: string(input.CallData), Valid: true}
	}

	query := `
		INSERT INTO messages (conversation_id, sender_id, type, content, call_data, status, created_at)
		VALUES (@conversation_id, @sender_id, @type, @content, @call_data, @status, @created_at)`
	res, err := tx.ExecContext(ctx, query,
		sql.Named("conversation_id", input.ConversationID),
		sql.Named("sender_id", input.SenderID),
		sql.Named("type", input.Type),
		sql.Named("content", input.Content),
		sql.Named("call_data", callData),
		sql.Named("status", MessageSent),
		sql.Named("created_at", now))
	if err != nil {
		return nil, fmt.Errorf("ExecContext(insert message): %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("LastInsertId: %w", err)
	}

	media := make([]MediaRef, 0, len(input.MediaIDs))
	query = `INSERT INTO message_media (message_id, media_id, position) VALUES (@message_id, @media_id, @position)`
	for i, mediaID := range input.MediaIDs {
		if _, err := tx.ExecContext(ctx, query,
			sql.Named("message_id", id), sql.Named("media_id", mediaID), sql.Named("position", i)); err != nil {
			return nil, fmt.Errorf("ExecContext(insert message_media): %w", err)
		}
		media = append(media, MediaRef{MediaID: mediaID, Order: i})
	}

	if err := tx.Commit(); err != nil {
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

// GetMessage returns the message with its media in attachment order, or nil if it does not exist.
func (s *SQLiteConversationStore) GetMessage(ctx context.Context, id int64) (*Message, error) {
	query := `
		SELECT id, conversation_id, sender_id, type, content, call_data, status, is_edited, is_deleted, created_at
		FROM messages WHERE id = @id`
	var msg Message
	var content, callData sql.NullString
	err := s.db.QueryRowContext(ctx, query, sql.Named("id", id)).Scan(
		&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Type, &content, &callData,
		&msg.Status, &msg.IsEdited, &msg.IsDeleted, &msg.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("QueryRowContext: %w", err)
	}
	if content.Valid {
		msg.Content = &content.String
	}
	if callData.Valid {
		msg.CallData = json.RawMessage(callData.String)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT media_id, position FROM message_media WHERE message_id = @id ORDER BY position`, sql.Named("id", id))
	if err != nil {
		return nil, fmt.Errorf("QueryContext: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var ref MediaRef
		if err := rows.Scan(&ref.MediaID, &ref.Order); err != nil {
			return nil, fmt.Errorf("Scan: %w", err)
		}
		msg.Media = append(msg.Media, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows.Err: %w", err)
	}
	return &msg, nil
}

func (s *SQLiteConversationStore) TouchLastActivity(ctx context.Context, conversationID int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET last_message_at = @at WHERE id = @id`,
		sql.Named("at", at.UTC()), sql.Named("id", conversationID))
	if err != nil {
		return fmt.Errorf("ExecContext: %w", err)
	}
	return expectAffected(res, ErrInvalidConversation)
}

// LastActivity returns the last activity time of a conversation, zero if nothing was sent yet.
func (s *SQLiteConversationStore) LastActivity(ctx context.Context, conversationID int64) (time.Time, error) {
	var at sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT last_message_at FROM conversations WHERE id = @id`, sql.Named("id", conversationID)).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, ErrInvalidConversation
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("QueryRowContext: %w", err)
	}
	return at.Time, nil
}

func (s *SQLiteConversationStore) SetLastRead(ctx context.Context, userID string, conversationID int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversation_participants SET last_read_at = @at
		WHERE conversation_id = @conversation_id AND user_id = @user_id`,
		sql.Named("at", at.UTC()), sql.Named("conversation_id", conversationID), sql.Named("user_id", userID))
	if err != nil {
		return fmt.Errorf("ExecContext: %w", err)
	}
	return expectAffected(res, ErrNotAParticipant)
}

func (s *SQLiteConversationStore) UnreadCount(ctx context.Context, userID string, conversationID int64) (int, error) {
	query := `
		SELECT count(*) FROM messages AS m
		INNER JOIN conversation_participants AS p
			ON p.conversation_id = m.conversation_id AND p.user_id = @user_id
		WHERE m.conversation_id = @conversation_id
			AND m.sender_id != @user_id
			AND m.is_deleted = 0
			AND (p.last_read_at IS NULL OR m.created_at > p.last_read_at)`
	var count int
	if err := s.db.QueryRowContext(ctx, query,
		sql.Named("user_id", userID), sql.Named("conversation_id", conversationID)).Scan(&count); err != nil {
		return 0, fmt.Errorf("QueryRowContext: %w", err)
	}
	return count, nil
}

func (s *SQLiteConversationStore) CreateCallSession(ctx context.Context, call CallSession) error {
	query := `
		INSERT INTO call_sessions (call_id, caller_id, callee_id, kind, status, created_at, started_at, ended_at)
		VALUES (@call_id, @caller_id, @callee_id, @kind, @status, @created_at, @started_at, @ended_at)`
	_, err := s.db.ExecContext(ctx, query,
		sql.Named("call_id", call.ID),
		sql.Named("caller_id", call.CallerID),
		sql.Named("callee_id", call.CalleeID),
		sql.Named("kind", call.Kind),
		sql.Named("status", call.Status),
		sql.Named("created_at", call.CreatedAt.UTC()),
		sql.Named("started_at", utcOrNil(call.StartedAt)),
		sql.Named("ended_at", utcOrNil(call.EndedAt)))
	if err != nil {
		return fmt.Errorf("ExecContext: %w", err)
	}
	return nil
}

// UpdateCallStatus updates the most recent session recorded under callID.
func (s *SQLiteConversationStore) UpdateCallStatus(ctx context.Context, callID string, status CallStatus, startedAt, endedAt *time.Time) error {
	query := `
		UPDATE call_sessions SET
			status = @status,
			started_at = coalesce(@started_at, started_at),
			ended_at = coalesce(@ended_at, ended_at)
		WHERE id = (SELECT id FROM call_sessions WHERE call_id = @call_id ORDER BY id DESC LIMIT 1)`
	res, err := s.db.ExecContext(ctx, query,
		sql.Named("status", status),
		sql.Named("started_at", utcOrNil(startedAt)),
		sql.Named("ended_at", utcOrNil(endedAt)),
		sql.Named("call_id", callID))
	if err != nil {
		return fmt.Errorf("ExecContext: %w", err)
	}
	return expectAffected(res, ErrInvalidCallSession)
}

func (s *SQLiteConversationStore) CallHistory(ctx context.Context, userID string, limit int) ([]CallSession, error) {
	query := `
		SELECT call_id, caller_id, callee_id, kind, status, created_at, started_at, ended_at
		FROM call_sessions
		WHERE caller_id = @user_id OR callee_id = @user_id
		ORDER BY created_at DESC, id DESC
		LIMIT @limit`
	rows, err := s.db.QueryContext(ctx, query, sql.Named("user_id", userID), sql.Named("limit", clampLimit(limit)))
	if err != nil {
		return nil, fmt.Errorf("QueryContext: %w", err)
	}
	defer rows.Close()

	var calls []CallSession
	for rows.Next() {
		var call CallSession
		var startedAt, endedAt sql.NullTime
		if err := rows.Scan(&call.ID, &call.CallerID, &call.CalleeID, &call.Kind, &call.Status,
			&call.CreatedAt, &startedAt, &endedAt); err != nil {
			return nil, fmt.Errorf("Scan: %w", err)
		}
		call.StartedAt = timeOrNil(startedAt)
		call.EndedAt = timeOrNil(endedAt)
		calls = append(calls, call)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows.Err: %w", err)
	}
	return calls, nil
}

func (s *SQLiteConversationStore) CreateNotification(ctx context.Context, n Notification) error {
	data, err := json.Marshal(n.Payload)
	if err != nil {
		return fmt.Errorf("marshal notification payload: %w", err)
	}
	query := `
		INSERT INTO notifications (id, user_id, type, data, is_read, created_at)
		VALUES (@id, @user_id, @type, @data, @is_read, @created_at)`
	if _, err := s.db.ExecContext(ctx, query,
		sql.Named("id", n.ID),
		sql.Named("user_id", n.UserID),
		sql.Named("type", n.Payload.Kind()),
		sql.Named("data", string(data)),
		sql.Named("is_read", n.IsRead),
		sql.Named("created_at", n.CreatedAt.UTC())); err != nil {
		return fmt.Errorf("ExecContext: %w", err)
	}
	return nil
}

func expectAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("RowsAffected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func utcOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timeOrNil(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}
