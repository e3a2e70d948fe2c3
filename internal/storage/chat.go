package storage

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

// AppendMessage persists one conversation turn. Tool turns carry the call id
// they answer; assistant turns that requested tools carry the encoded calls.
func (s *Store) AppendMessage(ctx context.Context, m ChatMessage) error {
	q := s.sql.Insert("chat_messages").
		Columns("bot_id", "session_id", "sender", "role", "content", "raw_content",
			"media_ref", "tool_call_id", "tool_calls_json", "metadata_json").
		Values(m.BotID, m.SessionID, m.Sender, m.Role, m.Content, m.RawContent,
			m.MediaRef, m.ToolCallID, m.ToolCallsJSON, m.MetadataJSON)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build append message query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// RecentMessages returns the newest turns of a session in chronological
// order. The query walks the index newest-first and the result is reversed
// before returning.
func (s *Store) RecentMessages(ctx context.Context, botID int64, sessionID string, limit uint64) ([]ChatMessage, error) {
	q := s.sql.Select("id", "bot_id", "session_id", "sender", "role", "content", "raw_content",
		"media_ref", "tool_call_id", "tool_calls_json", "metadata_json", "created_at").
		From("chat_messages").
		Where(sq.Eq{"bot_id": botID, "session_id": sessionID}).
		OrderBy("created_at DESC", "id DESC").
		Limit(limit)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build recent messages query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()

	out := make([]ChatMessage, 0)
	for rows.Next() {
		var (
			m          ChatMessage
			rawContent sql.NullString
			mediaRef   sql.NullString
			callID     sql.NullString
			callsJSON  sql.NullString
			metadata   sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.BotID, &m.SessionID, &m.Sender, &m.Role, &m.Content,
			&rawContent, &mediaRef, &callID, &callsJSON, &metadata, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		if rawContent.Valid {
			m.RawContent = &rawContent.String
		}
		if mediaRef.Valid {
			m.MediaRef = &mediaRef.String
		}
		if callID.Valid {
			m.ToolCallID = &callID.String
		}
		if callsJSON.Valid {
			m.ToolCallsJSON = &callsJSON.String
		}
		if metadata.Valid {
			m.MetadataJSON = &metadata.String
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
