package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

const botColumns = "id, team_id, name, system_prompt, channel_format, language, " +
	"chat_ref, embedding_ref, speech_ref, enc_openai_key, enc_gemini_key, active, created_at"

func (s *Store) CreateBot(ctx context.Context, b Bot) (int64, error) {
	q := s.sql.Insert("bots").
		Columns("team_id", "name", "system_prompt", "channel_format", "language",
			"chat_ref", "embedding_ref", "speech_ref", "enc_openai_key", "enc_gemini_key", "active").
		Values(b.TeamID, b.Name, b.SystemPrompt, b.ChannelFormat, b.Language,
			b.ChatRef, b.EmbeddingRef, b.SpeechRef, b.EncOpenAIKey, b.EncGeminiKey, b.Active)
	if s.driver == "postgres" {
		q = q.Suffix("RETURNING id")
		sqlStr, args, err := q.ToSql()
		if err != nil {
			return 0, fmt.Errorf("build create bot query: %w", err)
		}
		var id int64
		if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&id); err != nil {
			return 0, fmt.Errorf("create bot: %w", err)
		}
		return id, nil
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build create bot query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, fmt.Errorf("create bot: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("create bot id: %w", err)
	}
	return id, nil
}

func (s *Store) GetBot(ctx context.Context, botID int64) (Bot, error) {
	q := s.sql.Select(botColumns).From("bots").Where(sq.Eq{"id": botID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Bot{}, fmt.Errorf("build get bot query: %w", err)
	}
	b, err := scanBot(s.db.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Bot{}, ErrNotFound
		}
		return Bot{}, fmt.Errorf("get bot: %w", err)
	}
	return b, nil
}

func (s *Store) SetBotActive(ctx context.Context, botID int64, active bool) error {
	q := s.sql.Update("bots").Set("active", active).Where(sq.Eq{"id": botID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build set bot active query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("set bot active: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBot(row rowScanner) (Bot, error) {
	var b Bot
	var encOpenAI, encGemini sql.NullString
	if err := row.Scan(
		&b.ID, &b.TeamID, &b.Name, &b.SystemPrompt, &b.ChannelFormat, &b.Language,
		&b.ChatRef, &b.EmbeddingRef, &b.SpeechRef, &encOpenAI, &encGemini, &b.Active, &b.CreatedAt,
	); err != nil {
		return Bot{}, err
	}
	if encOpenAI.Valid {
		b.EncOpenAIKey = &encOpenAI.String
	}
	if encGemini.Valid {
		b.EncGeminiKey = &encGemini.String
	}
	return b, nil
}
