package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

func (s *Store) CreateKnowledge(ctx context.Context, k Knowledge) (int64, error) {
	if k.Status == "" {
		k.Status = KnowledgeStatusPending
	}
	q := s.sql.Insert("knowledge").
		Columns("team_id", "name", "content", "status").
		Values(k.TeamID, k.Name, k.Content, k.Status)
	if s.driver == "postgres" {
		q = q.Suffix("RETURNING id")
		sqlStr, args, err := q.ToSql()
		if err != nil {
			return 0, fmt.Errorf("build create knowledge query: %w", err)
		}
		var id int64
		if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&id); err != nil {
			return 0, fmt.Errorf("create knowledge: %w", err)
		}
		return id, nil
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build create knowledge query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, fmt.Errorf("create knowledge: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("create knowledge id: %w", err)
	}
	return id, nil
}

func (s *Store) GetKnowledge(ctx context.Context, knowledgeID int64) (Knowledge, error) {
	q := s.sql.Select("id", "team_id", "name", "content", "status", "created_at", "updated_at").
		From("knowledge").
		Where(sq.Eq{"id": knowledgeID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Knowledge{}, fmt.Errorf("build get knowledge query: %w", err)
	}
	var k Knowledge
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&k.ID, &k.TeamID, &k.Name, &k.Content, &k.Status, &k.CreatedAt, &k.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Knowledge{}, ErrNotFound
		}
		return Knowledge{}, fmt.Errorf("get knowledge: %w", err)
	}
	return k, nil
}

func (s *Store) SetKnowledgeStatus(ctx context.Context, knowledgeID int64, status string) error {
	q := s.sql.Update("knowledge").
		Set("status", status).
		Set("updated_at", nowExpr(s.driver)).
		Where(sq.Eq{"id": knowledgeID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build set knowledge status query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("set knowledge status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// AttachKnowledge links a knowledge source to a bot.
func (s *Store) AttachKnowledge(ctx context.Context, botID, knowledgeID int64) error {
	q := s.sql.Insert("bot_knowledge").
		Columns("bot_id", "knowledge_id").
		Values(botID, knowledgeID).
		Suffix("ON CONFLICT(bot_id, knowledge_id) DO NOTHING")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build attach knowledge query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("attach knowledge: %w", err)
	}
	return nil
}

// ReplaceKnowledgeVectors swaps a source's chunk vectors in one transaction:
// delete the old set, insert the new one in chunk order.
func (s *Store) ReplaceKnowledgeVectors(ctx context.Context, knowledgeID int64, chunks []string, embeddings [][]float64) error {
	if len(chunks) != len(embeddings) {
		return fmt.Errorf("chunk/embedding count mismatch: %d vs %d", len(chunks), len(embeddings))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reindex tx: %w", err)
	}
	defer tx.Rollback()

	del := s.sql.Delete("knowledge_vectors").Where(sq.Eq{"knowledge_id": knowledgeID})
	sqlStr, args, err := del.ToSql()
	if err != nil {
		return fmt.Errorf("build delete vectors query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("delete vectors: %w", err)
	}

	for i, chunk := range chunks {
		emb, err := json.Marshal(embeddings[i])
		if err != nil {
			return fmt.Errorf("marshal embedding %d: %w", i, err)
		}
		ins := s.sql.Insert("knowledge_vectors").
			Columns("knowledge_id", "chunk_index", "content", "embedding_json").
			Values(knowledgeID, i, chunk, string(emb))
		sqlStr, args, err := ins.ToSql()
		if err != nil {
			return fmt.Errorf("build insert vector query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
			return fmt.Errorf("insert vector %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// ListVectorsByBot returns all chunk vectors from the bot's indexed
// knowledge sources, newest source first. The id tiebreak keeps the order
// stable when sources share a creation timestamp.
func (s *Store) ListVectorsByBot(ctx context.Context, botID int64) ([]KnowledgeVector, error) {
	q := s.sql.Select("v.id", "v.knowledge_id", "v.chunk_index", "v.content", "v.embedding_json", "v.created_at").
		From("knowledge_vectors v").
		Join("bot_knowledge bk ON bk.knowledge_id = v.knowledge_id").
		Join("knowledge k ON k.id = v.knowledge_id").
		Where(sq.Eq{"bk.bot_id": botID, "k.status": KnowledgeStatusIndexed}).
		OrderBy("k.created_at DESC", "v.knowledge_id DESC", "v.chunk_index ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list vectors query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list vectors: %w", err)
	}
	defer rows.Close()

	out := make([]KnowledgeVector, 0)
	for rows.Next() {
		var v KnowledgeVector
		var embJSON string
		if err := rows.Scan(&v.ID, &v.KnowledgeID, &v.ChunkIndex, &v.Content, &embJSON, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan vector row: %w", err)
		}
		if err := json.Unmarshal([]byte(embJSON), &v.Embedding); err != nil {
			return nil, fmt.Errorf("unmarshal embedding for vector %d: %w", v.ID, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate vector rows: %w", err)
	}
	return out, nil
}

// CountVectorsByBot reports whether a bot has any indexed knowledge without
// loading the vectors.
func (s *Store) CountVectorsByBot(ctx context.Context, botID int64) (int64, error) {
	q := s.sql.Select("COUNT(*)").
		From("knowledge_vectors v").
		Join("bot_knowledge bk ON bk.knowledge_id = v.knowledge_id").
		Join("knowledge k ON k.id = v.knowledge_id").
		Where(sq.Eq{"bk.bot_id": botID, "k.status": KnowledgeStatusIndexed})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build count vectors query: %w", err)
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count vectors: %w", err)
	}
	return n, nil
}
