package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

const toolColumns = "id, team_id, bot_id, name, description, method, url, " +
	"headers_json, query_json, params_json, body_template, active, created_at"

func (s *Store) CreateTool(ctx context.Context, t Tool) (int64, error) {
	if t.Method == "" {
		t.Method = "POST"
	}
	if t.HeadersJSON == "" {
		t.HeadersJSON = "{}"
	}
	if t.QueryJSON == "" {
		t.QueryJSON = "{}"
	}
	if t.ParamsJSON == "" {
		t.ParamsJSON = "[]"
	}
	q := s.sql.Insert("tools").
		Columns("team_id", "bot_id", "name", "description", "method", "url",
			"headers_json", "query_json", "params_json", "body_template", "active").
		Values(t.TeamID, t.BotID, t.Name, t.Description, t.Method, t.URL,
			t.HeadersJSON, t.QueryJSON, t.ParamsJSON, t.BodyTemplate, t.Active)
	if s.driver == "postgres" {
		q = q.Suffix("RETURNING id")
		sqlStr, args, err := q.ToSql()
		if err != nil {
			return 0, fmt.Errorf("build create tool query: %w", err)
		}
		var id int64
		if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&id); err != nil {
			return 0, fmt.Errorf("create tool: %w", err)
		}
		return id, nil
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build create tool query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, fmt.Errorf("create tool: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("create tool id: %w", err)
	}
	return id, nil
}

func (s *Store) GetTool(ctx context.Context, toolID int64) (Tool, error) {
	q := s.sql.Select(toolColumns).From("tools").Where(sq.Eq{"id": toolID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Tool{}, fmt.Errorf("build get tool query: %w", err)
	}
	t, err := scanTool(s.db.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Tool{}, ErrNotFound
		}
		return Tool{}, fmt.Errorf("get tool: %w", err)
	}
	return t, nil
}

func (s *Store) ListActiveToolsByBot(ctx context.Context, botID int64) ([]Tool, error) {
	q := s.sql.Select(toolColumns).
		From("tools").
		Where(sq.Eq{"bot_id": botID, "active": true}).
		OrderBy("created_at ASC", "id ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list tools query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	defer rows.Close()

	out := make([]Tool, 0)
	for rows.Next() {
		t, err := scanTool(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tool row: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tool rows: %w", err)
	}
	return out, nil
}

func (s *Store) SetToolActive(ctx context.Context, toolID int64, active bool) error {
	q := s.sql.Update("tools").Set("active", active).Where(sq.Eq{"id": toolID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build set tool active query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("set tool active: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanTool(row rowScanner) (Tool, error) {
	var t Tool
	if err := row.Scan(
		&t.ID, &t.TeamID, &t.BotID, &t.Name, &t.Description, &t.Method, &t.URL,
		&t.HeadersJSON, &t.QueryJSON, &t.ParamsJSON, &t.BodyTemplate, &t.Active, &t.CreatedAt,
	); err != nil {
		return Tool{}, err
	}
	return t, nil
}

// CreateToolExecution records the start of a tool invocation.
func (s *Store) CreateToolExecution(ctx context.Context, toolID, botID int64, inputJSON string) (int64, error) {
	if inputJSON == "" {
		inputJSON = "{}"
	}
	q := s.sql.Insert("tool_executions").
		Columns("tool_id", "bot_id", "status", "input_json").
		Values(toolID, botID, ExecutionStatusInProgress, inputJSON)
	if s.driver == "postgres" {
		q = q.Suffix("RETURNING id")
		sqlStr, args, err := q.ToSql()
		if err != nil {
			return 0, fmt.Errorf("build create execution query: %w", err)
		}
		var id int64
		if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&id); err != nil {
			return 0, fmt.Errorf("create execution: %w", err)
		}
		return id, nil
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build create execution query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, fmt.Errorf("create execution: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("create execution id: %w", err)
	}
	return id, nil
}

// FinishToolExecution moves an execution to its terminal status exactly once.
func (s *Store) FinishToolExecution(ctx context.Context, executionID int64, status, outputJSON string, durationMS int64) error {
	q := s.sql.Update("tool_executions").
		Set("status", status).
		Set("output_json", outputJSON).
		Set("duration_ms", durationMS).
		Where(sq.Eq{"id": executionID, "status": ExecutionStatusInProgress})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build finish execution query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("finish execution: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) GetToolExecution(ctx context.Context, executionID int64) (ToolExecution, error) {
	q := s.sql.Select("id", "tool_id", "bot_id", "status", "input_json", "output_json", "duration_ms", "created_at").
		From("tool_executions").
		Where(sq.Eq{"id": executionID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return ToolExecution{}, fmt.Errorf("build get execution query: %w", err)
	}
	var e ToolExecution
	var output sql.NullString
	var duration sql.NullInt64
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&e.ID, &e.ToolID, &e.BotID, &e.Status, &e.InputJSON, &output, &duration, &e.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ToolExecution{}, ErrNotFound
		}
		return ToolExecution{}, fmt.Errorf("get execution: %w", err)
	}
	if output.Valid {
		e.OutputJSON = &output.String
	}
	if duration.Valid {
		e.DurationMS = &duration.Int64
	}
	return e, nil
}
