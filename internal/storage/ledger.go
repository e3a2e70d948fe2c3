package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

func (s *Store) CreateTeam(ctx context.Context, name string) (int64, error) {
	q := s.sql.Insert("teams").Columns("name").Values(name)
	if s.driver == "postgres" {
		q = q.Suffix("RETURNING id")
		sqlStr, args, err := q.ToSql()
		if err != nil {
			return 0, fmt.Errorf("build create team query: %w", err)
		}
		var id int64
		if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&id); err != nil {
			return 0, fmt.Errorf("create team: %w", err)
		}
		return id, nil
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build create team query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, fmt.Errorf("create team: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("create team id: %w", err)
	}
	return id, nil
}

func (s *Store) GetTeam(ctx context.Context, teamID int64) (Team, error) {
	q := s.sql.Select("id", "name", "created_at").From("teams").Where(sq.Eq{"id": teamID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Team{}, fmt.Errorf("build get team query: %w", err)
	}
	var t Team
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&t.ID, &t.Name, &t.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Team{}, ErrNotFound
		}
		return Team{}, fmt.Errorf("get team: %w", err)
	}
	return t, nil
}

// BalanceMicro returns the team's credit balance in micro-credits. A team
// with no balance row has zero credits.
func (s *Store) BalanceMicro(ctx context.Context, teamID int64) (int64, error) {
	q := s.sql.Select("amount_micro").From("balances").Where(sq.Eq{"team_id": teamID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build balance query: %w", err)
	}
	var amount int64
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&amount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return amount, nil
}

// AddCredits credits a team's balance and records a top-up transaction.
func (s *Store) AddCredits(ctx context.Context, teamID, amountMicro int64, description string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin top-up tx: %w", err)
	}
	defer tx.Rollback()

	if err := s.ensureBalanceRow(ctx, tx, teamID); err != nil {
		return err
	}
	if err := s.adjustBalance(ctx, tx, teamID, amountMicro); err != nil {
		return err
	}

	q := s.sql.Insert("transactions").
		Columns("team_id", "type", "transaction_type", "status", "amount_micro", "description").
		Values(teamID, TransactionTypeTopUp, TransactionCredit, TransactionStatusCompleted, amountMicro, description)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build top-up insert query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("insert top-up transaction: %w", err)
	}
	return tx.Commit()
}

// RecordUsage atomically inserts a token usage row, folds the charge into
// the team's daily usage transaction and debits the balance. The balance may
// go negative; gating happens before the provider call, settlement after.
func (s *Store) RecordUsage(ctx context.Context, u TokenUsage, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin usage tx: %w", err)
	}
	defer tx.Rollback()

	insert := s.sql.Insert("token_usages").
		Columns("team_id", "bot_id", "provider", "model", "operation",
			"input_tokens", "output_tokens", "total_tokens", "tokens_per_second", "credits_micro").
		Values(u.TeamID, u.BotID, u.Provider, u.Model, u.Operation,
			u.InputTokens, u.OutputTokens, u.TotalTokens, u.TokensPerSecond, u.CreditsMicro)
	sqlStr, args, err := insert.ToSql()
	if err != nil {
		return fmt.Errorf("build usage insert query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("insert token usage: %w", err)
	}

	// One aggregated debit transaction per team per day.
	desc := "AI usage credits - " + now.UTC().Format("2006-01-02")
	update := s.sql.Update("transactions").
		Set("amount_micro", sq.Expr("amount_micro + ?", u.CreditsMicro)).
		Where(sq.Eq{"team_id": u.TeamID, "type": TransactionTypeUsage, "description": desc})
	sqlStr, args, err = update.ToSql()
	if err != nil {
		return fmt.Errorf("build usage tx update query: %w", err)
	}
	res, err := tx.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("update usage transaction: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		ins := s.sql.Insert("transactions").
			Columns("team_id", "type", "transaction_type", "status", "amount_micro", "description").
			Values(u.TeamID, TransactionTypeUsage, TransactionDebit, TransactionStatusCompleted, u.CreditsMicro, desc)
		sqlStr, args, err := ins.ToSql()
		if err != nil {
			return fmt.Errorf("build usage tx insert query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
			return fmt.Errorf("insert usage transaction: %w", err)
		}
	}

	if err := s.ensureBalanceRow(ctx, tx, u.TeamID); err != nil {
		return err
	}
	if err := s.adjustBalance(ctx, tx, u.TeamID, -u.CreditsMicro); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) ensureBalanceRow(ctx context.Context, tx *sql.Tx, teamID int64) error {
	q := s.sql.Insert("balances").
		Columns("team_id", "amount_micro").
		Values(teamID, 0).
		Suffix("ON CONFLICT(team_id) DO NOTHING")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build ensure balance query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("ensure balance row: %w", err)
	}
	return nil
}

func (s *Store) adjustBalance(ctx context.Context, tx *sql.Tx, teamID, deltaMicro int64) error {
	q := s.sql.Update("balances").
		Set("amount_micro", sq.Expr("amount_micro + ?", deltaMicro)).
		Set("updated_at", nowExpr(s.driver)).
		Where(sq.Eq{"team_id": teamID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build balance update query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("adjust balance: %w", err)
	}
	return nil
}

// UsageTransaction fetches the aggregated usage transaction for one day.
func (s *Store) UsageTransaction(ctx context.Context, teamID int64, day time.Time) (Transaction, error) {
	desc := "AI usage credits - " + day.UTC().Format("2006-01-02")
	q := s.sql.Select("id", "team_id", "type", "transaction_type", "status",
		"amount_micro", "description", "external_id", "expired_at", "created_at").
		From("transactions").
		Where(sq.Eq{"team_id": teamID, "type": TransactionTypeUsage, "description": desc})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Transaction{}, fmt.Errorf("build usage tx query: %w", err)
	}
	var (
		t          Transaction
		externalID sql.NullString
		expiredAt  sql.NullTime
	)
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&t.ID, &t.TeamID, &t.Type, &t.TransactionType, &t.Status,
		&t.AmountMicro, &t.Description, &externalID, &expiredAt, &t.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Transaction{}, ErrNotFound
		}
		return Transaction{}, fmt.Errorf("get usage transaction: %w", err)
	}
	if externalID.Valid {
		t.ExternalID = &externalID.String
	}
	if expiredAt.Valid {
		t.ExpiredAt = &expiredAt.Time
	}
	return t, nil
}

// ListUsages returns a team's token usage rows, newest first.
func (s *Store) ListUsages(ctx context.Context, teamID int64, limit uint64) ([]TokenUsage, error) {
	q := s.sql.Select("id", "team_id", "bot_id", "provider", "model", "operation",
		"input_tokens", "output_tokens", "total_tokens", "tokens_per_second", "credits_micro", "created_at").
		From("token_usages").
		Where(sq.Eq{"team_id": teamID}).
		OrderBy("created_at DESC", "id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list usages query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list usages: %w", err)
	}
	defer rows.Close()

	out := make([]TokenUsage, 0)
	for rows.Next() {
		var u TokenUsage
		if err := rows.Scan(&u.ID, &u.TeamID, &u.BotID, &u.Provider, &u.Model, &u.Operation,
			&u.InputTokens, &u.OutputTokens, &u.TotalTokens, &u.TokensPerSecond, &u.CreditsMicro, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan usage row: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usage rows: %w", err)
	}
	return out, nil
}
