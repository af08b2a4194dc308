package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) (User, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, username, email, password_hash, xp, level)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`, user.ID, user.Username, user.Email, user.PasswordHash, user.XP, user.Level).Scan(&user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return User{}, ErrUsernameTaken
		}
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, username, email, password_hash, xp, level, created_at, updated_at
		FROM users WHERE username = $1
	`, username))
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, username, email, password_hash, xp, level, created_at, updated_at
		FROM users WHERE id = $1
	`, userID))
}

func (s *PostgresStore) UpdateProgress(ctx context.Context, userID string, progress Progress) (User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		UPDATE users
		SET xp = COALESCE($2, xp),
		    level = COALESCE($3, level),
		    updated_at = NOW()
		WHERE id = $1
		RETURNING id, username, email, password_hash, xp, level, created_at, updated_at
	`, userID, nullableInt(progress.XP), nullableInt(progress.Level)))
}

func (s *PostgresStore) AppendErrorReport(ctx context.Context, userID string, report ErrorReport) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin report tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `INSERT INTO error_reports (user_id, report) VALUES ($1, $2::jsonb)`, userID, string(payload)); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return ErrNotFound
		}
		return fmt.Errorf("insert report: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM error_reports
		WHERE user_id = $1 AND id NOT IN (
			SELECT id FROM error_reports WHERE user_id = $1 ORDER BY id DESC LIMIT $2
		)
	`, userID, MaxErrorReports); err != nil {
		return fmt.Errorf("trim reports: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit report: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListErrorReports(ctx context.Context, userID string) ([]ErrorReport, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT report FROM error_reports WHERE user_id = $1 ORDER BY id ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	reports := []ErrorReport{}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		var report ErrorReport
		if err := json.Unmarshal(raw, &report); err != nil {
			return nil, fmt.Errorf("decode report: %w", err)
		}
		reports = append(reports, report)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reports: %w", err)
	}
	return reports, nil
}

func (s *PostgresStore) scanUser(row *sql.Row) (User, error) {
	var user User
	err := row.Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.XP, &user.Level, &user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("scan user: %w", err)
	}
	return user, nil
}

func nullableInt(value *int) sql.NullInt64 {
	if value == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*value), Valid: true}
}
