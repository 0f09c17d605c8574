package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

type PostgresSessionStore struct {
	db *sql.DB
}

func NewPostgresSessionStore(db *sql.DB) (*PostgresSessionStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	s := &PostgresSessionStore{db: db}
	if err := s.ensureSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresSessionStore) ensureSchema() error {
	const q = `
CREATE TABLE IF NOT EXISTS user_sessions (
	id TEXT PRIMARY KEY,
	user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	token TEXT NOT NULL UNIQUE,
	created_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	is_active BOOLEAN NOT NULL DEFAULT TRUE
)`
	if _, err := s.db.Exec(q); err != nil {
		return fmt.Errorf("ensure user_sessions schema: %w", err)
	}
	return nil
}

func (s *PostgresSessionStore) Create(ctx context.Context, sess Session) error {
	const q = `
INSERT INTO user_sessions (id, user_id, token, created_at, expires_at, is_active)
VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := s.db.ExecContext(ctx, q, sess.ID, sess.UserID, sess.Token, sess.CreatedAt, sess.ExpiresAt, sess.IsActive)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pqUniqueViolation {
			return ErrTokenCollision
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *PostgresSessionStore) GetByToken(ctx context.Context, token string) (Session, error) {
	const q = `
SELECT id, user_id, token, created_at, expires_at, is_active
FROM user_sessions WHERE token = $1`
	var sess Session
	err := s.db.QueryRowContext(ctx, q, token).Scan(
		&sess.ID, &sess.UserID, &sess.Token, &sess.CreatedAt, &sess.ExpiresAt, &sess.IsActive,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrSessionNotFound
		}
		return Session{}, fmt.Errorf("query session: %w", err)
	}
	return sess, nil
}

func (s *PostgresSessionStore) Deactivate(ctx context.Context, token string) error {
	const q = `UPDATE user_sessions SET is_active = FALSE WHERE token = $1`
	if _, err := s.db.ExecContext(ctx, q, token); err != nil {
		return fmt.Errorf("deactivate session: %w", err)
	}
	return nil
}

func (s *PostgresSessionStore) DeactivateAllForUser(ctx context.Context, userID int64) error {
	const q = `UPDATE user_sessions SET is_active = FALSE WHERE user_id = $1 AND is_active`
	if _, err := s.db.ExecContext(ctx, q, userID); err != nil {
		return fmt.Errorf("deactivate user sessions: %w", err)
	}
	return nil
}

func (s *PostgresSessionStore) ListActive(ctx context.Context) ([]Session, error) {
	const q = `
SELECT id, user_id, token, created_at, expires_at, is_active
FROM user_sessions WHERE is_active ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := make([]Session, 0)
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.Token, &sess.CreatedAt, &sess.ExpiresAt, &sess.IsActive); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}
