package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

const pqUniqueViolation = "23505"

type PostgresUserStore struct {
	db *sql.DB
}

func NewPostgresUserStore(db *sql.DB) (*PostgresUserStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	s := &PostgresUserStore{db: db}
	if err := s.ensureSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresUserStore) ensureSchema() error {
	const q = `
CREATE TABLE IF NOT EXISTS users (
	id BIGSERIAL PRIMARY KEY,
	username TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	role TEXT NOT NULL DEFAULT 'user',
	can_create_voucher BOOLEAN NOT NULL DEFAULT FALSE,
	can_approve_voucher BOOLEAN NOT NULL DEFAULT FALSE,
	can_manage_users BOOLEAN NOT NULL DEFAULT FALSE,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	failed_attempts INTEGER NOT NULL DEFAULT 0,
	locked_until TIMESTAMPTZ NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
	if _, err := s.db.Exec(q); err != nil {
		return fmt.Errorf("ensure users schema: %w", err)
	}
	return nil
}

const userColumns = `id, username, password_hash, role, can_create_voucher, can_approve_voucher, can_manage_users, is_active, failed_attempts, locked_until, created_at`

func scanUser(row *sql.Row) (User, error) {
	var u User
	var lockedUntil sql.NullTime
	err := row.Scan(
		&u.ID, &u.Username, &u.PasswordHash, &u.Role,
		&u.CanCreateVoucher, &u.CanApproveVoucher, &u.CanManageUsers,
		&u.IsActive, &u.FailedAttempts, &lockedUntil, &u.CreatedAt,
	)
	if err != nil {
		return User{}, err
	}
	if lockedUntil.Valid {
		t := lockedUntil.Time
		u.LockedUntil = &t
	}
	return u, nil
}

func (s *PostgresUserStore) FindByUsername(ctx context.Context, username string) (User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return User{}, ErrUserNotFound
	}

	q := `SELECT ` + userColumns + ` FROM users WHERE username = $1`
	u, err := scanUser(s.db.QueryRowContext(ctx, q, username))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("query user by username: %w", err)
	}
	return u, nil
}

func (s *PostgresUserStore) FindByID(ctx context.Context, id int64) (User, error) {
	q := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	u, err := scanUser(s.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("query user by id: %w", err)
	}
	return u, nil
}

func (s *PostgresUserStore) Insert(ctx context.Context, u User) (int64, error) {
	const q = `
INSERT INTO users (username, password_hash, role, can_create_voucher, can_approve_voucher, can_manage_users, is_active)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id`
	var id int64
	err := s.db.QueryRowContext(ctx, q,
		u.Username, u.PasswordHash, u.Role,
		u.CanCreateVoucher, u.CanApproveVoucher, u.CanManageUsers, u.IsActive,
	).Scan(&id)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pqUniqueViolation {
			return 0, ErrDuplicateUsername
		}
		return 0, fmt.Errorf("insert user: %w", err)
	}
	return id, nil
}

func (s *PostgresUserStore) Update(ctx context.Context, u User) error {
	const q = `
UPDATE users
SET password_hash = $2,
	role = $3,
	can_create_voucher = $4,
	can_approve_voucher = $5,
	can_manage_users = $6,
	is_active = $7
WHERE id = $1`
	res, err := s.db.ExecContext(ctx, q,
		u.ID, u.PasswordHash, u.Role,
		u.CanCreateVoucher, u.CanApproveVoucher, u.CanManageUsers, u.IsActive,
	)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update user rows affected: %w", err)
	}
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (s *PostgresUserStore) List(ctx context.Context) ([]User, error) {
	q := `SELECT ` + userColumns + ` FROM users ORDER BY username`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	out := make([]User, 0)
	for rows.Next() {
		var u User
		var lockedUntil sql.NullTime
		if err := rows.Scan(
			&u.ID, &u.Username, &u.PasswordHash, &u.Role,
			&u.CanCreateVoucher, &u.CanApproveVoucher, &u.CanManageUsers,
			&u.IsActive, &u.FailedAttempts, &lockedUntil, &u.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		if lockedUntil.Valid {
			t := lockedUntil.Time
			u.LockedUntil = &t
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return out, nil
}

// RecordFailure is a single UPDATE so two racing bad-password attempts can
// never both read-then-write the same counter value.
func (s *PostgresUserStore) RecordFailure(ctx context.Context, id int64, threshold int, lockUntil time.Time) (User, error) {
	const q = `
UPDATE users
SET failed_attempts = failed_attempts + 1,
	locked_until = CASE WHEN failed_attempts + 1 >= $2 THEN $3 ELSE locked_until END
WHERE id = $1
RETURNING ` + `id, username, password_hash, role, can_create_voucher, can_approve_voucher, can_manage_users, is_active, failed_attempts, locked_until, created_at`
	u, err := scanUser(s.db.QueryRowContext(ctx, q, id, threshold, lockUntil))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("record failed attempt: %w", err)
	}
	return u, nil
}

func (s *PostgresUserStore) ResetLockout(ctx context.Context, id int64) error {
	const q = `UPDATE users SET failed_attempts = 0, locked_until = NULL WHERE id = $1`
	res, err := s.db.ExecContext(ctx, q, id)
	if err != nil {
		return fmt.Errorf("reset lockout: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reset lockout rows affected: %w", err)
	}
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}
