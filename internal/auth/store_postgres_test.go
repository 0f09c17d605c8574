package auth

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
)

func newMockUserStore(t *testing.T) (*PostgresUserStore, sqlmock.Sqlmock, func()) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error: %v", err)
	}
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS users").WillReturnResult(sqlmock.NewResult(0, 0))

	store, err := NewPostgresUserStore(db)
	if err != nil {
		db.Close()
		t.Fatalf("NewPostgresUserStore() error: %v", err)
	}
	return store, mock, func() { db.Close() }
}

func userRows(u User) *sqlmock.Rows {
	var lockedUntil any
	if u.LockedUntil != nil {
		lockedUntil = *u.LockedUntil
	}
	return sqlmock.NewRows([]string{
		"id", "username", "password_hash", "role",
		"can_create_voucher", "can_approve_voucher", "can_manage_users",
		"is_active", "failed_attempts", "locked_until", "created_at",
	}).AddRow(
		u.ID, u.Username, u.PasswordHash, string(u.Role),
		u.CanCreateVoucher, u.CanApproveVoucher, u.CanManageUsers,
		u.IsActive, u.FailedAttempts, lockedUntil, u.CreatedAt,
	)
}

func TestPostgresUserStoreFindByUsername(t *testing.T) {
	store, mock, closeDB := newMockUserStore(t)
	defer closeDB()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT (.+) FROM users WHERE username = \\$1").
		WithArgs("alice").
		WillReturnRows(userRows(User{
			ID: 7, Username: "alice", PasswordHash: "hash", Role: RoleUser,
			IsActive: true, CreatedAt: now,
		}))

	u, err := store.FindByUsername(context.Background(), "alice")
	if err != nil {
		t.Fatalf("FindByUsername() error: %v", err)
	}
	if u.ID != 7 || u.Username != "alice" || u.LockedUntil != nil {
		t.Fatalf("unexpected user: %+v", u)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations not met: %v", err)
	}
}

func TestPostgresUserStoreFindByUsernameNotFound(t *testing.T) {
	store, mock, closeDB := newMockUserStore(t)
	defer closeDB()

	mock.ExpectQuery("SELECT (.+) FROM users WHERE username = \\$1").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	if _, err := store.FindByUsername(context.Background(), "missing"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations not met: %v", err)
	}
}

func TestPostgresUserStoreInsertDuplicate(t *testing.T) {
	store, mock, closeDB := newMockUserStore(t)
	defer closeDB()

	mock.ExpectQuery("INSERT INTO users").
		WithArgs("alice", "hash", "user", false, false, false, true).
		WillReturnError(&pq.Error{Code: pq.ErrorCode(pqUniqueViolation)})

	_, err := store.Insert(context.Background(), User{
		Username: "alice", PasswordHash: "hash", Role: RoleUser, IsActive: true,
	})
	if !errors.Is(err, ErrDuplicateUsername) {
		t.Fatalf("expected ErrDuplicateUsername, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations not met: %v", err)
	}
}

func TestPostgresUserStoreRecordFailureLocks(t *testing.T) {
	store, mock, closeDB := newMockUserStore(t)
	defer closeDB()

	lockUntil := time.Date(2026, 3, 1, 9, 15, 0, 0, time.UTC)
	locked := User{
		ID: 7, Username: "bob", PasswordHash: "hash", Role: RoleUser,
		IsActive: true, FailedAttempts: 5, LockedUntil: &lockUntil,
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	mock.ExpectQuery("UPDATE users").
		WithArgs(int64(7), 5, lockUntil).
		WillReturnRows(userRows(locked))

	u, err := store.RecordFailure(context.Background(), 7, 5, lockUntil)
	if err != nil {
		t.Fatalf("RecordFailure() error: %v", err)
	}
	if u.FailedAttempts != 5 || u.LockedUntil == nil || !u.LockedUntil.Equal(lockUntil) {
		t.Fatalf("unexpected user after failure: %+v", u)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations not met: %v", err)
	}
}

func TestPostgresUserStoreResetLockout(t *testing.T) {
	store, mock, closeDB := newMockUserStore(t)
	defer closeDB()

	mock.ExpectExec("UPDATE users SET failed_attempts = 0, locked_until = NULL").
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.ResetLockout(context.Background(), 7); err != nil {
		t.Fatalf("ResetLockout() error: %v", err)
	}

	mock.ExpectExec("UPDATE users SET failed_attempts = 0, locked_until = NULL").
		WithArgs(int64(99)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.ResetLockout(context.Background(), 99); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations not met: %v", err)
	}
}

func TestPostgresUserStoreUpdateNotFound(t *testing.T) {
	store, mock, closeDB := newMockUserStore(t)
	defer closeDB()

	mock.ExpectExec("UPDATE users").
		WithArgs(int64(42), "hash", "user", false, false, false, true).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Update(context.Background(), User{
		ID: 42, PasswordHash: "hash", Role: RoleUser, IsActive: true,
	})
	if !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations not met: %v", err)
	}
}
