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

func newMockSessionStore(t *testing.T) (*PostgresSessionStore, sqlmock.Sqlmock, func()) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error: %v", err)
	}
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS user_sessions").WillReturnResult(sqlmock.NewResult(0, 0))

	store, err := NewPostgresSessionStore(db)
	if err != nil {
		db.Close()
		t.Fatalf("NewPostgresSessionStore() error: %v", err)
	}
	return store, mock, func() { db.Close() }
}

func TestPostgresSessionStoreCreateAndGet(t *testing.T) {
	store, mock, closeDB := newMockSessionStore(t)
	defer closeDB()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	sess := Session{
		ID: "s-1", UserID: 7, Token: "tok",
		CreatedAt: now, ExpiresAt: now.Add(24 * time.Hour), IsActive: true,
	}

	mock.ExpectExec("INSERT INTO user_sessions").
		WithArgs("s-1", int64(7), "tok", sess.CreatedAt, sess.ExpiresAt, true).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := store.Create(context.Background(), sess); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	mock.ExpectQuery("SELECT id, user_id, token, created_at, expires_at, is_active").
		WithArgs("tok").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "token", "created_at", "expires_at", "is_active"}).
			AddRow("s-1", int64(7), "tok", sess.CreatedAt, sess.ExpiresAt, true))

	got, err := store.GetByToken(context.Background(), "tok")
	if err != nil {
		t.Fatalf("GetByToken() error: %v", err)
	}
	if got.ID != "s-1" || got.UserID != 7 || !got.IsActive {
		t.Fatalf("unexpected session: %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations not met: %v", err)
	}
}

func TestPostgresSessionStoreTokenCollision(t *testing.T) {
	store, mock, closeDB := newMockSessionStore(t)
	defer closeDB()

	mock.ExpectExec("INSERT INTO user_sessions").
		WillReturnError(&pq.Error{Code: pq.ErrorCode(pqUniqueViolation)})

	err := store.Create(context.Background(), Session{ID: "s-1", UserID: 7, Token: "tok"})
	if !errors.Is(err, ErrTokenCollision) {
		t.Fatalf("expected ErrTokenCollision, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations not met: %v", err)
	}
}

func TestPostgresSessionStoreGetByTokenNotFound(t *testing.T) {
	store, mock, closeDB := newMockSessionStore(t)
	defer closeDB()

	mock.ExpectQuery("SELECT id, user_id, token, created_at, expires_at, is_active").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	if _, err := store.GetByToken(context.Background(), "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations not met: %v", err)
	}
}

func TestPostgresSessionStoreDeactivateAllForUser(t *testing.T) {
	store, mock, closeDB := newMockSessionStore(t)
	defer closeDB()

	mock.ExpectExec("UPDATE user_sessions SET is_active = FALSE WHERE user_id = \\$1").
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 3))

	if err := store.DeactivateAllForUser(context.Background(), 7); err != nil {
		t.Fatalf("DeactivateAllForUser() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations not met: %v", err)
	}
}
