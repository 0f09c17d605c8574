package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresRecorder appends to the audit_log table. Reading entries back is a
// DB browser concern, not this package's.
type PostgresRecorder struct {
	db *sql.DB

	nowFunc func() time.Time
}

func NewPostgresRecorder(db *sql.DB) (*PostgresRecorder, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	r := &PostgresRecorder{db: db, nowFunc: time.Now}
	if err := r.ensureSchema(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *PostgresRecorder) ensureSchema() error {
	const q = `
CREATE TABLE IF NOT EXISTS audit_log (
	id BIGSERIAL PRIMARY KEY,
	at TIMESTAMPTZ NOT NULL,
	actor_user_id BIGINT NULL,
	kind TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT ''
)`
	if _, err := r.db.Exec(q); err != nil {
		return fmt.Errorf("ensure audit_log schema: %w", err)
	}
	return nil
}

func (r *PostgresRecorder) Record(ctx context.Context, actorID *int64, kind, detail string) error {
	const q = `INSERT INTO audit_log (at, actor_user_id, kind, detail) VALUES ($1, $2, $3, $4)`
	var actor sql.NullInt64
	if actorID != nil {
		actor = sql.NullInt64{Int64: *actorID, Valid: true}
	}
	if _, err := r.db.ExecContext(ctx, q, r.nowFunc().UTC(), actor, kind, detail); err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}
