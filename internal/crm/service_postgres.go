package crm

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type PGService struct {
	db      *sql.DB
	nowFunc func() time.Time
}

func NewPGService(db *sql.DB) (*PGService, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	s := &PGService{db: db, nowFunc: time.Now}
	if err := s.ensureSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PGService) ensureSchema() error {
	const vendors = `
CREATE TABLE IF NOT EXISTS vendors (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	contact_person TEXT NOT NULL DEFAULT '',
	bank_name TEXT NOT NULL DEFAULT '',
	bank_account TEXT NOT NULL DEFAULT '',
	notes TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	modified_at TIMESTAMPTZ NOT NULL
)`
	const accounts = `
CREATE TABLE IF NOT EXISTS accounts (
	id TEXT PRIMARY KEY,
	code TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	type TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	modified_at TIMESTAMPTZ NOT NULL
)`
	if _, err := s.db.Exec(vendors); err != nil {
		return fmt.Errorf("ensure vendors schema: %w", err)
	}
	if _, err := s.db.Exec(accounts); err != nil {
		return fmt.Errorf("ensure accounts schema: %w", err)
	}
	return nil
}

func (s *PGService) UpsertVendor(ctx context.Context, v Vendor) (Vendor, error) {
	if err := validateVendor(v); err != nil {
		return Vendor{}, err
	}
	v.Name = strings.TrimSpace(v.Name)
	now := s.nowFunc().UTC()

	const q = `
INSERT INTO vendors (id, name, contact_person, bank_name, bank_account, notes, created_at, modified_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
ON CONFLICT (name) DO UPDATE
SET contact_person = EXCLUDED.contact_person,
	bank_name = EXCLUDED.bank_name,
	bank_account = EXCLUDED.bank_account,
	notes = EXCLUDED.notes,
	modified_at = EXCLUDED.modified_at
RETURNING id, created_at`
	err := s.db.QueryRowContext(ctx, q,
		uuid.NewString(), v.Name, v.ContactPerson, v.BankName, v.BankAccount, v.Notes, now,
	).Scan(&v.ID, &v.CreatedAt)
	if err != nil {
		return Vendor{}, fmt.Errorf("upsert vendor: %w", err)
	}
	v.ModifiedAt = now
	return v, nil
}

func (s *PGService) ListVendors(ctx context.Context) ([]Vendor, error) {
	const q = `
SELECT id, name, contact_person, bank_name, bank_account, notes, created_at, modified_at
FROM vendors ORDER BY name`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list vendors: %w", err)
	}
	defer rows.Close()

	out := make([]Vendor, 0)
	for rows.Next() {
		var v Vendor
		if err := rows.Scan(&v.ID, &v.Name, &v.ContactPerson, &v.BankName, &v.BankAccount, &v.Notes, &v.CreatedAt, &v.ModifiedAt); err != nil {
			return nil, fmt.Errorf("scan vendor: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate vendors: %w", err)
	}
	return out, nil
}

func (s *PGService) DeleteVendor(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM vendors WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete vendor: %w", err)
	}
	return requireRow(res)
}

func (s *PGService) UpsertAccount(ctx context.Context, a Account) (Account, error) {
	if err := validateAccount(a); err != nil {
		return Account{}, err
	}
	a.Code = strings.TrimSpace(a.Code)
	a.Name = strings.TrimSpace(a.Name)
	a.Type = strings.ToLower(strings.TrimSpace(a.Type))
	now := s.nowFunc().UTC()

	const q = `
INSERT INTO accounts (id, code, name, type, created_at, modified_at)
VALUES ($1, $2, $3, $4, $5, $5)
ON CONFLICT (code) DO UPDATE
SET name = EXCLUDED.name,
	type = EXCLUDED.type,
	modified_at = EXCLUDED.modified_at
RETURNING id, created_at`
	err := s.db.QueryRowContext(ctx, q, uuid.NewString(), a.Code, a.Name, a.Type, now).Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		return Account{}, fmt.Errorf("upsert account: %w", err)
	}
	a.ModifiedAt = now
	return a, nil
}

func (s *PGService) ListAccounts(ctx context.Context, accountType string) ([]Account, error) {
	accountType = strings.ToLower(strings.TrimSpace(accountType))

	var rows *sql.Rows
	var err error
	if accountType == "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, code, name, type, created_at, modified_at FROM accounts ORDER BY code`)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, code, name, type, created_at, modified_at FROM accounts WHERE type = $1 ORDER BY code`, accountType)
	}
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	out := make([]Account, 0)
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.ID, &a.Code, &a.Name, &a.Type, &a.CreatedAt, &a.ModifiedAt); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate accounts: %w", err)
	}
	return out, nil
}

func (s *PGService) DeleteAccount(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
