package vouchers

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
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
	const vouchersDDL = `
CREATE TABLE IF NOT EXISTS vouchers (
	id TEXT PRIMARY KEY,
	voucher_number TEXT NOT NULL UNIQUE,
	vendor TEXT NOT NULL,
	requester TEXT NOT NULL,
	invoice_ref TEXT NOT NULL DEFAULT '',
	currency TEXT NOT NULL DEFAULT 'NGN',
	status TEXT NOT NULL DEFAULT 'draft',
	created_at TIMESTAMPTZ NOT NULL,
	last_modified TIMESTAMPTZ NOT NULL,
	approved_by TEXT NOT NULL DEFAULT '',
	approved_at TIMESTAMPTZ NULL
)`
	const linesDDL = `
CREATE TABLE IF NOT EXISTS voucher_lines (
	id BIGSERIAL PRIMARY KEY,
	voucher_id TEXT NOT NULL REFERENCES vouchers(id) ON DELETE CASCADE,
	line_no INTEGER NOT NULL,
	description TEXT NOT NULL,
	account_name TEXT NOT NULL,
	amount TEXT NOT NULL DEFAULT '0'
)`
	if _, err := s.db.Exec(vouchersDDL); err != nil {
		return fmt.Errorf("ensure vouchers schema: %w", err)
	}
	if _, err := s.db.Exec(linesDDL); err != nil {
		return fmt.Errorf("ensure voucher_lines schema: %w", err)
	}
	return nil
}

func (s *PGService) nextVoucherNumber(ctx context.Context, tx *sql.Tx, year int) (string, error) {
	prefix := fmt.Sprintf("VCH-%d-", year)
	const q = `
SELECT voucher_number FROM vouchers
WHERE voucher_number LIKE $1
ORDER BY voucher_number DESC
LIMIT 1`
	var last string
	err := tx.QueryRowContext(ctx, q, prefix+"%").Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return voucherNumber(year, 1), nil
	}
	if err != nil {
		return "", fmt.Errorf("query last voucher number: %w", err)
	}
	seq, err := strconv.Atoi(strings.TrimPrefix(last, prefix))
	if err != nil {
		return voucherNumber(year, 1), nil
	}
	return voucherNumber(year, seq+1), nil
}

func (s *PGService) Create(ctx context.Context, v Voucher) (Voucher, error) {
	if err := validate(v); err != nil {
		return Voucher{}, err
	}
	now := s.nowFunc().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Voucher{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if strings.TrimSpace(v.VoucherNumber) == "" {
		v.VoucherNumber, err = s.nextVoucherNumber(ctx, tx, now.Year())
		if err != nil {
			return Voucher{}, err
		}
	}
	v.ID = uuid.NewString()
	v.Status = StatusDraft
	v.CreatedAt = now
	v.LastModified = now
	v.ApprovedBy = ""
	v.ApprovedAt = nil
	if v.Currency == "" {
		v.Currency = "NGN"
	}

	const insertVoucher = `
INSERT INTO vouchers (id, voucher_number, vendor, requester, invoice_ref, currency, status, created_at, last_modified)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`
	if _, err := tx.ExecContext(ctx, insertVoucher,
		v.ID, v.VoucherNumber, v.Vendor, v.Requester, v.InvoiceRef, v.Currency, v.Status, now,
	); err != nil {
		return Voucher{}, fmt.Errorf("insert voucher: %w", err)
	}

	const insertLine = `
INSERT INTO voucher_lines (voucher_id, line_no, description, account_name, amount)
VALUES ($1, $2, $3, $4, $5)`
	for i, l := range v.Lines {
		if l.LineNo == 0 {
			l.LineNo = i + 1
			v.Lines[i].LineNo = l.LineNo
		}
		if _, err := tx.ExecContext(ctx, insertLine, v.ID, l.LineNo, l.Description, l.AccountName, l.Amount); err != nil {
			return Voucher{}, fmt.Errorf("insert voucher line: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Voucher{}, fmt.Errorf("commit voucher: %w", err)
	}
	return v, nil
}

const voucherColumns = `id, voucher_number, vendor, requester, invoice_ref, currency, status, created_at, last_modified, approved_by, approved_at`

func scanVoucher(scan func(dest ...any) error) (Voucher, error) {
	var v Voucher
	var approvedAt sql.NullTime
	err := scan(
		&v.ID, &v.VoucherNumber, &v.Vendor, &v.Requester, &v.InvoiceRef,
		&v.Currency, &v.Status, &v.CreatedAt, &v.LastModified, &v.ApprovedBy, &approvedAt,
	)
	if err != nil {
		return Voucher{}, err
	}
	if approvedAt.Valid {
		t := approvedAt.Time
		v.ApprovedAt = &t
	}
	return v, nil
}

func (s *PGService) List(ctx context.Context) ([]Voucher, error) {
	q := `SELECT ` + voucherColumns + ` FROM vouchers ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list vouchers: %w", err)
	}
	defer rows.Close()

	out := make([]Voucher, 0)
	for rows.Next() {
		v, err := scanVoucher(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan voucher: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate vouchers: %w", err)
	}
	return out, nil
}

func (s *PGService) Get(ctx context.Context, id string) (Voucher, error) {
	q := `SELECT ` + voucherColumns + ` FROM vouchers WHERE id = $1`
	v, err := scanVoucher(s.db.QueryRowContext(ctx, q, id).Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Voucher{}, ErrNotFound
		}
		return Voucher{}, fmt.Errorf("query voucher: %w", err)
	}

	const linesQ = `
SELECT line_no, description, account_name, amount
FROM voucher_lines WHERE voucher_id = $1 ORDER BY line_no`
	rows, err := s.db.QueryContext(ctx, linesQ, id)
	if err != nil {
		return Voucher{}, fmt.Errorf("query voucher lines: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var l Line
		if err := rows.Scan(&l.LineNo, &l.Description, &l.AccountName, &l.Amount); err != nil {
			return Voucher{}, fmt.Errorf("scan voucher line: %w", err)
		}
		v.Lines = append(v.Lines, l)
	}
	if err := rows.Err(); err != nil {
		return Voucher{}, fmt.Errorf("iterate voucher lines: %w", err)
	}
	return v, nil
}

func (s *PGService) ChangeStatus(ctx context.Context, id string, to Status, actor string) (Voucher, error) {
	now := s.nowFunc().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Voucher{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	q := `SELECT ` + voucherColumns + ` FROM vouchers WHERE id = $1 FOR UPDATE`
	v, err := scanVoucher(tx.QueryRowContext(ctx, q, id).Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Voucher{}, ErrNotFound
		}
		return Voucher{}, fmt.Errorf("query voucher: %w", err)
	}
	if !canTransition(v.Status, to) {
		return Voucher{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, v.Status, to)
	}

	v.Status = to
	v.LastModified = now
	switch to {
	case StatusApproved:
		v.ApprovedBy = actor
		at := now
		v.ApprovedAt = &at
	case StatusDraft:
		v.ApprovedBy = ""
		v.ApprovedAt = nil
	}

	var approvedAt sql.NullTime
	if v.ApprovedAt != nil {
		approvedAt = sql.NullTime{Time: *v.ApprovedAt, Valid: true}
	}
	const update = `
UPDATE vouchers
SET status = $2, last_modified = $3, approved_by = $4, approved_at = $5
WHERE id = $1`
	if _, err := tx.ExecContext(ctx, update, v.ID, v.Status, v.LastModified, v.ApprovedBy, approvedAt); err != nil {
		return Voucher{}, fmt.Errorf("update voucher status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Voucher{}, fmt.Errorf("commit status change: %w", err)
	}
	return v, nil
}

func (s *PGService) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM vouchers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete voucher: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete voucher rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
