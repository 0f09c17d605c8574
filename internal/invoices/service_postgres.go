package invoices

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
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
	const q = `
CREATE TABLE IF NOT EXISTS invoices (
	id TEXT PRIMARY KEY,
	invoice_number TEXT NOT NULL,
	vendor_invoice_number TEXT NOT NULL DEFAULT '',
	vendor TEXT NOT NULL,
	summary TEXT NOT NULL DEFAULT '',
	currency TEXT NOT NULL DEFAULT 'NGN',
	total_amount TEXT NOT NULL DEFAULT '0',
	terms TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	last_modified TIMESTAMPTZ NOT NULL
)`
	if _, err := s.db.Exec(q); err != nil {
		return fmt.Errorf("ensure invoices schema: %w", err)
	}
	return nil
}

const invoiceColumns = `id, invoice_number, vendor_invoice_number, vendor, summary, currency, total_amount, terms, created_at, last_modified`

func (s *PGService) Create(ctx context.Context, inv Invoice) (Invoice, error) {
	if err := validate(inv); err != nil {
		return Invoice{}, err
	}
	now := s.nowFunc().UTC()
	inv.ID = uuid.NewString()
	inv.CreatedAt = now
	inv.LastModified = now
	if inv.Currency == "" {
		inv.Currency = "NGN"
	}

	const q = `
INSERT INTO invoices (id, invoice_number, vendor_invoice_number, vendor, summary, currency, total_amount, terms, created_at, last_modified)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)`
	if _, err := s.db.ExecContext(ctx, q,
		inv.ID, inv.InvoiceNumber, inv.VendorInvoiceNumber, inv.Vendor, inv.Summary,
		inv.Currency, inv.TotalAmount, inv.Terms, now,
	); err != nil {
		return Invoice{}, fmt.Errorf("insert invoice: %w", err)
	}
	return inv, nil
}

func (s *PGService) List(ctx context.Context) ([]Invoice, error) {
	q := `SELECT ` + invoiceColumns + ` FROM invoices ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}
	defer rows.Close()

	out := make([]Invoice, 0)
	for rows.Next() {
		var inv Invoice
		if err := rows.Scan(
			&inv.ID, &inv.InvoiceNumber, &inv.VendorInvoiceNumber, &inv.Vendor, &inv.Summary,
			&inv.Currency, &inv.TotalAmount, &inv.Terms, &inv.CreatedAt, &inv.LastModified,
		); err != nil {
			return nil, fmt.Errorf("scan invoice: %w", err)
		}
		out = append(out, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate invoices: %w", err)
	}
	return out, nil
}

func (s *PGService) Get(ctx context.Context, id string) (Invoice, error) {
	q := `SELECT ` + invoiceColumns + ` FROM invoices WHERE id = $1`
	var inv Invoice
	err := s.db.QueryRowContext(ctx, q, id).Scan(
		&inv.ID, &inv.InvoiceNumber, &inv.VendorInvoiceNumber, &inv.Vendor, &inv.Summary,
		&inv.Currency, &inv.TotalAmount, &inv.Terms, &inv.CreatedAt, &inv.LastModified,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Invoice{}, ErrNotFound
		}
		return Invoice{}, fmt.Errorf("query invoice: %w", err)
	}
	return inv, nil
}

func (s *PGService) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM invoices WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete invoice: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete invoice rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
