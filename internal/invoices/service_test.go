package invoices

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCreateAndGet(t *testing.T) {
	svc := NewService()
	svc.nowFunc = func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) }

	created, err := svc.Create(context.Background(), Invoice{
		InvoiceNumber:       "INV-2026-001",
		VendorInvoiceNumber: "ACME-778",
		Vendor:              "Acme",
		TotalAmount:         "25000.00",
	})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if created.ID == "" {
		t.Fatalf("expected generated id")
	}
	if created.Currency != "NGN" {
		t.Fatalf("expected default currency NGN, got %q", created.Currency)
	}
	// Amounts pass through untouched.
	if created.TotalAmount != "25000.00" {
		t.Fatalf("expected amount preserved, got %q", created.TotalAmount)
	}

	got, err := svc.Get(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.VendorInvoiceNumber != "ACME-778" {
		t.Fatalf("unexpected invoice: %+v", got)
	}
}

func TestCreateValidatesInput(t *testing.T) {
	svc := NewService()

	if _, err := svc.Create(context.Background(), Invoice{Vendor: "Acme"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for missing invoice number, got %v", err)
	}
	if _, err := svc.Create(context.Background(), Invoice{InvoiceNumber: "INV-1"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for missing vendor, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	svc := NewService()
	created, err := svc.Create(context.Background(), Invoice{InvoiceNumber: "INV-1", Vendor: "Acme"})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	if err := svc.Delete(context.Background(), created.ID); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if err := svc.Delete(context.Background(), created.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := svc.Get(context.Background(), created.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound from Get, got %v", err)
	}
}
