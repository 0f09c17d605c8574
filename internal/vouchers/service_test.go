package vouchers

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestVoucherService() *Service {
	svc := NewService()
	svc.nowFunc = func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) }
	return svc
}

func TestCreateAssignsNumberAndDraftStatus(t *testing.T) {
	svc := newTestVoucherService()

	first, err := svc.Create(context.Background(), Voucher{
		Vendor:    "Acme",
		Requester: "alice",
		Lines:     []Line{{LineNo: 1, Description: "Paper", AccountName: "Stationery", Amount: "1500.00"}},
	})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if first.VoucherNumber != "VCH-2026-0001" {
		t.Fatalf("expected VCH-2026-0001, got %q", first.VoucherNumber)
	}
	if first.Status != StatusDraft {
		t.Fatalf("expected draft status, got %q", first.Status)
	}
	if first.Currency != "NGN" {
		t.Fatalf("expected default currency NGN, got %q", first.Currency)
	}

	second, err := svc.Create(context.Background(), Voucher{Vendor: "Acme", Requester: "alice"})
	if err != nil {
		t.Fatalf("second Create() error: %v", err)
	}
	if second.VoucherNumber != "VCH-2026-0002" {
		t.Fatalf("expected VCH-2026-0002, got %q", second.VoucherNumber)
	}
}

func TestCreateValidatesInput(t *testing.T) {
	svc := newTestVoucherService()

	if _, err := svc.Create(context.Background(), Voucher{Requester: "alice"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for missing vendor, got %v", err)
	}
	if _, err := svc.Create(context.Background(), Voucher{
		Vendor: "Acme", Requester: "alice",
		Lines: []Line{{LineNo: 1, Description: "", AccountName: "Stationery"}},
	}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty line description, got %v", err)
	}
}

func TestStatusWorkflow(t *testing.T) {
	svc := newTestVoucherService()
	v, err := svc.Create(context.Background(), Voucher{Vendor: "Acme", Requester: "alice"})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	// draft cannot go straight to approved.
	if _, err := svc.ChangeStatus(context.Background(), v.ID, StatusApproved, "root"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	submitted, err := svc.ChangeStatus(context.Background(), v.ID, StatusSubmitted, "alice")
	if err != nil {
		t.Fatalf("submit error: %v", err)
	}
	if submitted.Status != StatusSubmitted {
		t.Fatalf("expected submitted, got %q", submitted.Status)
	}

	approved, err := svc.ChangeStatus(context.Background(), v.ID, StatusApproved, "root")
	if err != nil {
		t.Fatalf("approve error: %v", err)
	}
	if approved.ApprovedBy != "root" || approved.ApprovedAt == nil {
		t.Fatalf("expected approval bookkeeping, got %+v", approved)
	}

	// An approved voucher is terminal.
	if _, err := svc.ChangeStatus(context.Background(), v.ID, StatusDraft, "root"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for approved voucher, got %v", err)
	}
}

func TestRejectedVoucherReturnsToDraft(t *testing.T) {
	svc := newTestVoucherService()
	v, err := svc.Create(context.Background(), Voucher{Vendor: "Acme", Requester: "alice"})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	if _, err := svc.ChangeStatus(context.Background(), v.ID, StatusSubmitted, "alice"); err != nil {
		t.Fatalf("submit error: %v", err)
	}
	if _, err := svc.ChangeStatus(context.Background(), v.ID, StatusRejected, "root"); err != nil {
		t.Fatalf("reject error: %v", err)
	}

	back, err := svc.ChangeStatus(context.Background(), v.ID, StatusDraft, "alice")
	if err != nil {
		t.Fatalf("back to draft error: %v", err)
	}
	if back.ApprovedBy != "" || back.ApprovedAt != nil {
		t.Fatalf("expected approval state cleared, got %+v", back)
	}
}

func TestRequiresApproval(t *testing.T) {
	if !RequiresApproval(StatusApproved) || !RequiresApproval(StatusRejected) {
		t.Fatalf("approved and rejected transitions must require the approval capability")
	}
	if RequiresApproval(StatusSubmitted) || RequiresApproval(StatusDraft) {
		t.Fatalf("draft and submitted transitions must not require approval")
	}
}

func TestDeleteVoucher(t *testing.T) {
	svc := newTestVoucherService()
	v, err := svc.Create(context.Background(), Voucher{Vendor: "Acme", Requester: "alice"})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	if err := svc.Delete(context.Background(), v.ID); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if _, err := svc.Get(context.Background(), v.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
