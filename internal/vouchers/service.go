package vouchers

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Service struct {
	nowFunc func() time.Time

	mu       sync.RWMutex
	vouchers map[string]Voucher
}

func NewService() *Service {
	return &Service{
		nowFunc:  time.Now,
		vouchers: make(map[string]Voucher),
	}
}

func validate(v Voucher) error {
	if strings.TrimSpace(v.Vendor) == "" {
		return fmt.Errorf("%w: vendor is required", ErrInvalidInput)
	}
	if strings.TrimSpace(v.Requester) == "" {
		return fmt.Errorf("%w: requester is required", ErrInvalidInput)
	}
	for _, l := range v.Lines {
		if strings.TrimSpace(l.Description) == "" || strings.TrimSpace(l.AccountName) == "" {
			return fmt.Errorf("%w: line description and account are required", ErrInvalidInput)
		}
	}
	return nil
}

func voucherNumber(year, seq int) string {
	return fmt.Sprintf("VCH-%d-%04d", year, seq)
}

// Create stores a new draft voucher, generating the next VCH-<year>-<seq>
// number when none is supplied.
func (s *Service) Create(_ context.Context, v Voucher) (Voucher, error) {
	if err := validate(v); err != nil {
		return Voucher{}, err
	}
	now := s.nowFunc().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(v.VoucherNumber) == "" {
		prefix := fmt.Sprintf("VCH-%d-", now.Year())
		maxSeq := 0
		for _, existing := range s.vouchers {
			if !strings.HasPrefix(existing.VoucherNumber, prefix) {
				continue
			}
			var seq int
			if _, err := fmt.Sscanf(strings.TrimPrefix(existing.VoucherNumber, prefix), "%d", &seq); err == nil && seq > maxSeq {
				maxSeq = seq
			}
		}
		v.VoucherNumber = voucherNumber(now.Year(), maxSeq+1)
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
	s.vouchers[v.ID] = v
	return v, nil
}

func (s *Service) List(_ context.Context) ([]Voucher, error) {
	s.mu.RLock()
	out := make([]Voucher, 0, len(s.vouchers))
	for _, v := range s.vouchers {
		out = append(out, v)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Service) Get(_ context.Context, id string) (Voucher, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vouchers[id]
	if !ok {
		return Voucher{}, ErrNotFound
	}
	return v, nil
}

// ChangeStatus applies one workflow transition. Approval bookkeeping
// (approver, time) is written on the approved transition and cleared when a
// rejected voucher goes back to draft.
func (s *Service) ChangeStatus(_ context.Context, id string, to Status, actor string) (Voucher, error) {
	now := s.nowFunc().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vouchers[id]
	if !ok {
		return Voucher{}, ErrNotFound
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
	s.vouchers[id] = v
	return v, nil
}

func (s *Service) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vouchers[id]; !ok {
		return ErrNotFound
	}
	delete(s.vouchers, id)
	return nil
}
