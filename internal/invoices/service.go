package invoices

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound     = errors.New("invoice not found")
	ErrInvalidInput = errors.New("invalid invoice input")
)

// Invoice stores amounts exactly as submitted. Tax arithmetic lives with the
// caller that prepares the figures, not here.
type Invoice struct {
	ID                  string    `json:"id"`
	InvoiceNumber       string    `json:"invoice_number"`
	VendorInvoiceNumber string    `json:"vendor_invoice_number,omitempty"`
	Vendor              string    `json:"vendor"`
	Summary             string    `json:"summary,omitempty"`
	Currency            string    `json:"currency"`
	TotalAmount         string    `json:"total_amount"`
	Terms               string    `json:"terms,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	LastModified        time.Time `json:"last_modified"`
}

func validate(inv Invoice) error {
	if strings.TrimSpace(inv.InvoiceNumber) == "" {
		return fmt.Errorf("%w: invoice number is required", ErrInvalidInput)
	}
	if strings.TrimSpace(inv.Vendor) == "" {
		return fmt.Errorf("%w: vendor is required", ErrInvalidInput)
	}
	return nil
}

type Service struct {
	nowFunc func() time.Time

	mu       sync.RWMutex
	invoices map[string]Invoice
}

func NewService() *Service {
	return &Service{
		nowFunc:  time.Now,
		invoices: make(map[string]Invoice),
	}
}

func (s *Service) Create(_ context.Context, inv Invoice) (Invoice, error) {
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

	s.mu.Lock()
	s.invoices[inv.ID] = inv
	s.mu.Unlock()
	return inv, nil
}

func (s *Service) List(_ context.Context) ([]Invoice, error) {
	s.mu.RLock()
	out := make([]Invoice, 0, len(s.invoices))
	for _, inv := range s.invoices {
		out = append(out, inv)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Service) Get(_ context.Context, id string) (Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inv, ok := s.invoices[id]
	if !ok {
		return Invoice{}, ErrNotFound
	}
	return inv, nil
}

func (s *Service) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.invoices[id]; !ok {
		return ErrNotFound
	}
	delete(s.invoices, id)
	return nil
}
