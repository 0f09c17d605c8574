package crm

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Service is the in-memory vendor/account store used when no database is
// configured and in handler tests.
type Service struct {
	nowFunc func() time.Time

	mu       sync.RWMutex
	vendors  map[string]Vendor
	accounts map[string]Account
}

func NewService() *Service {
	return &Service{
		nowFunc:  time.Now,
		vendors:  make(map[string]Vendor),
		accounts: make(map[string]Account),
	}
}

func validateVendor(v Vendor) error {
	if strings.TrimSpace(v.Name) == "" {
		return fmt.Errorf("%w: vendor name is required", ErrInvalidInput)
	}
	return nil
}

func validateAccount(a Account) error {
	if strings.TrimSpace(a.Code) == "" || strings.TrimSpace(a.Name) == "" {
		return fmt.Errorf("%w: account code and name are required", ErrInvalidInput)
	}
	if _, ok := allowedAccountTypes[strings.ToLower(strings.TrimSpace(a.Type))]; !ok {
		return fmt.Errorf("%w: unknown account type %q", ErrInvalidInput, a.Type)
	}
	return nil
}

// UpsertVendor creates or, when a vendor with the same name exists, updates
// it. Names are the business key, ids the storage key.
func (s *Service) UpsertVendor(_ context.Context, v Vendor) (Vendor, error) {
	if err := validateVendor(v); err != nil {
		return Vendor{}, err
	}
	v.Name = strings.TrimSpace(v.Name)
	now := s.nowFunc().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, existing := range s.vendors {
		if existing.Name == v.Name {
			v.ID = id
			v.CreatedAt = existing.CreatedAt
			v.ModifiedAt = now
			s.vendors[id] = v
			return v, nil
		}
	}
	v.ID = uuid.NewString()
	v.CreatedAt = now
	v.ModifiedAt = now
	s.vendors[v.ID] = v
	return v, nil
}

func (s *Service) ListVendors(_ context.Context) ([]Vendor, error) {
	s.mu.RLock()
	out := make([]Vendor, 0, len(s.vendors))
	for _, v := range s.vendors {
		out = append(out, v)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Service) DeleteVendor(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vendors[id]; !ok {
		return ErrNotFound
	}
	delete(s.vendors, id)
	return nil
}

// UpsertAccount mirrors UpsertVendor with the account code as business key.
func (s *Service) UpsertAccount(_ context.Context, a Account) (Account, error) {
	if err := validateAccount(a); err != nil {
		return Account{}, err
	}
	a.Code = strings.TrimSpace(a.Code)
	a.Name = strings.TrimSpace(a.Name)
	a.Type = strings.ToLower(strings.TrimSpace(a.Type))
	now := s.nowFunc().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, existing := range s.accounts {
		if existing.Code == a.Code {
			a.ID = id
			a.CreatedAt = existing.CreatedAt
			a.ModifiedAt = now
			s.accounts[id] = a
			return a, nil
		}
	}
	a.ID = uuid.NewString()
	a.CreatedAt = now
	a.ModifiedAt = now
	s.accounts[a.ID] = a
	return a, nil
}

func (s *Service) ListAccounts(_ context.Context, accountType string) ([]Account, error) {
	accountType = strings.ToLower(strings.TrimSpace(accountType))

	s.mu.RLock()
	out := make([]Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		if accountType == "" || a.Type == accountType {
			out = append(out, a)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (s *Service) DeleteAccount(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[id]; !ok {
		return ErrNotFound
	}
	delete(s.accounts, id)
	return nil
}
