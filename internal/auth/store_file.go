package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// userRecord is the on-disk shape. PasswordHash and the lockout fields are
// serialized here even though User hides them from API JSON.
type userRecord struct {
	ID                int64      `json:"id"`
	Username          string     `json:"username"`
	PasswordHash      string     `json:"password_hash"`
	Role              Role       `json:"role"`
	CanCreateVoucher  bool       `json:"can_create_voucher"`
	CanApproveVoucher bool       `json:"can_approve_voucher"`
	CanManageUsers    bool       `json:"can_manage_users"`
	IsActive          bool       `json:"is_active"`
	FailedAttempts    int        `json:"failed_attempts"`
	LockedUntil       *time.Time `json:"locked_until,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// FileUserStore persists users as a JSON array. It backs DB-less
// deployments; lockout state survives restarts the same way it would in
// postgres.
type FileUserStore struct {
	path string

	mu     sync.Mutex
	nextID int64
	users  map[int64]User
}

func NewFileUserStore(path string) (*FileUserStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("user state file path is required")
	}

	s := &FileUserStore{
		path:  path,
		users: make(map[int64]User),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileUserStore) FindByUsername(_ context.Context, username string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if u.Username == username {
			return u, nil
		}
	}
	return User{}, ErrUserNotFound
}

func (s *FileUserStore) FindByID(_ context.Context, id int64) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return u, nil
}

func (s *FileUserStore) Insert(_ context.Context, u User) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.users {
		if existing.Username == u.Username {
			return 0, ErrDuplicateUsername
		}
	}
	s.nextID++
	u.ID = s.nextID
	s.users[u.ID] = u
	if err := s.persistLocked(); err != nil {
		delete(s.users, u.ID)
		s.nextID--
		return 0, err
	}
	return u.ID, nil
}

func (s *FileUserStore) Update(_ context.Context, u User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.users[u.ID]
	if !ok {
		return ErrUserNotFound
	}
	u.FailedAttempts = existing.FailedAttempts
	u.LockedUntil = existing.LockedUntil
	u.CreatedAt = existing.CreatedAt
	s.users[u.ID] = u
	if err := s.persistLocked(); err != nil {
		s.users[u.ID] = existing
		return err
	}
	return nil
}

func (s *FileUserStore) List(_ context.Context) ([]User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (s *FileUserStore) RecordFailure(_ context.Context, id int64, threshold int, lockUntil time.Time) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return User{}, ErrUserNotFound
	}
	prev := u
	u.FailedAttempts++
	if u.FailedAttempts >= threshold {
		until := lockUntil
		u.LockedUntil = &until
	}
	s.users[id] = u
	if err := s.persistLocked(); err != nil {
		s.users[id] = prev
		return User{}, err
	}
	return u, nil
}

func (s *FileUserStore) ResetLockout(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return ErrUserNotFound
	}
	prev := u
	u.FailedAttempts = 0
	u.LockedUntil = nil
	s.users[id] = u
	if err := s.persistLocked(); err != nil {
		s.users[id] = prev
		return err
	}
	return nil
}

func (s *FileUserStore) load() error {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read user store file: %w", err)
	}
	if len(b) == 0 {
		return nil
	}

	var decoded []userRecord
	if err := json.Unmarshal(b, &decoded); err != nil {
		return fmt.Errorf("decode user store file: %w", err)
	}
	for _, rec := range decoded {
		if strings.TrimSpace(rec.Username) == "" {
			continue
		}
		s.users[rec.ID] = User(rec)
		if rec.ID > s.nextID {
			s.nextID = rec.ID
		}
	}
	return nil
}

func (s *FileUserStore) persistLocked() error {
	out := make([]userRecord, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, userRecord(u))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("encode user store file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("mkdir user store dir: %w", err)
	}
	if err := os.WriteFile(s.path, b, 0o644); err != nil {
		return fmt.Errorf("write user store file: %w", err)
	}
	return nil
}
