package auth

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	ErrUserNotFound      = errors.New("user not found")
	ErrDuplicateUsername = errors.New("username already exists")
)

// UserStore is the credential store. Passwords cross this boundary only as
// bcrypt digests; RecordFailure and ResetLockout are the atomic lockout
// bookkeeping used by the authenticator.
type UserStore interface {
	FindByUsername(ctx context.Context, username string) (User, error)
	FindByID(ctx context.Context, id int64) (User, error)
	Insert(ctx context.Context, u User) (int64, error)
	Update(ctx context.Context, u User) error
	List(ctx context.Context) ([]User, error)

	// RecordFailure increments failed_attempts in a single atomic step and,
	// if the new count reaches threshold, sets locked_until to lockUntil.
	// Returns the user as written.
	RecordFailure(ctx context.Context, id int64, threshold int, lockUntil time.Time) (User, error)

	// ResetLockout zeroes failed_attempts and clears locked_until.
	ResetLockout(ctx context.Context, id int64) error
}

type InMemoryUserStore struct {
	mu     sync.Mutex
	nextID int64
	users  map[int64]User
}

func NewInMemoryUserStore() *InMemoryUserStore {
	return &InMemoryUserStore{users: make(map[int64]User)}
}

func (s *InMemoryUserStore) FindByUsername(_ context.Context, username string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if u.Username == username {
			return u, nil
		}
	}
	return User{}, ErrUserNotFound
}

func (s *InMemoryUserStore) FindByID(_ context.Context, id int64) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return u, nil
}

func (s *InMemoryUserStore) Insert(_ context.Context, u User) (int64, error) {
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
	return u.ID, nil
}

func (s *InMemoryUserStore) Update(_ context.Context, u User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.users[u.ID]
	if !ok {
		return ErrUserNotFound
	}
	// Lockout counters are owned by RecordFailure/ResetLockout.
	u.FailedAttempts = existing.FailedAttempts
	u.LockedUntil = existing.LockedUntil
	u.CreatedAt = existing.CreatedAt
	s.users[u.ID] = u
	return nil
}

func (s *InMemoryUserStore) List(_ context.Context) ([]User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (s *InMemoryUserStore) RecordFailure(_ context.Context, id int64, threshold int, lockUntil time.Time) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return User{}, ErrUserNotFound
	}
	u.FailedAttempts++
	if u.FailedAttempts >= threshold {
		until := lockUntil
		u.LockedUntil = &until
	}
	s.users[id] = u
	return u, nil
}

func (s *InMemoryUserStore) ResetLockout(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return ErrUserNotFound
	}
	u.FailedAttempts = 0
	u.LockedUntil = nil
	s.users[id] = u
	return nil
}
