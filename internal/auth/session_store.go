package auth

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")

	// ErrTokenCollision means a freshly generated token already existed.
	// The uniqueness invariant is already violated at that point, so the
	// create operation fails outright instead of retrying.
	ErrTokenCollision = errors.New("session token collision")
)

type SessionStore interface {
	Create(ctx context.Context, s Session) error
	// GetByToken returns the session row whether or not it is still active;
	// the caller decides between not-found, revoked, and expired.
	GetByToken(ctx context.Context, token string) (Session, error)
	// Deactivate is idempotent: deactivating an inactive or unknown token
	// is not an error.
	Deactivate(ctx context.Context, token string) error
	DeactivateAllForUser(ctx context.Context, userID int64) error
	ListActive(ctx context.Context) ([]Session, error)
}

type InMemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]Session
}

func NewInMemorySessionStore() *InMemorySessionStore {
	return &InMemorySessionStore{sessions: make(map[string]Session)}
}

func (s *InMemorySessionStore) Create(_ context.Context, sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sess.Token]; ok {
		return ErrTokenCollision
	}
	s.sessions[sess.Token] = sess
	return nil
}

func (s *InMemorySessionStore) GetByToken(_ context.Context, token string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[token]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return sess, nil
}

func (s *InMemorySessionStore) Deactivate(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[token]
	if !ok {
		return nil
	}
	sess.IsActive = false
	s.sessions[token] = sess
	return nil
}

func (s *InMemorySessionStore) DeactivateAllForUser(_ context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for token, sess := range s.sessions {
		if sess.UserID == userID && sess.IsActive {
			sess.IsActive = false
			s.sessions[token] = sess
		}
	}
	return nil
}

func (s *InMemorySessionStore) ListActive(_ context.Context) ([]Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if sess.IsActive {
			out = append(out, sess)
		}
	}
	return out, nil
}
