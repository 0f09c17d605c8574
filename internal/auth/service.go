package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

var (
	// ErrInvalidCredentials covers unknown username and wrong password alike,
	// so a caller cannot enumerate accounts.
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountDisabled    = errors.New("account disabled")
	ErrAccountLocked      = errors.New("account locked")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrWeakPassword       = errors.New("weak password")
)

const (
	minPasswordLength = 8
	maxPasswordLength = 128
)

// Audit event kinds emitted by the service.
const (
	EventLoginSucceeded         = "login_succeeded"
	EventLoginFailedUnknownUser = "login_failed_unknown_user"
	EventLoginFailedBadPassword = "login_failed_bad_password"
	EventAccountLocked          = "account_locked"
	EventLogout                 = "logout"
	EventUserCreated            = "user_created"
	EventUserUpdated            = "user_updated"
	EventUserDeactivated        = "user_deactivated"
	EventPasswordChanged        = "password_changed"
	EventSessionsRevoked        = "sessions_revoked"
)

// AuditRecorder is the append-only security event log. A failed audit write
// never fails the operation that triggered it; the service logs it and moves
// on.
type AuditRecorder interface {
	Record(ctx context.Context, actorID *int64, kind, detail string) error
}

type Service struct {
	users    UserStore
	sessions SessionStore
	audit    AuditRecorder
	log      *slog.Logger

	lockoutThreshold int
	lockoutDuration  time.Duration
	sessionTTL       time.Duration
	storeTimeout     time.Duration

	nowFunc func() time.Time
}

type ServiceConfig struct {
	LockoutThreshold int
	LockoutDuration  time.Duration
	SessionTTL       time.Duration
	StoreTimeout     time.Duration
}

func NewService(users UserStore, sessions SessionStore, audit AuditRecorder, log *slog.Logger, cfg ServiceConfig) (*Service, error) {
	if users == nil {
		return nil, fmt.Errorf("user store is required")
	}
	if sessions == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if cfg.LockoutThreshold <= 0 {
		return nil, fmt.Errorf("lockout threshold must be > 0")
	}
	if cfg.LockoutDuration <= 0 {
		return nil, fmt.Errorf("lockout duration must be > 0")
	}
	if cfg.SessionTTL <= 0 {
		return nil, fmt.Errorf("session TTL must be > 0")
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}

	return &Service{
		users:            users,
		sessions:         sessions,
		audit:            audit,
		log:              log,
		lockoutThreshold: cfg.LockoutThreshold,
		lockoutDuration:  cfg.LockoutDuration,
		sessionTTL:       cfg.SessionTTL,
		storeTimeout:     cfg.StoreTimeout,
		nowFunc:          time.Now,
	}, nil
}

func (s *Service) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.storeTimeout)
}

func (s *Service) recordSafe(ctx context.Context, actorID *int64, kind, detail string) {
	if s.audit == nil {
		return
	}
	actx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := s.audit.Record(actx, actorID, kind, detail); err != nil {
		s.log.Error("audit write failed", "kind", kind, "error", err)
	}
}

func HashPassword(password string) (string, error) {
	digest, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(digest), nil
}

func verifyPassword(password, storedHash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(password)) == nil
}

func validatePassword(password string) error {
	if strings.TrimSpace(password) != password {
		return ErrWeakPassword
	}
	if len(password) < minPasswordLength || len(password) > maxPasswordLength {
		return ErrWeakPassword
	}
	return nil
}

// Login verifies a username/password pair, enforces the lockout policy, and
// on success mints a session. Lockout bookkeeping is persisted before the
// call returns.
func (s *Service) Login(ctx context.Context, username, password string) (Session, error) {
	username = strings.TrimSpace(username)

	fctx, cancel := s.storeCtx(ctx)
	u, err := s.users.FindByUsername(fctx, username)
	cancel()
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			s.recordSafe(ctx, nil, EventLoginFailedUnknownUser, "username="+username)
			return Session{}, ErrInvalidCredentials
		}
		return Session{}, fmt.Errorf("look up user: %w", err)
	}

	if !u.IsActive {
		return Session{}, ErrAccountDisabled
	}

	now := s.nowFunc().UTC()
	// A live lock rejects the attempt before the password is even checked,
	// so hammering the endpoint cannot shortcut the lockout window.
	if u.LockedUntil != nil && now.Before(*u.LockedUntil) {
		return Session{}, ErrAccountLocked
	}

	if !verifyPassword(password, u.PasswordHash) {
		rctx, cancel := s.storeCtx(ctx)
		updated, rerr := s.users.RecordFailure(rctx, u.ID, s.lockoutThreshold, now.Add(s.lockoutDuration))
		cancel()
		if rerr != nil {
			return Session{}, fmt.Errorf("record failed attempt: %w", rerr)
		}
		if updated.FailedAttempts == s.lockoutThreshold {
			s.recordSafe(ctx, &u.ID, EventAccountLocked,
				fmt.Sprintf("failed_attempts=%d locked_until=%s", updated.FailedAttempts, updated.LockedUntil.Format(time.RFC3339)))
		}
		s.recordSafe(ctx, &u.ID, EventLoginFailedBadPassword, fmt.Sprintf("failed_attempts=%d", updated.FailedAttempts))
		return Session{}, ErrInvalidCredentials
	}

	rctx, rcancel := s.storeCtx(ctx)
	err = s.users.ResetLockout(rctx, u.ID)
	rcancel()
	if err != nil {
		return Session{}, fmt.Errorf("reset lockout: %w", err)
	}
	s.recordSafe(ctx, &u.ID, EventLoginSucceeded, "username="+u.Username)

	return s.createSession(ctx, u.ID, now)
}

func (s *Service) createSession(ctx context.Context, userID int64, now time.Time) (Session, error) {
	token, err := generateToken(32)
	if err != nil {
		return Session{}, fmt.Errorf("generate token: %w", err)
	}
	sess := Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Token:     token,
		CreatedAt: now,
		ExpiresAt: now.Add(s.sessionTTL),
		IsActive:  true,
	}

	cctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := s.sessions.Create(cctx, sess); err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

// Resolve maps a token to its user and a freshly computed permission
// snapshot. Expired sessions are deactivated lazily on first observation.
func (s *Service) Resolve(ctx context.Context, token string) (User, PermissionSnapshot, error) {
	gctx, cancel := s.storeCtx(ctx)
	sess, err := s.sessions.GetByToken(gctx, token)
	cancel()
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return User{}, PermissionSnapshot{}, ErrSessionNotFound
		}
		return User{}, PermissionSnapshot{}, fmt.Errorf("look up session: %w", err)
	}
	if !sess.IsActive {
		return User{}, PermissionSnapshot{}, ErrSessionNotFound
	}
	if !s.nowFunc().UTC().Before(sess.ExpiresAt) {
		dctx, cancel := s.storeCtx(ctx)
		derr := s.sessions.Deactivate(dctx, token)
		cancel()
		if derr != nil {
			s.log.Error("lazy session expiry write failed", "session_id", sess.ID, "error", derr)
		}
		return User{}, PermissionSnapshot{}, ErrSessionExpired
	}

	uctx, ucancel := s.storeCtx(ctx)
	u, err := s.users.FindByID(uctx, sess.UserID)
	ucancel()
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return User{}, PermissionSnapshot{}, ErrSessionNotFound
		}
		return User{}, PermissionSnapshot{}, fmt.Errorf("look up session user: %w", err)
	}
	if !u.IsActive {
		return User{}, PermissionSnapshot{}, ErrSessionNotFound
	}
	return u, SnapshotFor(u), nil
}

// Logout deactivates the session for token. Idempotent: an unknown or
// already-inactive token is not an error.
func (s *Service) Logout(ctx context.Context, token string) error {
	gctx, cancel := s.storeCtx(ctx)
	sess, err := s.sessions.GetByToken(gctx, token)
	cancel()
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil
		}
		return fmt.Errorf("look up session: %w", err)
	}

	dctx, dcancel := s.storeCtx(ctx)
	defer dcancel()
	if err := s.sessions.Deactivate(dctx, token); err != nil {
		return fmt.Errorf("deactivate session: %w", err)
	}
	if sess.IsActive {
		s.recordSafe(ctx, &sess.UserID, EventLogout, "session_id="+sess.ID)
	}
	return nil
}

func (s *Service) revokeAll(ctx context.Context, actorID *int64, userID int64) error {
	dctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := s.sessions.DeactivateAllForUser(dctx, userID); err != nil {
		return fmt.Errorf("revoke user sessions: %w", err)
	}
	s.recordSafe(ctx, actorID, EventSessionsRevoked, fmt.Sprintf("user_id=%d", userID))
	return nil
}

// RevokeUserSessions force-logs-out every session of userID. Gated by
// manageUsers.
func (s *Service) RevokeUserSessions(ctx context.Context, actor User, userID int64) error {
	if !CanPerform(actor, CapManageUsers) {
		return ErrPermissionDenied
	}
	return s.revokeAll(ctx, &actor.ID, userID)
}

func (s *Service) ListSessions(ctx context.Context, actor User) ([]SessionView, error) {
	if !CanPerform(actor, CapManageUsers) {
		return nil, ErrPermissionDenied
	}
	lctx, cancel := s.storeCtx(ctx)
	defer cancel()
	sessions, err := s.sessions.ListActive(lctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	out := make([]SessionView, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.View())
	}
	return out, nil
}

type NewUser struct {
	Username          string `json:"username" yaml:"username"`
	Password          string `json:"password" yaml:"password"`
	Role              Role   `json:"role" yaml:"role"`
	CanCreateVoucher  bool   `json:"can_create_voucher" yaml:"can_create_voucher"`
	CanApproveVoucher bool   `json:"can_approve_voucher" yaml:"can_approve_voucher"`
	CanManageUsers    bool   `json:"can_manage_users" yaml:"can_manage_users"`
}

type UserUpdate struct {
	Role              Role   `json:"role"`
	CanCreateVoucher  bool   `json:"can_create_voucher"`
	CanApproveVoucher bool   `json:"can_approve_voucher"`
	CanManageUsers    bool   `json:"can_manage_users"`
	IsActive          bool   `json:"is_active"`
	Password          string `json:"password,omitempty"`
}

func (s *Service) CreateUser(ctx context.Context, actor User, in NewUser) (User, error) {
	if !CanPerform(actor, CapManageUsers) {
		return User{}, ErrPermissionDenied
	}
	u, err := s.insertUser(ctx, in)
	if err != nil {
		return User{}, err
	}
	s.recordSafe(ctx, &actor.ID, EventUserCreated, fmt.Sprintf("user_id=%d username=%s role=%s", u.ID, u.Username, u.Role))
	return u, nil
}

func (s *Service) insertUser(ctx context.Context, in NewUser) (User, error) {
	in.Username = strings.TrimSpace(in.Username)
	if in.Username == "" {
		return User{}, fmt.Errorf("username is required")
	}
	if !in.Role.Valid() {
		return User{}, fmt.Errorf("invalid role %q", in.Role)
	}
	if err := validatePassword(in.Password); err != nil {
		return User{}, err
	}
	hash, err := HashPassword(in.Password)
	if err != nil {
		return User{}, err
	}

	u := User{
		Username:          in.Username,
		PasswordHash:      hash,
		Role:              in.Role,
		CanCreateVoucher:  in.CanCreateVoucher,
		CanApproveVoucher: in.CanApproveVoucher,
		CanManageUsers:    in.CanManageUsers,
		IsActive:          true,
		CreatedAt:         s.nowFunc().UTC(),
	}
	ictx, cancel := s.storeCtx(ctx)
	defer cancel()
	id, err := s.users.Insert(ictx, u)
	if err != nil {
		return User{}, err
	}
	u.ID = id
	return u, nil
}

// UpdateUser applies role/flag/active edits to the target user and revokes
// the target's sessions so the next request sees the new permissions rather
// than a stale snapshot. That includes an admin editing their own flags.
func (s *Service) UpdateUser(ctx context.Context, actor User, id int64, in UserUpdate) (User, error) {
	if !CanPerform(actor, CapManageUsers) {
		return User{}, ErrPermissionDenied
	}
	if !in.Role.Valid() {
		return User{}, fmt.Errorf("invalid role %q", in.Role)
	}

	fctx, cancel := s.storeCtx(ctx)
	u, err := s.users.FindByID(fctx, id)
	cancel()
	if err != nil {
		return User{}, err
	}

	u.Role = in.Role
	u.CanCreateVoucher = in.CanCreateVoucher
	u.CanApproveVoucher = in.CanApproveVoucher
	u.CanManageUsers = in.CanManageUsers
	u.IsActive = in.IsActive
	if in.Password != "" {
		if err := validatePassword(in.Password); err != nil {
			return User{}, err
		}
		hash, err := HashPassword(in.Password)
		if err != nil {
			return User{}, err
		}
		u.PasswordHash = hash
	}

	uctx, ucancel := s.storeCtx(ctx)
	err = s.users.Update(uctx, u)
	ucancel()
	if err != nil {
		return User{}, err
	}
	s.recordSafe(ctx, &actor.ID, EventUserUpdated,
		fmt.Sprintf("user_id=%d role=%s create=%t approve=%t manage_users=%t active=%t",
			u.ID, u.Role, u.CanCreateVoucher, u.CanApproveVoucher, u.CanManageUsers, u.IsActive))

	if err := s.revokeAll(ctx, &actor.ID, u.ID); err != nil {
		return User{}, err
	}
	return u, nil
}

// DeactivateUser is the safe alternative to deletion: the row stays, logins
// are refused, and every live session dies now.
func (s *Service) DeactivateUser(ctx context.Context, actor User, id int64) error {
	if !CanPerform(actor, CapManageUsers) {
		return ErrPermissionDenied
	}

	fctx, cancel := s.storeCtx(ctx)
	u, err := s.users.FindByID(fctx, id)
	cancel()
	if err != nil {
		return err
	}
	u.IsActive = false

	uctx, ucancel := s.storeCtx(ctx)
	err = s.users.Update(uctx, u)
	ucancel()
	if err != nil {
		return err
	}
	s.recordSafe(ctx, &actor.ID, EventUserDeactivated, fmt.Sprintf("user_id=%d username=%s", u.ID, u.Username))
	return s.revokeAll(ctx, &actor.ID, u.ID)
}

func (s *Service) ListUsers(ctx context.Context, actor User) ([]User, error) {
	if !CanPerform(actor, CapManageUsers) {
		return nil, ErrPermissionDenied
	}
	lctx, cancel := s.storeCtx(ctx)
	defer cancel()
	return s.users.List(lctx)
}

func (s *Service) GetUser(ctx context.Context, actor User, id int64) (User, error) {
	if !CanPerform(actor, CapManageUsers) {
		return User{}, ErrPermissionDenied
	}
	fctx, cancel := s.storeCtx(ctx)
	defer cancel()
	return s.users.FindByID(fctx, id)
}

// ChangePassword lets the session owner rotate their own password after
// re-proving the current one. Other sessions stay alive; only the password
// changes.
func (s *Service) ChangePassword(ctx context.Context, token, currentPassword, newPassword string) error {
	u, _, err := s.Resolve(ctx, token)
	if err != nil {
		return err
	}
	if !verifyPassword(currentPassword, u.PasswordHash) {
		return ErrInvalidCredentials
	}
	if err := validatePassword(newPassword); err != nil {
		return err
	}
	hash, err := HashPassword(newPassword)
	if err != nil {
		return err
	}
	u.PasswordHash = hash

	uctx, cancel := s.storeCtx(ctx)
	err = s.users.Update(uctx, u)
	cancel()
	if err != nil {
		return fmt.Errorf("store updated password: %w", err)
	}
	s.recordSafe(ctx, &u.ID, EventPasswordChanged, fmt.Sprintf("user_id=%d", u.ID))
	return nil
}

// EnsureBootstrapUser creates the initial admin when the store has no such
// username yet. There is no bootstrap UI; this is the direct-insert path.
func (s *Service) EnsureBootstrapUser(ctx context.Context, username, password string) error {
	fctx, cancel := s.storeCtx(ctx)
	_, err := s.users.FindByUsername(fctx, username)
	cancel()
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrUserNotFound) {
		return fmt.Errorf("check bootstrap user: %w", err)
	}

	u, err := s.insertUser(ctx, NewUser{Username: username, Password: password, Role: RoleAdmin})
	if err != nil {
		return fmt.Errorf("create bootstrap user: %w", err)
	}
	s.log.Info("bootstrap admin created", "username", u.Username)
	return nil
}

type seedFile struct {
	Users []NewUser `yaml:"users"`
}

// SeedFromFile creates any users listed in a YAML seed file that do not
// exist yet. Existing usernames are left untouched.
func (s *Service) SeedFromFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read seed file: %w", err)
	}
	var sf seedFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return fmt.Errorf("decode seed file: %w", err)
	}

	for _, in := range sf.Users {
		if strings.TrimSpace(in.Username) == "" || in.Password == "" {
			continue
		}
		fctx, cancel := s.storeCtx(ctx)
		_, err := s.users.FindByUsername(fctx, in.Username)
		cancel()
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrUserNotFound) {
			return fmt.Errorf("check seed user %q: %w", in.Username, err)
		}
		if in.Role == "" {
			in.Role = RoleUser
		}
		if _, err := s.insertUser(ctx, in); err != nil {
			return fmt.Errorf("seed user %q: %w", in.Username, err)
		}
	}
	return nil
}

func generateToken(n int) (string, error) {
	if n < 16 {
		return "", fmt.Errorf("token length too short")
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
