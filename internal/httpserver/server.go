package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"voucherpro/backend/internal/auth"
	"voucherpro/backend/internal/config"
	"voucherpro/backend/internal/crm"
	"voucherpro/backend/internal/invoices"
	"voucherpro/backend/internal/migrations"
	"voucherpro/backend/internal/sqlbrowser"
	"voucherpro/backend/internal/vouchers"
)

type AuthService interface {
	Login(ctx context.Context, username, password string) (auth.Session, error)
	Resolve(ctx context.Context, token string) (auth.User, auth.PermissionSnapshot, error)
	Logout(ctx context.Context, token string) error
	ChangePassword(ctx context.Context, token, currentPassword, newPassword string) error
	CreateUser(ctx context.Context, actor auth.User, in auth.NewUser) (auth.User, error)
	UpdateUser(ctx context.Context, actor auth.User, id int64, in auth.UserUpdate) (auth.User, error)
	DeactivateUser(ctx context.Context, actor auth.User, id int64) error
	ListUsers(ctx context.Context, actor auth.User) ([]auth.User, error)
	GetUser(ctx context.Context, actor auth.User, id int64) (auth.User, error)
	RevokeUserSessions(ctx context.Context, actor auth.User, userID int64) error
	ListSessions(ctx context.Context, actor auth.User) ([]auth.SessionView, error)
}

type CRMService interface {
	UpsertVendor(ctx context.Context, v crm.Vendor) (crm.Vendor, error)
	ListVendors(ctx context.Context) ([]crm.Vendor, error)
	DeleteVendor(ctx context.Context, id string) error
	UpsertAccount(ctx context.Context, a crm.Account) (crm.Account, error)
	ListAccounts(ctx context.Context, accountType string) ([]crm.Account, error)
	DeleteAccount(ctx context.Context, id string) error
}

type VoucherService interface {
	Create(ctx context.Context, v vouchers.Voucher) (vouchers.Voucher, error)
	List(ctx context.Context) ([]vouchers.Voucher, error)
	Get(ctx context.Context, id string) (vouchers.Voucher, error)
	ChangeStatus(ctx context.Context, id string, to vouchers.Status, actor string) (vouchers.Voucher, error)
	Delete(ctx context.Context, id string) error
}

type InvoiceService interface {
	Create(ctx context.Context, inv invoices.Invoice) (invoices.Invoice, error)
	List(ctx context.Context) ([]invoices.Invoice, error)
	Get(ctx context.Context, id string) (invoices.Invoice, error)
	Delete(ctx context.Context, id string) error
}

type SQLBrowserService interface {
	Query(ctx context.Context, query string, limit int) (sqlbrowser.Result, error)
}

type MigrationService interface {
	List() ([]migrations.FileInfo, error)
	Status(ctx context.Context) ([]migrations.Status, error)
	Apply(ctx context.Context, name string) error
}

type Deps struct {
	Auth       AuthService
	CRM        CRMService
	Vouchers   VoucherService
	Invoices   InvoiceService
	SQLBrowser SQLBrowserService
	Migrations MigrationService
	Audit      auth.AuditRecorder
}

type Server struct {
	httpServer *http.Server
}

func New(cfg config.HTTPConfig, deps Deps) *Server {
	handler := NewHandler(deps)

	return &Server{
		httpServer: &http.Server{
			Addr:         cfg.Addr,
			Handler:      loggingMiddleware(handler),
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  60 * time.Second,
		},
	}
}

func NewHandler(deps Deps) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})
	mux.HandleFunc("/v1/info", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"service": "voucherpro-api",
			"version": "0.1.0",
		})
	})

	registerAuthHandlers(mux, deps)
	registerUserHandlers(mux, deps)
	registerSessionAdminHandlers(mux, deps)
	registerCRMHandlers(mux, deps)
	registerVoucherHandlers(mux, deps)
	registerInvoiceHandlers(mux, deps)
	registerDBBrowserHandlers(mux, deps)
	registerMigrationHandlers(mux, deps)

	return mux
}

func registerAuthHandlers(mux *http.ServeMux, deps Deps) {
	mux.HandleFunc("/v1/auth/login", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if deps.Auth == nil {
			writeError(w, http.StatusServiceUnavailable, "auth service unavailable")
			return
		}

		var req struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.Username == "" || req.Password == "" {
			writeError(w, http.StatusBadRequest, "username and password are required")
			return
		}

		session, err := deps.Auth.Login(r.Context(), req.Username, req.Password)
		if err != nil {
			// One generic message for every credential failure so the
			// response never confirms whether the account exists.
			switch {
			case errors.Is(err, auth.ErrAccountLocked):
				writeError(w, http.StatusUnauthorized, "too many failed attempts, try again later")
			case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrAccountDisabled):
				writeError(w, http.StatusUnauthorized, "invalid credentials")
			default:
				writeStoreError(w, err, "login failed")
			}
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"token":      session.Token,
			"session_id": session.ID,
			"user_id":    session.UserID,
			"expires_at": session.ExpiresAt.UTC().Format(time.RFC3339),
		})
	})

	mux.HandleFunc("/v1/auth/me", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		user, snapshot, ok := requireUser(w, r, deps.Auth, "")
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"user":        user,
			"permissions": snapshot,
		})
	})

	mux.HandleFunc("/v1/auth/logout", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if deps.Auth == nil {
			writeError(w, http.StatusServiceUnavailable, "auth service unavailable")
			return
		}
		token, err := extractBearerToken(r.Header.Get("Authorization"))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
			return
		}
		if err := deps.Auth.Logout(r.Context(), token); err != nil {
			writeStoreError(w, err, "logout failed")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("/v1/auth/change-password", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if deps.Auth == nil {
			writeError(w, http.StatusServiceUnavailable, "auth service unavailable")
			return
		}
		token, err := extractBearerToken(r.Header.Get("Authorization"))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
			return
		}

		var req struct {
			CurrentPassword string `json:"current_password"`
			NewPassword     string `json:"new_password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.CurrentPassword == "" || req.NewPassword == "" {
			writeError(w, http.StatusBadRequest, "current_password and new_password are required")
			return
		}

		if err := deps.Auth.ChangePassword(r.Context(), token, req.CurrentPassword, req.NewPassword); err != nil {
			switch {
			case errors.Is(err, auth.ErrWeakPassword):
				writeError(w, http.StatusBadRequest, "new password does not meet policy")
			case errors.Is(err, auth.ErrInvalidCredentials),
				errors.Is(err, auth.ErrSessionNotFound),
				errors.Is(err, auth.ErrSessionExpired):
				writeError(w, http.StatusUnauthorized, "invalid credentials or session")
			default:
				writeStoreError(w, err, "change password failed")
			}
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func registerUserHandlers(mux *http.ServeMux, deps Deps) {
	mux.HandleFunc("/v1/users", func(w http.ResponseWriter, r *http.Request) {
		actor, _, ok := requireUser(w, r, deps.Auth, auth.CapManageUsers)
		if !ok {
			return
		}

		switch r.Method {
		case http.MethodGet:
			users, err := deps.Auth.ListUsers(r.Context(), actor)
			if err != nil {
				writeStoreError(w, err, "list users failed")
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"items": users})
		case http.MethodPost:
			var req auth.NewUser
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body")
				return
			}
			created, err := deps.Auth.CreateUser(r.Context(), actor, req)
			if err != nil {
				switch {
				case errors.Is(err, auth.ErrDuplicateUsername):
					writeError(w, http.StatusConflict, "username already exists")
				case errors.Is(err, auth.ErrWeakPassword):
					writeError(w, http.StatusBadRequest, "password does not meet policy")
				default:
					writeStoreError(w, err, "create user failed")
				}
				return
			}
			writeJSON(w, http.StatusCreated, created)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	})

	mux.HandleFunc("/v1/users/", func(w http.ResponseWriter, r *http.Request) {
		actor, _, ok := requireUser(w, r, deps.Auth, auth.CapManageUsers)
		if !ok {
			return
		}

		rest := strings.TrimPrefix(r.URL.Path, "/v1/users/")
		if sub, found := strings.CutSuffix(rest, "/sessions"); found {
			if r.Method != http.MethodDelete {
				writeError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			id, err := parseUserID(sub)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid user id")
				return
			}
			if err := deps.Auth.RevokeUserSessions(r.Context(), actor, id); err != nil {
				writeStoreError(w, err, "revoke sessions failed")
				return
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}

		id, err := parseUserID(rest)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid user id")
			return
		}

		switch r.Method {
		case http.MethodGet:
			u, err := deps.Auth.GetUser(r.Context(), actor, id)
			if err != nil {
				if errors.Is(err, auth.ErrUserNotFound) {
					writeError(w, http.StatusNotFound, "user not found")
					return
				}
				writeStoreError(w, err, "get user failed")
				return
			}
			writeJSON(w, http.StatusOK, u)
		case http.MethodPut:
			var req auth.UserUpdate
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body")
				return
			}
			updated, err := deps.Auth.UpdateUser(r.Context(), actor, id, req)
			if err != nil {
				switch {
				case errors.Is(err, auth.ErrUserNotFound):
					writeError(w, http.StatusNotFound, "user not found")
				case errors.Is(err, auth.ErrWeakPassword):
					writeError(w, http.StatusBadRequest, "password does not meet policy")
				default:
					writeStoreError(w, err, "update user failed")
				}
				return
			}
			writeJSON(w, http.StatusOK, updated)
		case http.MethodDelete:
			// Deactivation, not deletion: the row stays for audit history.
			if err := deps.Auth.DeactivateUser(r.Context(), actor, id); err != nil {
				if errors.Is(err, auth.ErrUserNotFound) {
					writeError(w, http.StatusNotFound, "user not found")
					return
				}
				writeStoreError(w, err, "deactivate user failed")
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	})
}

func registerSessionAdminHandlers(mux *http.ServeMux, deps Deps) {
	mux.HandleFunc("/v1/system/sessions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		actor, _, ok := requireUser(w, r, deps.Auth, auth.CapManageUsers)
		if !ok {
			return
		}
		items, err := deps.Auth.ListSessions(r.Context(), actor)
		if err != nil {
			writeStoreError(w, err, "list sessions failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	})
}

func registerCRMHandlers(mux *http.ServeMux, deps Deps) {
	mux.HandleFunc("/v1/vendors", func(w http.ResponseWriter, r *http.Request) {
		actor, _, ok := requireUser(w, r, deps.Auth, auth.CapAccessFinanceModules)
		if !ok {
			return
		}
		if deps.CRM == nil {
			writeError(w, http.StatusServiceUnavailable, "crm service unavailable")
			return
		}

		switch r.Method {
		case http.MethodGet:
			items, err := deps.CRM.ListVendors(r.Context())
			if err != nil {
				writeStoreError(w, err, "list vendors failed")
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"items": items})
		case http.MethodPost:
			var req crm.Vendor
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body")
				return
			}
			saved, err := deps.CRM.UpsertVendor(r.Context(), req)
			if err != nil {
				if errors.Is(err, crm.ErrInvalidInput) {
					writeError(w, http.StatusBadRequest, err.Error())
					return
				}
				writeStoreError(w, err, "save vendor failed")
				return
			}
			auditReq(deps.Audit, r, &actor.ID, "vendor_saved", "vendor_id="+saved.ID)
			writeJSON(w, http.StatusOK, saved)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	})

	mux.HandleFunc("/v1/vendors/", func(w http.ResponseWriter, r *http.Request) {
		actor, _, ok := requireUser(w, r, deps.Auth, auth.CapAccessFinanceModules)
		if !ok {
			return
		}
		if deps.CRM == nil {
			writeError(w, http.StatusServiceUnavailable, "crm service unavailable")
			return
		}
		if r.Method != http.MethodDelete {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		id := pathID(r.URL.Path, "/v1/vendors/")
		if id == "" {
			writeError(w, http.StatusNotFound, "vendor not found")
			return
		}
		if err := deps.CRM.DeleteVendor(r.Context(), id); err != nil {
			if errors.Is(err, crm.ErrNotFound) {
				writeError(w, http.StatusNotFound, "vendor not found")
				return
			}
			writeStoreError(w, err, "delete vendor failed")
			return
		}
		auditReq(deps.Audit, r, &actor.ID, "vendor_deleted", "vendor_id="+id)
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("/v1/accounts", func(w http.ResponseWriter, r *http.Request) {
		actor, _, ok := requireUser(w, r, deps.Auth, auth.CapAccessFinanceModules)
		if !ok {
			return
		}
		if deps.CRM == nil {
			writeError(w, http.StatusServiceUnavailable, "crm service unavailable")
			return
		}

		switch r.Method {
		case http.MethodGet:
			items, err := deps.CRM.ListAccounts(r.Context(), r.URL.Query().Get("type"))
			if err != nil {
				writeStoreError(w, err, "list accounts failed")
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"items": items})
		case http.MethodPost:
			var req crm.Account
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body")
				return
			}
			saved, err := deps.CRM.UpsertAccount(r.Context(), req)
			if err != nil {
				if errors.Is(err, crm.ErrInvalidInput) {
					writeError(w, http.StatusBadRequest, err.Error())
					return
				}
				writeStoreError(w, err, "save account failed")
				return
			}
			auditReq(deps.Audit, r, &actor.ID, "account_saved", "account_id="+saved.ID)
			writeJSON(w, http.StatusOK, saved)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	})

	mux.HandleFunc("/v1/accounts/", func(w http.ResponseWriter, r *http.Request) {
		actor, _, ok := requireUser(w, r, deps.Auth, auth.CapAccessFinanceModules)
		if !ok {
			return
		}
		if deps.CRM == nil {
			writeError(w, http.StatusServiceUnavailable, "crm service unavailable")
			return
		}
		if r.Method != http.MethodDelete {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		id := pathID(r.URL.Path, "/v1/accounts/")
		if id == "" {
			writeError(w, http.StatusNotFound, "account not found")
			return
		}
		if err := deps.CRM.DeleteAccount(r.Context(), id); err != nil {
			if errors.Is(err, crm.ErrNotFound) {
				writeError(w, http.StatusNotFound, "account not found")
				return
			}
			writeStoreError(w, err, "delete account failed")
			return
		}
		auditReq(deps.Audit, r, &actor.ID, "account_deleted", "account_id="+id)
		w.WriteHeader(http.StatusNoContent)
	})
}

func registerVoucherHandlers(mux *http.ServeMux, deps Deps) {
	mux.HandleFunc("/v1/vouchers", func(w http.ResponseWriter, r *http.Request) {
		actor, _, ok := requireUser(w, r, deps.Auth, auth.CapAccessFinanceModules)
		if !ok {
			return
		}
		if deps.Vouchers == nil {
			writeError(w, http.StatusServiceUnavailable, "voucher service unavailable")
			return
		}

		switch r.Method {
		case http.MethodGet:
			items, err := deps.Vouchers.List(r.Context())
			if err != nil {
				writeStoreError(w, err, "list vouchers failed")
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"items": items})
		case http.MethodPost:
			var req vouchers.Voucher
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body")
				return
			}
			if strings.TrimSpace(req.Requester) == "" {
				req.Requester = actor.Username
			}
			created, err := deps.Vouchers.Create(r.Context(), req)
			if err != nil {
				if errors.Is(err, vouchers.ErrInvalidInput) {
					writeError(w, http.StatusBadRequest, err.Error())
					return
				}
				writeStoreError(w, err, "create voucher failed")
				return
			}
			auditReq(deps.Audit, r, &actor.ID, "voucher_created", "voucher="+created.VoucherNumber)
			writeJSON(w, http.StatusCreated, created)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	})

	mux.HandleFunc("/v1/vouchers/", func(w http.ResponseWriter, r *http.Request) {
		actor, snapshot, ok := requireUser(w, r, deps.Auth, auth.CapAccessFinanceModules)
		if !ok {
			return
		}
		if deps.Vouchers == nil {
			writeError(w, http.StatusServiceUnavailable, "voucher service unavailable")
			return
		}

		rest := strings.TrimPrefix(r.URL.Path, "/v1/vouchers/")
		if id, found := strings.CutSuffix(rest, "/status"); found {
			if r.Method != http.MethodPost {
				writeError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			if id == "" || strings.Contains(id, "/") {
				writeError(w, http.StatusNotFound, "voucher not found")
				return
			}

			var req struct {
				Status vouchers.Status `json:"status"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body")
				return
			}
			// Approval and rejection are reserved for approvers; other
			// transitions ride on the finance capability alone.
			if vouchers.RequiresApproval(req.Status) && !snapshot.ApproveVoucher {
				writeError(w, http.StatusForbidden, "forbidden")
				return
			}

			updated, err := deps.Vouchers.ChangeStatus(r.Context(), id, req.Status, actor.Username)
			if err != nil {
				switch {
				case errors.Is(err, vouchers.ErrNotFound):
					writeError(w, http.StatusNotFound, "voucher not found")
				case errors.Is(err, vouchers.ErrInvalidTransition):
					writeError(w, http.StatusBadRequest, err.Error())
				default:
					writeStoreError(w, err, "change voucher status failed")
				}
				return
			}
			auditReq(deps.Audit, r, &actor.ID, "voucher_status_changed",
				fmt.Sprintf("voucher=%s status=%s", updated.VoucherNumber, updated.Status))
			writeJSON(w, http.StatusOK, updated)
			return
		}

		id := pathID(r.URL.Path, "/v1/vouchers/")
		if id == "" {
			writeError(w, http.StatusNotFound, "voucher not found")
			return
		}

		switch r.Method {
		case http.MethodGet:
			v, err := deps.Vouchers.Get(r.Context(), id)
			if err != nil {
				if errors.Is(err, vouchers.ErrNotFound) {
					writeError(w, http.StatusNotFound, "voucher not found")
					return
				}
				writeStoreError(w, err, "get voucher failed")
				return
			}
			writeJSON(w, http.StatusOK, v)
		case http.MethodDelete:
			if err := deps.Vouchers.Delete(r.Context(), id); err != nil {
				if errors.Is(err, vouchers.ErrNotFound) {
					writeError(w, http.StatusNotFound, "voucher not found")
					return
				}
				writeStoreError(w, err, "delete voucher failed")
				return
			}
			auditReq(deps.Audit, r, &actor.ID, "voucher_deleted", "voucher_id="+id)
			w.WriteHeader(http.StatusNoContent)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	})
}

func registerInvoiceHandlers(mux *http.ServeMux, deps Deps) {
	mux.HandleFunc("/v1/invoices", func(w http.ResponseWriter, r *http.Request) {
		actor, _, ok := requireUser(w, r, deps.Auth, auth.CapAccessFinanceModules)
		if !ok {
			return
		}
		if deps.Invoices == nil {
			writeError(w, http.StatusServiceUnavailable, "invoice service unavailable")
			return
		}

		switch r.Method {
		case http.MethodGet:
			items, err := deps.Invoices.List(r.Context())
			if err != nil {
				writeStoreError(w, err, "list invoices failed")
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"items": items})
		case http.MethodPost:
			var req invoices.Invoice
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body")
				return
			}
			created, err := deps.Invoices.Create(r.Context(), req)
			if err != nil {
				if errors.Is(err, invoices.ErrInvalidInput) {
					writeError(w, http.StatusBadRequest, err.Error())
					return
				}
				writeStoreError(w, err, "create invoice failed")
				return
			}
			auditReq(deps.Audit, r, &actor.ID, "invoice_created", "invoice="+created.InvoiceNumber)
			writeJSON(w, http.StatusCreated, created)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	})

	mux.HandleFunc("/v1/invoices/", func(w http.ResponseWriter, r *http.Request) {
		actor, _, ok := requireUser(w, r, deps.Auth, auth.CapAccessFinanceModules)
		if !ok {
			return
		}
		if deps.Invoices == nil {
			writeError(w, http.StatusServiceUnavailable, "invoice service unavailable")
			return
		}
		id := pathID(r.URL.Path, "/v1/invoices/")
		if id == "" {
			writeError(w, http.StatusNotFound, "invoice not found")
			return
		}

		switch r.Method {
		case http.MethodGet:
			inv, err := deps.Invoices.Get(r.Context(), id)
			if err != nil {
				if errors.Is(err, invoices.ErrNotFound) {
					writeError(w, http.StatusNotFound, "invoice not found")
					return
				}
				writeStoreError(w, err, "get invoice failed")
				return
			}
			writeJSON(w, http.StatusOK, inv)
		case http.MethodDelete:
			if err := deps.Invoices.Delete(r.Context(), id); err != nil {
				if errors.Is(err, invoices.ErrNotFound) {
					writeError(w, http.StatusNotFound, "invoice not found")
					return
				}
				writeStoreError(w, err, "delete invoice failed")
				return
			}
			auditReq(deps.Audit, r, &actor.ID, "invoice_deleted", "invoice_id="+id)
			w.WriteHeader(http.StatusNoContent)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	})
}

func registerDBBrowserHandlers(mux *http.ServeMux, deps Deps) {
	mux.HandleFunc("/v1/db/query", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		actor, _, ok := requireUser(w, r, deps.Auth, auth.CapBrowseDatabase)
		if !ok {
			return
		}
		if deps.SQLBrowser == nil {
			writeError(w, http.StatusServiceUnavailable, "db browser unavailable")
			return
		}

		var req struct {
			Query string `json:"query"`
			Limit int    `json:"limit"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		res, err := deps.SQLBrowser.Query(r.Context(), req.Query, req.Limit)
		if err != nil {
			if errors.Is(err, sqlbrowser.ErrInvalidQuery) {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			writeStoreError(w, err, "query failed")
			return
		}
		auditReq(deps.Audit, r, &actor.ID, "db_query", fmt.Sprintf("rows=%d", len(res.Rows)))
		writeJSON(w, http.StatusOK, res)
	})
}

func registerMigrationHandlers(mux *http.ServeMux, deps Deps) {
	mux.HandleFunc("/v1/system/migrations", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if _, _, ok := requireUser(w, r, deps.Auth, auth.CapBrowseDatabase); !ok {
			return
		}
		if deps.Migrations == nil {
			writeError(w, http.StatusServiceUnavailable, "migration service unavailable")
			return
		}
		files, err := deps.Migrations.List()
		if err != nil {
			writeStoreError(w, err, "list migrations failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": files})
	})

	mux.HandleFunc("/v1/system/migrations/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if _, _, ok := requireUser(w, r, deps.Auth, auth.CapBrowseDatabase); !ok {
			return
		}
		if deps.Migrations == nil {
			writeError(w, http.StatusServiceUnavailable, "migration service unavailable")
			return
		}
		status, err := deps.Migrations.Status(r.Context())
		if err != nil {
			writeStoreError(w, err, "migration status failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": status})
	})

	mux.HandleFunc("/v1/system/migrations/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		actor, _, ok := requireUser(w, r, deps.Auth, auth.CapBrowseDatabase)
		if !ok {
			return
		}
		if deps.Migrations == nil {
			writeError(w, http.StatusServiceUnavailable, "migration service unavailable")
			return
		}

		trimmed := strings.TrimPrefix(r.URL.Path, "/v1/system/migrations/")
		name, found := strings.CutSuffix(trimmed, "/apply")
		if !found {
			writeError(w, http.StatusNotFound, "migration route not found")
			return
		}
		name = strings.TrimSuffix(name, "/")
		if name == "" || strings.Contains(name, "/") {
			writeError(w, http.StatusBadRequest, "invalid migration name")
			return
		}

		if err := deps.Migrations.Apply(r.Context(), name); err != nil {
			switch {
			case errors.Is(err, migrations.ErrUnknownMigration):
				writeError(w, http.StatusNotFound, "migration not found")
			case errors.Is(err, migrations.ErrAlreadyApplied):
				writeError(w, http.StatusConflict, "migration already applied")
			default:
				writeStoreError(w, err, "apply migration failed")
			}
			return
		}
		auditReq(deps.Audit, r, &actor.ID, "migration_applied", "name="+name)
		writeJSON(w, http.StatusOK, map[string]string{"status": "applied", "name": name})
	})
}

// requireUser resolves the bearer token to a user and a fresh permission
// snapshot, then checks capability when one is named. A denied capability is
// a 403 branch, not a server error.
func requireUser(w http.ResponseWriter, r *http.Request, authSvc AuthService, capability auth.Capability) (auth.User, auth.PermissionSnapshot, bool) {
	if authSvc == nil {
		writeError(w, http.StatusServiceUnavailable, "auth service unavailable")
		return auth.User{}, auth.PermissionSnapshot{}, false
	}
	token, err := extractBearerToken(r.Header.Get("Authorization"))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
		return auth.User{}, auth.PermissionSnapshot{}, false
	}

	user, snapshot, err := authSvc.Resolve(r.Context(), token)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrSessionExpired):
			writeError(w, http.StatusUnauthorized, "session expired")
		case errors.Is(err, auth.ErrSessionNotFound):
			writeError(w, http.StatusUnauthorized, "invalid session")
		default:
			writeStoreError(w, err, "session resolution failed")
		}
		return auth.User{}, auth.PermissionSnapshot{}, false
	}

	if capability != "" && !auth.CanPerform(user, capability) {
		writeError(w, http.StatusForbidden, "forbidden")
		return auth.User{}, auth.PermissionSnapshot{}, false
	}

	return user, snapshot, true
}

func extractBearerToken(authHeader string) (string, error) {
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", fmt.Errorf("invalid authorization header")
	}
	return strings.TrimSpace(parts[1]), nil
}

func parseUserID(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.Contains(raw, "/") {
		return 0, fmt.Errorf("invalid user id")
	}
	return strconv.ParseInt(raw, 10, 64)
}

func pathID(path, prefix string) string {
	id := strings.TrimPrefix(path, prefix)
	if id == "" || strings.Contains(id, "/") {
		return ""
	}
	return id
}

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeStoreError maps store timeouts to 503 so callers know to retry, and
// everything else to a plain 500.
func writeStoreError(w http.ResponseWriter, err error, message string) {
	if errors.Is(err, context.DeadlineExceeded) {
		writeError(w, http.StatusServiceUnavailable, "store temporarily unavailable")
		return
	}
	writeError(w, http.StatusInternalServerError, message)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.status = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", reqID)
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, reqID))
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
	})
}

type requestIDKey struct{}

func requestIDFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(requestIDKey{}).(string); ok {
		return s
	}
	return ""
}

func clientIP(r *http.Request) string {
	if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}

// auditReq records a feature mutation with request context attached. A nil
// recorder or a failed write never affects the response.
func auditReq(rec auth.AuditRecorder, r *http.Request, actorID *int64, kind, detail string) {
	if rec == nil {
		return
	}
	parts := []string{
		"rid=" + requestIDFromContext(r.Context()),
		"ip=" + clientIP(r),
	}
	if strings.TrimSpace(detail) != "" {
		parts = append(parts, detail)
	}
	_ = rec.Record(r.Context(), actorID, kind, strings.Join(parts, " | "))
}
