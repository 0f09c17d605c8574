package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"voucherpro/backend/internal/audit"
	"voucherpro/backend/internal/auth"
	"voucherpro/backend/internal/crm"
	"voucherpro/backend/internal/invoices"
	"voucherpro/backend/internal/vouchers"
)

type testEnv struct {
	handler http.Handler
	auth    *auth.Service
	users   *auth.InMemoryUserStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	users := auth.NewInMemoryUserStore()
	sessions := auth.NewInMemorySessionStore()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	svc, err := auth.NewService(users, sessions, nil, log, auth.ServiceConfig{
		LockoutThreshold: 5,
		LockoutDuration:  15 * time.Minute,
		SessionTTL:       24 * time.Hour,
		StoreTimeout:     time.Second,
	})
	if err != nil {
		t.Fatalf("auth.NewService() error: %v", err)
	}

	deps := Deps{
		Auth:     svc,
		CRM:      crm.NewService(),
		Vouchers: vouchers.NewService(),
		Invoices: invoices.NewService(),
	}
	return &testEnv{
		handler: loggingMiddleware(NewHandler(deps)),
		auth:    svc,
		users:   users,
	}
}

func (env *testEnv) addUser(t *testing.T, username, password string, mutate func(*auth.User)) {
	t.Helper()

	hash, err := auth.HashPassword(password)
	if err != nil {
		t.Fatalf("HashPassword() error: %v", err)
	}
	u := auth.User{
		Username:     username,
		PasswordHash: hash,
		Role:         auth.RoleUser,
		IsActive:     true,
		CreatedAt:    time.Now().UTC(),
	}
	if mutate != nil {
		mutate(&u)
	}
	if _, err := env.users.Insert(context.Background(), u); err != nil {
		t.Fatalf("Insert() error: %v", err)
	}
}

func (env *testEnv) login(t *testing.T, username, password string) string {
	t.Helper()

	session, err := env.auth.Login(context.Background(), username, password)
	if err != nil {
		t.Fatalf("Login(%s) error: %v", username, err)
	}
	return session.Token
}

func (env *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
}

func TestLoginEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "alice", "correct horse", nil)

	rec := env.do(t, http.MethodPost, "/v1/auth/login", "", map[string]string{
		"username": "alice", "password": "correct horse",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Token     string `json:"token"`
		SessionID string `json:"session_id"`
	}
	decodeJSON(t, rec, &resp)
	if resp.Token == "" || resp.SessionID == "" {
		t.Fatalf("expected token and session id, got %+v", resp)
	}
}

func TestLoginFailuresShareOneMessage(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "alice", "correct horse", nil)
	env.addUser(t, "gone", "correct horse", func(u *auth.User) { u.IsActive = false })

	for _, body := range []map[string]string{
		{"username": "alice", "password": "wrong"},
		{"username": "ghost", "password": "wrong"},
		{"username": "gone", "password": "correct horse"},
	} {
		rec := env.do(t, http.MethodPost, "/v1/auth/login", "", body)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("login %v: expected 401, got %d", body, rec.Code)
		}
		var resp struct {
			Error string `json:"error"`
		}
		decodeJSON(t, rec, &resp)
		if resp.Error != "invalid credentials" {
			t.Fatalf("login %v: expected generic message, got %q", body, resp.Error)
		}
	}
}

func TestLoginLockedMessage(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "bob", "correct horse", nil)

	for i := 0; i < 5; i++ {
		env.do(t, http.MethodPost, "/v1/auth/login", "", map[string]string{
			"username": "bob", "password": "wrong",
		})
	}
	rec := env.do(t, http.MethodPost, "/v1/auth/login", "", map[string]string{
		"username": "bob", "password": "correct horse",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 while locked, got %d", rec.Code)
	}
	var resp struct {
		Error string `json:"error"`
	}
	decodeJSON(t, rec, &resp)
	if resp.Error != "too many failed attempts, try again later" {
		t.Fatalf("unexpected lock message %q", resp.Error)
	}
}

func TestMissingTokenIsUnauthorized(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/v1/auth/me", "/v1/vendors", "/v1/users", "/v1/vouchers"} {
		rec := env.do(t, http.MethodGet, path, "", nil)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", path, rec.Code)
		}
	}
}

func TestMeReturnsUserAndSnapshot(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "alice", "correct horse", func(u *auth.User) { u.CanCreateVoucher = true })
	token := env.login(t, "alice", "correct horse")

	rec := env.do(t, http.MethodGet, "/v1/auth/me", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		User struct {
			Username     string `json:"username"`
			PasswordHash string `json:"password_hash"`
		} `json:"user"`
		Permissions struct {
			AccessFinanceModules bool `json:"access_finance_modules"`
			BrowseDatabase       bool `json:"browse_database"`
		} `json:"permissions"`
	}
	decodeJSON(t, rec, &resp)
	if resp.User.Username != "alice" {
		t.Fatalf("unexpected user: %+v", resp.User)
	}
	if resp.User.PasswordHash != "" {
		t.Fatalf("password hash must never appear in responses")
	}
	if !resp.Permissions.AccessFinanceModules || resp.Permissions.BrowseDatabase {
		t.Fatalf("unexpected snapshot: %+v", resp.Permissions)
	}
}

func TestLogoutKillsSession(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "alice", "correct horse", nil)
	token := env.login(t, "alice", "correct horse")

	if rec := env.do(t, http.MethodPost, "/v1/auth/logout", token, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/v1/auth/me", token, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after logout, got %d", rec.Code)
	}
	// Second logout with the same token is still a 204.
	if rec := env.do(t, http.MethodPost, "/v1/auth/logout", token, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("expected idempotent logout, got %d", rec.Code)
	}
}

func TestVendorsRequireFinanceCapability(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "plain", "correct horse", nil)
	env.addUser(t, "finance", "correct horse", func(u *auth.User) { u.CanCreateVoucher = true })

	plainToken := env.login(t, "plain", "correct horse")
	if rec := env.do(t, http.MethodGet, "/v1/vendors", plainToken, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for plain user, got %d", rec.Code)
	}

	financeToken := env.login(t, "finance", "correct horse")
	rec := env.do(t, http.MethodPost, "/v1/vendors", financeToken, crm.Vendor{Name: "Acme"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var saved crm.Vendor
	decodeJSON(t, rec, &saved)
	if saved.ID == "" {
		t.Fatalf("expected saved vendor with id")
	}

	if rec := env.do(t, http.MethodDelete, "/v1/vendors/"+saved.ID, financeToken, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 delete, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodDelete, "/v1/vendors/"+saved.ID, financeToken, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on second delete, got %d", rec.Code)
	}
}

func TestVoucherApprovalNeedsCapability(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "clerk", "correct horse", func(u *auth.User) { u.CanCreateVoucher = true })
	env.addUser(t, "boss", "correct horse", func(u *auth.User) {
		u.CanCreateVoucher = true
		u.CanApproveVoucher = true
	})

	clerkToken := env.login(t, "clerk", "correct horse")
	rec := env.do(t, http.MethodPost, "/v1/vouchers", clerkToken, vouchers.Voucher{Vendor: "Acme"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created vouchers.Voucher
	decodeJSON(t, rec, &created)
	if created.Requester != "clerk" {
		t.Fatalf("expected requester defaulted to actor, got %q", created.Requester)
	}

	if rec := env.do(t, http.MethodPost, "/v1/vouchers/"+created.ID+"/status", clerkToken,
		map[string]string{"status": "submitted"}); rec.Code != http.StatusOK {
		t.Fatalf("expected clerk to submit, got %d: %s", rec.Code, rec.Body.String())
	}

	// Approval is reserved for the approval capability.
	if rec := env.do(t, http.MethodPost, "/v1/vouchers/"+created.ID+"/status", clerkToken,
		map[string]string{"status": "approved"}); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for clerk approval, got %d", rec.Code)
	}

	bossToken := env.login(t, "boss", "correct horse")
	rec = env.do(t, http.MethodPost, "/v1/vouchers/"+created.ID+"/status", bossToken,
		map[string]string{"status": "approved"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected boss approval, got %d: %s", rec.Code, rec.Body.String())
	}
	var approved vouchers.Voucher
	decodeJSON(t, rec, &approved)
	if approved.Status != vouchers.StatusApproved || approved.ApprovedBy != "boss" {
		t.Fatalf("unexpected voucher after approval: %+v", approved)
	}
}

func TestInvalidTransitionIsBadRequest(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "boss", "correct horse", func(u *auth.User) {
		u.CanCreateVoucher = true
		u.CanApproveVoucher = true
	})
	token := env.login(t, "boss", "correct horse")

	rec := env.do(t, http.MethodPost, "/v1/vouchers", token, vouchers.Voucher{Vendor: "Acme"})
	var created vouchers.Voucher
	decodeJSON(t, rec, &created)

	if rec := env.do(t, http.MethodPost, "/v1/vouchers/"+created.ID+"/status", token,
		map[string]string{"status": "approved"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for draft->approved, got %d", rec.Code)
	}
}

func TestUserAdministration(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "root", "correct horse", func(u *auth.User) { u.Role = auth.RoleAdmin })
	env.addUser(t, "plain", "correct horse", nil)

	plainToken := env.login(t, "plain", "correct horse")
	if rec := env.do(t, http.MethodGet, "/v1/users", plainToken, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for plain user, got %d", rec.Code)
	}

	adminToken := env.login(t, "root", "correct horse")
	rec := env.do(t, http.MethodPost, "/v1/users", adminToken, auth.NewUser{
		Username: "carol", Password: "longenough", Role: auth.RoleUser,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created auth.User
	decodeJSON(t, rec, &created)
	if created.ID == 0 || created.Username != "carol" {
		t.Fatalf("unexpected created user: %+v", created)
	}

	// Duplicate username is a conflict.
	if rec := env.do(t, http.MethodPost, "/v1/users", adminToken, auth.NewUser{
		Username: "carol", Password: "longenough", Role: auth.RoleUser,
	}); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}

	// Weak password is a 400.
	if rec := env.do(t, http.MethodPost, "/v1/users", adminToken, auth.NewUser{
		Username: "dave", Password: "tiny", Role: auth.RoleUser,
	}); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, fmt.Sprintf("/v1/users/%d", created.ID), adminToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	if rec := env.do(t, http.MethodDelete, fmt.Sprintf("/v1/users/%d", created.ID), adminToken, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/v1/users/9999", adminToken, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown user, got %d", rec.Code)
	}
}

func TestRevokeUserSessionsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "root", "correct horse", func(u *auth.User) { u.Role = auth.RoleAdmin })
	env.addUser(t, "alice", "correct horse", nil)

	adminToken := env.login(t, "root", "correct horse")
	aliceToken := env.login(t, "alice", "correct horse")

	var aliceID int64
	rec := env.do(t, http.MethodGet, "/v1/users", adminToken, nil)
	var list struct {
		Items []auth.User `json:"items"`
	}
	decodeJSON(t, rec, &list)
	for _, u := range list.Items {
		if u.Username == "alice" {
			aliceID = u.ID
		}
	}
	if aliceID == 0 {
		t.Fatalf("alice not found in listing")
	}

	if rec := env.do(t, http.MethodDelete, fmt.Sprintf("/v1/users/%d/sessions", aliceID), adminToken, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/v1/auth/me", aliceToken, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected alice's session revoked, got %d", rec.Code)
	}
}

func TestChangePasswordEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "alice", "old password", nil)
	token := env.login(t, "alice", "old password")

	if rec := env.do(t, http.MethodPost, "/v1/auth/change-password", token, map[string]string{
		"current_password": "wrong", "new_password": "new password",
	}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong current password, got %d", rec.Code)
	}

	if rec := env.do(t, http.MethodPost, "/v1/auth/change-password", token, map[string]string{
		"current_password": "old password", "new_password": "new password",
	}); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}

	rec := env.do(t, http.MethodPost, "/v1/auth/login", "", map[string]string{
		"username": "alice", "password": "new password",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected login with new password, got %d", rec.Code)
	}
}

func TestDBBrowserIsAdminOnlyAndOptional(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "root", "correct horse", func(u *auth.User) { u.Role = auth.RoleAdmin })
	env.addUser(t, "finance", "correct horse", func(u *auth.User) {
		u.CanCreateVoucher = true
		u.CanApproveVoucher = true
		u.CanManageUsers = true
	})

	financeToken := env.login(t, "finance", "correct horse")
	if rec := env.do(t, http.MethodPost, "/v1/db/query", financeToken, map[string]string{"query": "SELECT 1"}); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin, got %d", rec.Code)
	}

	// No database configured: the admin gets a 503, not a 500.
	adminToken := env.login(t, "root", "correct horse")
	if rec := env.do(t, http.MethodPost, "/v1/db/query", adminToken, map[string]string{"query": "SELECT 1"}); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without database, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/v1/system/migrations", adminToken, nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without migrations, got %d", rec.Code)
	}
}

func TestInvoicesEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "finance", "correct horse", func(u *auth.User) { u.CanCreateVoucher = true })
	token := env.login(t, "finance", "correct horse")

	rec := env.do(t, http.MethodPost, "/v1/invoices", token, invoices.Invoice{
		InvoiceNumber: "INV-1", Vendor: "Acme", TotalAmount: "100.00",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created invoices.Invoice
	decodeJSON(t, rec, &created)

	rec = env.do(t, http.MethodGet, "/v1/invoices", token, nil)
	var list struct {
		Items []invoices.Invoice `json:"items"`
	}
	decodeJSON(t, rec, &list)
	if len(list.Items) != 1 {
		t.Fatalf("expected 1 invoice, got %d", len(list.Items))
	}

	if rec := env.do(t, http.MethodDelete, "/v1/invoices/"+created.ID, token, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
}

func TestHealthEndpointsNeedNoAuth(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/healthz", "/readyz", "/v1/info"} {
		rec := env.do(t, http.MethodGet, path, "", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rec.Code)
		}
	}
}

func TestRequestIDHeader(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatalf("expected generated request id")
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "fixed-id")
	res := httptest.NewRecorder()
	env.handler.ServeHTTP(res, req)
	if res.Header().Get("X-Request-Id") != "fixed-id" {
		t.Fatalf("expected request id echoed, got %q", res.Header().Get("X-Request-Id"))
	}
}

func TestAuditReqAttachesRequestContext(t *testing.T) {
	rec := audit.NewFileRecorder("")
	req := httptest.NewRequest(http.MethodPost, "/v1/vendors", nil)
	// A nil-path recorder and a recorder-less Deps must both be safe.
	auditReq(rec, req, nil, "vendor_saved", "vendor_id=x")
	auditReq(nil, req, nil, "vendor_saved", "vendor_id=x")
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "root", "correct horse", func(u *auth.User) { u.Role = auth.RoleAdmin })
	token := env.login(t, "root", "correct horse")

	if rec := env.do(t, http.MethodGet, "/v1/auth/login", "", nil); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPatch, "/v1/users", token, nil); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}
