package zyneth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestServer(t *testing.T) (*Server, *fakeStore, *TokenIssuer) {
	t.Helper()
	store := newFakeStore()
	tokens := &TokenIssuer{SecretKey: "test-secret", Issuer: "zyneth-test"}
	service := NewAccountService(store, tokens, nil, nil)
	server := NewServer(service, tokens, nil, nil, Config{
		FrontendURL: "http://localhost:5500/frontend",
	}, nil)
	return server, store, tokens
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func signupBody(username, email string) map[string]string {
	return map[string]string{
		"full_name":        "Test " + username,
		"username":         username,
		"email":            email,
		"password":         "secret123",
		"confirm_password": "secret123",
	}
}

func TestSignupEndpoint(t *testing.T) {
	server, store, _ := newTestServer(t)
	handler := server.Handler()

	w := doJSON(t, handler, "POST", "/users/signup", signupBody("alice", "alice@example.com"), "")
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	user, ok := body["user"].(map[string]any)
	if !ok {
		t.Fatalf("missing user in response: %v", body)
	}
	if user["username"] != "alice" {
		t.Errorf("expected username alice, got %v", user["username"])
	}
	if user["is_verified"] != false {
		t.Errorf("expected unverified account")
	}
	if _, leaked := user["otp_code"]; leaked {
		t.Errorf("otp code leaked in response")
	}

	// Duplicate email conflicts.
	w = doJSON(t, handler, "POST", "/users/signup", signupBody("alice2", "alice@example.com"), "")
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", w.Code)
	}

	// Validation failures name the field.
	bad := signupBody("al", "bad@example.com")
	w = doJSON(t, handler, "POST", "/users/signup", bad, "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
	if body := decodeBody(t, w); body["field"] != "username" {
		t.Errorf("expected field username, got %v", body["field"])
	}

	if len(store.accounts) != 1 {
		t.Errorf("expected exactly one stored account, got %d", len(store.accounts))
	}
}

func TestLoginEndpoint(t *testing.T) {
	server, store, _ := newTestServer(t)
	handler := server.Handler()

	w := doJSON(t, handler, "POST", "/users/signup", signupBody("alice", "alice@example.com"), "")
	if w.Code != http.StatusCreated {
		t.Fatalf("signup failed: %d", w.Code)
	}

	login := map[string]string{"email": "alice@example.com", "password": "secret123"}

	// Unverified login is rejected with a distinct status.
	w = doJSON(t, handler, "POST", "/users/login", login, "")
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for unverified, got %d", w.Code)
	}

	var accountID string
	for id := range store.accounts {
		accountID = id
	}
	if err := store.ClearOTP(context.Background(), accountID, true); err != nil {
		t.Fatal(err)
	}

	w = doJSON(t, handler, "POST", "/users/login", login, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["access_token"] == "" {
		t.Errorf("expected access token")
	}
	if body["token_type"] != "bearer" {
		t.Errorf("expected bearer token type, got %v", body["token_type"])
	}

	// Wrong password and unknown user fail with the same status.
	w = doJSON(t, handler, "POST", "/users/login", map[string]string{"email": "alice@example.com", "password": "nope1234"}, "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
	w = doJSON(t, handler, "POST", "/users/login", map[string]string{"email": "ghost@example.com", "password": "secret123"}, "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

// seedVerified creates a verified active account directly in the store and
// returns it with a valid token.
func seedVerified(t *testing.T, store *fakeStore, tokens *TokenIssuer, id, username, email string, role Role) (*Account, string) {
	t.Helper()
	hash, err := HashPassword("secret123")
	if err != nil {
		t.Fatal(err)
	}
	account, err := store.Create(context.Background(), &Account{
		ID:           id,
		FullName:     "Test " + username,
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		Role:         role,
		AuthProvider: ProviderEmail,
		IsActive:     true,
		IsVerified:   true,
	})
	if err != nil {
		t.Fatal(err)
	}
	token, _, err := tokens.Issue(account)
	if err != nil {
		t.Fatal(err)
	}
	return account, token
}

func TestMeEndpoint(t *testing.T) {
	server, store, tokens := newTestServer(t)
	handler := server.Handler()
	_, token := seedVerified(t, store, tokens, "u1", "alice", "alice@example.com", RoleUser)

	tests := []struct {
		name       string
		token      string
		wantStatus int
	}{
		{"no token", "", http.StatusUnauthorized},
		{"garbage token", "not.a.token", http.StatusUnauthorized},
		{"valid token", token, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, handler, "GET", "/users/me", nil, tt.token)
			if w.Code != tt.wantStatus {
				t.Errorf("expected %d, got %d", tt.wantStatus, w.Code)
			}
		})
	}

	// Deactivation takes effect immediately, even with a live token.
	if err := store.SetActive(context.Background(), "u1", false); err != nil {
		t.Fatal(err)
	}
	w := doJSON(t, handler, "GET", "/users/me", nil, token)
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403 after deactivation, got %d", w.Code)
	}
}

func TestUpdateProfileEndpoint(t *testing.T) {
	server, store, tokens := newTestServer(t)
	handler := server.Handler()
	_, token := seedVerified(t, store, tokens, "u1", "alice", "alice@example.com", RoleUser)

	w := doJSON(t, handler, "PUT", "/users/me", map[string]string{"full_name": "Alice Renamed"}, token)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if body := decodeBody(t, w); body["full_name"] != "Alice Renamed" {
		t.Errorf("expected renamed profile, got %v", body["full_name"])
	}

	w = doJSON(t, handler, "PUT", "/users/me", map[string]string{}, token)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for empty patch, got %d", w.Code)
	}
}

func TestAdminEndpointsRequireAdmin(t *testing.T) {
	server, store, tokens := newTestServer(t)
	handler := server.Handler()
	_, userToken := seedVerified(t, store, tokens, "u1", "alice", "alice@example.com", RoleUser)
	_, adminToken := seedVerified(t, store, tokens, "u2", "root", "root@example.com", RoleAdmin)

	paths := []struct {
		method string
		path   string
	}{
		{"GET", "/users"},
		{"GET", "/users/search?q=alice"},
		{"PUT", "/users/u1/deactivate"},
		{"DELETE", "/users/u1"},
	}
	for _, p := range paths {
		w := doJSON(t, handler, p.method, p.path, nil, userToken)
		if w.Code != http.StatusForbidden {
			t.Errorf("%s %s: expected 403 for non-admin, got %d", p.method, p.path, w.Code)
		}
	}

	w := doJSON(t, handler, "GET", "/users", nil, adminToken)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["total"] != float64(2) {
		t.Errorf("expected total 2, got %v", body["total"])
	}
}

func TestListActiveFilterParsing(t *testing.T) {
	server, store, tokens := newTestServer(t)
	handler := server.Handler()
	_, adminToken := seedVerified(t, store, tokens, "u1", "root", "root@example.com", RoleAdmin)
	seedVerified(t, store, tokens, "u2", "bob", "bob@example.com", RoleUser)
	if err := store.SetActive(context.Background(), "u2", false); err != nil {
		t.Fatal(err)
	}

	// Every ParseBool spelling of true selects active accounts.
	for _, v := range []string{"true", "1", "TRUE"} {
		w := doJSON(t, handler, "GET", "/users?is_active="+v, nil, adminToken)
		if w.Code != http.StatusOK {
			t.Fatalf("is_active=%s: expected 200, got %d", v, w.Code)
		}
		if body := decodeBody(t, w); body["total"] != float64(1) {
			t.Errorf("is_active=%s: expected total 1, got %v", v, body["total"])
		}
	}

	w := doJSON(t, handler, "GET", "/users?is_active=0", nil, adminToken)
	if w.Code != http.StatusOK {
		t.Fatalf("is_active=0: expected 200, got %d", w.Code)
	}
	if body := decodeBody(t, w); body["total"] != float64(1) {
		t.Errorf("is_active=0: expected total 1, got %v", body["total"])
	}

	// Garbage is rejected, not silently treated as false.
	w = doJSON(t, handler, "GET", "/users?is_active=maybe", nil, adminToken)
	if w.Code != http.StatusBadRequest {
		t.Errorf("is_active=maybe: expected 400, got %d", w.Code)
	}
}

func TestAdminLifecycle(t *testing.T) {
	server, store, tokens := newTestServer(t)
	handler := server.Handler()
	_, adminToken := seedVerified(t, store, tokens, "u2", "root", "root@example.com", RoleAdmin)

	// Admin-created accounts arrive verified.
	w := doJSON(t, handler, "POST", "/users", map[string]any{
		"full_name": "Bob Example",
		"username":  "bob",
		"email":     "bob@example.com",
		"password":  "secret123",
		"role":      "user",
	}, adminToken)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	created := decodeBody(t, w)
	if created["is_verified"] != true {
		t.Errorf("expected verified account")
	}
	bobID, _ := created["id"].(string)

	w = doJSON(t, handler, "PUT", fmt.Sprintf("/users/%s/deactivate", bobID), nil, adminToken)
	if w.Code != http.StatusOK {
		t.Fatalf("deactivate: expected 200, got %d", w.Code)
	}
	if store.raw(bobID).IsActive {
		t.Errorf("expected deactivated account")
	}

	w = doJSON(t, handler, "PUT", fmt.Sprintf("/users/%s/activate", bobID), nil, adminToken)
	if w.Code != http.StatusOK {
		t.Fatalf("activate: expected 200, got %d", w.Code)
	}
	if !store.raw(bobID).IsActive {
		t.Errorf("expected reactivated account")
	}

	// Admins cannot delete themselves.
	w = doJSON(t, handler, "DELETE", "/users/u2", nil, adminToken)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for self-delete, got %d", w.Code)
	}

	w = doJSON(t, handler, "DELETE", fmt.Sprintf("/users/%s", bobID), nil, adminToken)
	if w.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d", w.Code)
	}
	w = doJSON(t, handler, "DELETE", fmt.Sprintf("/users/%s", bobID), nil, adminToken)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for repeated delete, got %d", w.Code)
	}
}

func TestOTPEndpoints(t *testing.T) {
	server, store, _ := newTestServer(t)
	handler := server.Handler()

	w := doJSON(t, handler, "POST", "/users/signup", signupBody("alice", "alice@example.com"), "")
	if w.Code != http.StatusCreated {
		t.Fatalf("signup failed: %d", w.Code)
	}

	var accountID string
	for id := range store.accounts {
		accountID = id
	}

	// Status shows the pending code issued at signup.
	w = doJSON(t, handler, "GET", "/auth/otp/status?email=alice@example.com", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status: expected 200, got %d", w.Code)
	}
	status := decodeBody(t, w)
	if status["exists"] != true || status["has_otp"] != true {
		t.Errorf("unexpected status: %v", status)
	}
	// Zero-valued state is still reported explicitly.
	if v, ok := status["is_verified"]; !ok || v != false {
		t.Errorf("expected is_verified false in status, got %v (present=%v)", v, ok)
	}
	if v, ok := status["otp_attempts"]; !ok || v != float64(0) {
		t.Errorf("expected otp_attempts 0 in status, got %v (present=%v)", v, ok)
	}

	// Wrong code decrements the attempt budget.
	code := store.raw(accountID).OTPCode
	wrong := "000000"
	if wrong == code {
		wrong = "000001"
	}
	w = doJSON(t, handler, "POST", "/auth/otp/verify", map[string]string{"email": "alice@example.com", "otp": wrong}, "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for wrong code, got %d", w.Code)
	}

	// The right code verifies the account.
	w = doJSON(t, handler, "POST", "/auth/otp/verify", map[string]string{"email": "alice@example.com", "otp": code}, "")
	if w.Code != http.StatusOK {
		t.Fatalf("verify: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !store.raw(accountID).IsVerified {
		t.Errorf("expected verified account")
	}

	// Unknown addresses are a 404 on send, not a silent success.
	w = doJSON(t, handler, "POST", "/auth/otp/send", map[string]string{"email": "ghost@example.com"}, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}

	// Status for an unknown address reports absence without error.
	w = doJSON(t, handler, "GET", "/auth/otp/status?email=ghost@example.com", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status: expected 200, got %d", w.Code)
	}
	if decodeBody(t, w)["exists"] != false {
		t.Errorf("expected exists=false")
	}
}

func TestOTPLockoutOverHTTP(t *testing.T) {
	server, store, _ := newTestServer(t)
	handler := server.Handler()

	w := doJSON(t, handler, "POST", "/users/signup", signupBody("alice", "alice@example.com"), "")
	if w.Code != http.StatusCreated {
		t.Fatalf("signup failed: %d", w.Code)
	}
	var accountID string
	for id := range store.accounts {
		accountID = id
	}
	code := store.raw(accountID).OTPCode
	wrong := "000000"
	if wrong == code {
		wrong = "000001"
	}

	for i := 0; i < 2; i++ {
		w = doJSON(t, handler, "POST", "/auth/otp/verify", map[string]string{"email": "alice@example.com", "otp": wrong}, "")
		if w.Code != http.StatusBadRequest {
			t.Fatalf("attempt %d: expected 400, got %d", i+1, w.Code)
		}
	}
	w = doJSON(t, handler, "POST", "/auth/otp/verify", map[string]string{"email": "alice@example.com", "otp": wrong}, "")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 on third failure, got %d", w.Code)
	}
	locked := decodeBody(t, w)
	if remaining, ok := locked["remaining_attempts"]; !ok || remaining != float64(0) {
		t.Errorf("expected remaining_attempts 0 on the locking failure, got %v (present=%v)", remaining, ok)
	}

	// The lock also blocks resends.
	w = doJSON(t, handler, "POST", "/auth/otp/resend", map[string]string{"email": "alice@example.com"}, "")
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429 for locked resend, got %d", w.Code)
	}
}

func TestGoogleLoginNotConfigured(t *testing.T) {
	server, _, _ := newTestServer(t)
	handler := server.Handler()

	w := doJSON(t, handler, "GET", "/auth/google/login", nil, "")
	if w.Code != http.StatusNotImplemented {
		t.Errorf("expected 501, got %d", w.Code)
	}
	w = doJSON(t, handler, "GET", "/auth/google/callback?code=x&state=y", nil, "")
	if w.Code != http.StatusNotImplemented {
		t.Errorf("expected 501, got %d", w.Code)
	}
}

func TestStoreUnavailableMapsTo503(t *testing.T) {
	server, store, tokens := newTestServer(t)
	handler := server.Handler()
	_, adminToken := seedVerified(t, store, tokens, "u2", "root", "root@example.com", RoleAdmin)

	store.failWith(ErrStoreUnavailable)
	defer store.failWith(nil)

	// Token-authenticated requests fail at account load.
	w := doJSON(t, handler, "GET", "/users", nil, adminToken)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 when account load fails, got %d", w.Code)
	}

	// Unauthenticated flows surface the outage directly.
	w = doJSON(t, handler, "POST", "/users/login", map[string]string{"email": "root@example.com", "password": "secret123"}, "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
}
