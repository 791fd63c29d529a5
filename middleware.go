package zyneth

import (
	"context"
	"net/http"
	"strings"

	"github.com/alexedwards/scs/v2"
)

type contextKey string

const accountContextKey contextKey = "zyneth_account"

// Middleware authenticates requests: a Bearer token in the Authorization
// header, the access-token cookie, or the server-side session, in that
// order. The resolved account is loaded from the store so deactivation
// takes effect immediately even for live tokens.
type Middleware struct {
	Tokens  *TokenIssuer
	Store   AccountStore
	Session *scs.SessionManager

	// CookieName is the fallback token cookie. Defaults to "access_token".
	CookieName string
	// SessionVar is the session key holding the logged-in account id.
	SessionVar string
}

func (m *Middleware) cookieName() string {
	if m.CookieName != "" {
		return m.CookieName
	}
	return "access_token"
}

func (m *Middleware) sessionVar() string {
	if m.SessionVar != "" {
		return m.SessionVar
	}
	return "loggedInUserId"
}

// AccountFromContext returns the authenticated account set by the
// middleware, or nil.
func AccountFromContext(ctx context.Context) *Account {
	account, _ := ctx.Value(accountContextKey).(*Account)
	return account
}

// resolveAccountID extracts an account id from the request without touching
// the store.
func (m *Middleware) resolveAccountID(r *http.Request) string {
	if m.Session != nil {
		if id := m.Session.GetString(r.Context(), m.sessionVar()); id != "" {
			return id
		}
	}

	tokens := make([]string, 0, 2)
	if h := r.Header.Get("Authorization"); h != "" {
		tokens = append(tokens, strings.TrimPrefix(h, "Bearer "))
	}
	if cookie, err := r.Cookie(m.cookieName()); err == nil && cookie.Value != "" {
		tokens = append(tokens, cookie.Value)
	}
	for _, raw := range tokens {
		claims, err := m.Tokens.Validate(raw)
		if err == nil && claims.AccountID != "" {
			return claims.AccountID
		}
	}
	return ""
}

// ExtractAccount loads the account (when authenticated) into the request
// context without enforcing anything.
func (m *Middleware) ExtractAccount(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := m.resolveAccountID(r); id != "" {
			if account, err := m.Store.GetByID(r.Context(), id); err == nil {
				r = r.WithContext(context.WithValue(r.Context(), accountContextKey, account))
			}
		}
		next.ServeHTTP(w, r)
	})
}

// EnsureAccount rejects unauthenticated or deactivated callers with 401/403
// before the handler runs.
func (m *Middleware) EnsureAccount(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := m.resolveAccountID(r)
		if id == "" {
			writeJSONError(w, http.StatusUnauthorized, NewAuthError("unauthorized", "Authentication required", ""))
			return
		}
		account, err := m.Store.GetByID(r.Context(), id)
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, NewAuthError("unauthorized", "Authentication required", ""))
			return
		}
		if !account.IsActive {
			writeJSONError(w, http.StatusForbidden, NewAuthError(ErrCodeDeactivated, "Your account is deactivated. Contact admin.", ""))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), accountContextKey, account)))
	})
}

// EnsureAdmin chains EnsureAccount with a role gate. Non-admin callers are
// rejected before any mutation happens.
func (m *Middleware) EnsureAdmin(next http.Handler) http.Handler {
	return m.EnsureAccount(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		account := AccountFromContext(r.Context())
		if account == nil || account.Role != RoleAdmin {
			writeJSONError(w, http.StatusForbidden, NewAuthError(ErrCodeForbidden, "Admin access required", ""))
			return
		}
		next.ServeHTTP(w, r)
	}))
}
