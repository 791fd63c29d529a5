package zyneth

import (
	"context"
	"strings"
	"time"
)

// ListFilter narrows List/Count to a role and/or active flag. Nil fields
// match everything.
type ListFilter struct {
	Role     *Role
	IsActive *bool
}

// AccountStore is the persistence contract for account documents.
//
// Every read distinguishes "no match" (ErrAccountNotFound) from "store
// unreachable" (an error wrapping ErrStoreUnavailable). Create and Update
// perform uniqueness pre-checks but the definitive guarantee is the store's
// unique indexes on email and username: the losing side of a racing insert
// surfaces as the same ErrEmailExists/ErrUsernameTaken as the pre-check.
type AccountStore interface {
	GetByID(ctx context.Context, id string) (*Account, error)
	GetByEmail(ctx context.Context, email string) (*Account, error)
	GetByUsername(ctx context.Context, username string) (*Account, error)
	GetByGoogleID(ctx context.Context, subjectID string) (*Account, error)

	// GetByIdentifier tries email first, then username.
	GetByIdentifier(ctx context.Context, identifier string) (*Account, error)

	// Create persists a new account. The store assigns timestamps; the
	// caller assigns the id.
	Create(ctx context.Context, account *Account) (*Account, error)

	// Update applies a typed patch, re-checking email/username uniqueness
	// against all other documents.
	Update(ctx context.Context, id string, patch AccountPatch) (*Account, error)

	List(ctx context.Context, filter ListFilter, skip, limit int) ([]*Account, error)
	Count(ctx context.Context, filter ListFilter) (int64, error)

	// Search matches term case-insensitively against full name, username
	// and email.
	Search(ctx context.Context, term string, skip, limit int) ([]*Account, error)

	Delete(ctx context.Context, id string) error
	SetActive(ctx context.Context, id string, active bool) error
	SetLastLogin(ctx context.Context, id string) error
	SetPassword(ctx context.Context, id string, passwordHash string) error

	// SetOTP stores a fresh code: attempts reset to 0, lock cleared,
	// is_verified forced false.
	SetOTP(ctx context.Context, id string, code string, issuedAt time.Time) error

	// ClearOTP removes code, issuance timestamp, attempts and lock. When
	// verified is true the account is marked verified in the same write.
	ClearOTP(ctx context.Context, id string, verified bool) error

	// IncrementOTPAttempts atomically bumps the failure counter and, when
	// the new count is at or past max, sets the lock to now+lockFor in the
	// same update. The lock is refreshed on every such failure: a returned
	// non-nil lock always lies in the future. Concurrent failed
	// verifications must not lose increments.
	IncrementOTPAttempts(ctx context.Context, id string, max int, lockFor time.Duration) (int, *time.Time, error)

	// LinkFederated applies provider linkage to an existing account in one
	// write: subject id, auth_provider=google, the verified flag, and the
	// avatar when the link carries one. Role, username and email are
	// untouched.
	LinkFederated(ctx context.Context, id string, link FederatedLink) error

	// ClaimBootstrapAdmin atomically claims the one-time "first account"
	// slot. Exactly one caller ever receives true, even under concurrent
	// signups, and the claim survives deletion of the first account.
	ClaimBootstrapAdmin(ctx context.Context) (bool, error)
}

// FederatedLink is the provider linkage applied to an existing account on a
// successful federated login.
type FederatedLink struct {
	GoogleID   string
	IsVerified bool

	// AvatarURL is set only when the account has no avatar yet.
	AvatarURL *string
}

// NormalizeEmail lowercases and trims an address for storage and lookup.
// Email uniqueness is case-insensitive.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// NormalizeUsername trims surrounding whitespace. Username comparisons stay
// case-sensitive.
func NormalizeUsername(username string) string {
	return strings.TrimSpace(username)
}

// LooksLikeEmail reports whether an identifier should be resolved as an
// email address rather than a username.
func LooksLikeEmail(identifier string) bool {
	return strings.Contains(identifier, "@")
}
