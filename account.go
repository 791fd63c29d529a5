package zyneth

import "time"

// Role is the two-value authorization level of an account.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// AuthProvider records how an account's identity was originally established.
// It is informational only and does not gate which login path an account may
// use: an email-provider account whose address later shows up in a Google
// login is linked, not rejected.
type AuthProvider string

const (
	ProviderEmail  AuthProvider = "email"
	ProviderGoogle AuthProvider = "google"
)

// Account is the central entity: one document per user, including the
// embedded OTP sub-state. Keeping the OTP fields inside the account document
// means one account has at most one live code and every OTP transition is a
// single-document write.
type Account struct {
	ID           string       `bson:"_id" json:"id"`
	FullName     string       `bson:"full_name" json:"full_name"`
	Username     string       `bson:"username" json:"username"`
	Email        string       `bson:"email" json:"email"`
	PasswordHash string       `bson:"password_hash,omitempty" json:"-"`
	Role         Role         `bson:"role" json:"role"`
	AuthProvider AuthProvider `bson:"auth_provider" json:"auth_provider"`

	// GoogleID holds the federated provider's subject id once linked.
	GoogleID string `bson:"google_id,omitempty" json:"-"`

	AvatarURL  string `bson:"avatar_url,omitempty" json:"avatar_url,omitempty"`
	IsActive   bool   `bson:"is_active" json:"is_active"`
	IsVerified bool   `bson:"is_verified" json:"is_verified"`

	CreatedAt time.Time  `bson:"created_at" json:"created_at"`
	LastLogin *time.Time `bson:"last_login,omitempty" json:"last_login,omitempty"`
	UpdatedAt time.Time  `bson:"updated_at" json:"updated_at"`

	// OTP sub-state. A present code always has a paired OTPCreatedAt.
	OTPCode        string     `bson:"otp_code,omitempty" json:"-"`
	OTPCreatedAt   *time.Time `bson:"otp_created_at,omitempty" json:"-"`
	OTPAttempts    int        `bson:"otp_attempts" json:"-"`
	OTPLockedUntil *time.Time `bson:"otp_locked_until,omitempty" json:"-"`
}

// HasPassword reports whether the account can be authenticated with a local
// password at all. Pure federated accounts may carry no hash.
func (a *Account) HasPassword() bool {
	return a.PasswordHash != ""
}

// HasPendingOTP reports whether a code is currently stored, regardless of
// whether it has expired.
func (a *Account) HasPendingOTP() bool {
	return a.OTPCode != "" && a.OTPCreatedAt != nil
}

// OTPLockedAt reports whether the OTP lock is active at the given instant.
func (a *Account) OTPLockedAt(now time.Time) bool {
	return a.OTPLockedUntil != nil && a.OTPLockedUntil.After(now)
}

// AccountPatch enumerates exactly the fields reachable through the generic
// update path. ID and Role deliberately have no place here; role changes go
// through the admin-create path and ids are immutable.
type AccountPatch struct {
	FullName  *string
	Username  *string
	Email     *string
	AvatarURL *string
}

// IsZero reports whether the patch would change nothing.
func (p AccountPatch) IsZero() bool {
	return p.FullName == nil && p.Username == nil && p.Email == nil && p.AvatarURL == nil
}

// Sanitized returns a copy safe to hand to callers: no password hash, no OTP
// material.
func (a *Account) Sanitized() *Account {
	out := *a
	out.PasswordHash = ""
	out.OTPCode = ""
	out.OTPCreatedAt = nil
	out.OTPAttempts = 0
	out.OTPLockedUntil = nil
	return &out
}
