package zyneth

import (
	"fmt"
	"regexp"
)

// SignupInput carries the raw registration fields before normalization.
type SignupInput struct {
	FullName        string
	Username        string
	Email           string
	Password        string
	ConfirmPassword string
}

// SignupPolicy defines what a registration must satisfy before it touches
// the store.
type SignupPolicy struct {
	MinUsernameLength int
	MaxUsernameLength int
	MinPasswordLength int

	// RequireConfirm enforces the password/confirmation match when a
	// confirmation was supplied at the boundary.
	RequireConfirm bool
}

// DefaultSignupPolicy mirrors the boundary rules the service shipped with:
// username 3-20 characters of letters, digits and underscores, password at
// least 6 characters.
func DefaultSignupPolicy() SignupPolicy {
	return SignupPolicy{
		MinUsernameLength: 3,
		MaxUsernameLength: 20,
		MinPasswordLength: 6,
		RequireConfirm:    true,
	}
}

var (
	usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)
	emailPattern    = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
)

// Validate checks the input against the policy and returns a user-visible
// AuthError naming the offending field, or nil.
func (p SignupPolicy) Validate(in SignupInput) *AuthError {
	if in.FullName == "" {
		return NewAuthError(ErrCodeMissingField, "Full name is required", "full_name")
	}
	if in.Username == "" {
		return NewAuthError(ErrCodeMissingField, "Username is required", "username")
	}
	if in.Email == "" {
		return NewAuthError(ErrCodeMissingField, "Email is required", "email")
	}
	if in.Password == "" {
		return NewAuthError(ErrCodeMissingField, "Password is required", "password")
	}

	if len(in.Username) < p.MinUsernameLength || len(in.Username) > p.MaxUsernameLength {
		return NewAuthError(ErrCodeInvalidUsername,
			fmt.Sprintf("Username must be %d-%d characters", p.MinUsernameLength, p.MaxUsernameLength),
			"username")
	}
	if !usernamePattern.MatchString(in.Username) {
		return NewAuthError(ErrCodeInvalidUsername,
			"Username can only contain letters, numbers, and underscores", "username")
	}

	if !emailPattern.MatchString(in.Email) {
		return NewAuthError(ErrCodeInvalidEmail, "Invalid email format", "email")
	}

	if len(in.Password) < p.MinPasswordLength {
		return NewAuthError(ErrCodeWeakPassword,
			fmt.Sprintf("Password must be at least %d characters", p.MinPasswordLength), "password")
	}
	if p.RequireConfirm && in.ConfirmPassword != "" && in.Password != in.ConfirmPassword {
		return NewAuthError(ErrCodePasswordMismatch, "Passwords do not match", "confirm_password")
	}

	return nil
}
