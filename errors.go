package zyneth

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the store and the lifecycle controller.
// ErrAccountNotFound and ErrStoreUnavailable are deliberately distinct:
// callers must be able to retry on a connectivity failure instead of
// reporting a user as missing.
var (
	ErrAccountNotFound  = errors.New("account not found")
	ErrStoreUnavailable = errors.New("account store unavailable")

	ErrEmailExists   = errors.New("email already registered")
	ErrUsernameTaken = errors.New("username already taken")

	// ErrInvalidCredentials covers both unknown identifier and wrong
	// password, so login cannot be used to enumerate accounts.
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountDeactivated = errors.New("account is deactivated")
	ErrAccountNotVerified = errors.New("email not verified")

	ErrOTPLocked    = errors.New("too many attempts, verification locked")
	ErrNoPendingOTP = errors.New("no verification code pending")

	ErrForbidden = errors.New("admin access required")
)

// Error codes carried to the boundary in JSON responses.
const (
	ErrCodeMissingField     = "missing_field"
	ErrCodeInvalidEmail     = "invalid_email"
	ErrCodeInvalidUsername  = "invalid_username"
	ErrCodeWeakPassword     = "weak_password"
	ErrCodePasswordMismatch = "password_mismatch"
	ErrCodeEmailExists      = "email_exists"
	ErrCodeUsernameTaken    = "username_taken"
	ErrCodeInvalidCreds     = "invalid_credentials"
	ErrCodeDeactivated      = "account_deactivated"
	ErrCodeNotVerified      = "email_not_verified"
	ErrCodeOTPLocked        = "otp_locked"
	ErrCodeOTPInvalid       = "otp_invalid"
	ErrCodeNotFound         = "not_found"
	ErrCodeForbidden        = "forbidden"
	ErrCodeUnavailable      = "store_unavailable"
)

// AuthError is a user-visible failure with a machine-readable code and the
// offending field where one exists.
type AuthError struct {
	Code    string `json:"code"`
	Message string `json:"error"`
	Field   string `json:"field,omitempty"`
}

func (e *AuthError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s (%s): %s", e.Code, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewAuthError creates a user-visible error.
func NewAuthError(code, message, field string) *AuthError {
	return &AuthError{Code: code, Message: message, Field: field}
}

// Retryable reports whether an error is a transient infrastructure failure
// rather than a business rejection.
func Retryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}
