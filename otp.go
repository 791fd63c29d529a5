package zyneth

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"
)

// OTP state machine parameters. A code is a uniformly random 6-digit number,
// valid for 10 minutes from issuance; three consecutive failures lock both
// issuance and verification for 15 minutes from the third failure.
const (
	OTPValidity     = 10 * time.Minute
	OTPMaxAttempts  = 3
	OTPLockDuration = 15 * time.Minute

	otpCodeMin = 100000
	otpCodeMax = 999999
)

// OTPEngine issues, validates, expires and rate-limits one-time verification
// codes. All state lives inside the account document; the engine is
// stateless and safe for concurrent use.
type OTPEngine struct {
	store  AccountStore
	logger *zap.Logger

	// now is swappable in tests.
	now func() time.Time
}

// NewOTPEngine creates an engine over the given store.
func NewOTPEngine(store AccountStore, logger *zap.Logger) *OTPEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OTPEngine{store: store, logger: logger, now: time.Now}
}

// VerifyResult reports the outcome of a verification attempt. Business
// rejections (wrong code, expired, locked) are encoded here, not as errors;
// the error return is reserved for store failures.
type VerifyResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`

	Locked     bool `json:"locked,omitempty"`
	RetryAfter int  `json:"retry_after,omitempty"` // seconds until the lock elapses

	// RemainingAttempts is -1 when not applicable. Zero is meaningful: it
	// is reported on the failure that triggers the lock.
	RemainingAttempts int `json:"remaining_attempts"`
}

// Status is the answer to an OTP status query.
type Status struct {
	Exists      bool       `json:"exists"`
	IsVerified  bool       `json:"is_verified"`
	HasOTP      bool       `json:"has_otp"`
	CreatedAt   *time.Time `json:"otp_created_at,omitempty"`
	Attempts    int        `json:"otp_attempts"`
	LockedUntil *time.Time `json:"otp_locked_until,omitempty"`
	IsLocked    bool       `json:"is_locked"`
}

// GenerateCode draws a uniformly random code in [100000, 999999].
func GenerateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(otpCodeMax-otpCodeMin+1))
	if err != nil {
		return "", fmt.Errorf("failed to generate otp: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()+otpCodeMin), nil
}

// Issue generates and stores a fresh code for the account owning email.
// Issuance resets the attempt counter, clears any elapsed lock and marks the
// account unverified until the new code is confirmed. While a lock is
// active, Issue fails with ErrOTPLocked and changes nothing.
func (e *OTPEngine) Issue(ctx context.Context, email string) (string, error) {
	account, err := e.store.GetByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		return "", err
	}

	now := e.now()
	if account.OTPLockedAt(now) {
		return "", ErrOTPLocked
	}

	code, err := GenerateCode()
	if err != nil {
		return "", err
	}
	if err := e.store.SetOTP(ctx, account.ID, code, now); err != nil {
		return "", err
	}

	e.logger.Info("otp issued",
		zap.String("account_id", account.ID),
		zap.Time("expires_at", now.Add(OTPValidity)))
	return code, nil
}

// Verify checks a presented code.
//
// Order matters: an active lock rejects outright without touching the
// attempt counter; a missing or stale code counts as a failed attempt even
// when the digits happen to match; only a present, fresh, matching code
// succeeds, clearing all OTP state and marking the account verified.
func (e *OTPEngine) Verify(ctx context.Context, email, code string) (*VerifyResult, error) {
	account, err := e.store.GetByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		return nil, err
	}

	now := e.now()
	if account.OTPLockedAt(now) {
		return &VerifyResult{
			Message:           "Too many attempts. Try again later.",
			Locked:            true,
			RetryAfter:        int(account.OTPLockedUntil.Sub(now).Seconds()),
			RemainingAttempts: -1,
		}, nil
	}

	if !account.HasPendingOTP() {
		if _, _, err := e.fail(ctx, account); err != nil {
			return nil, err
		}
		return &VerifyResult{Message: "Invalid or expired code", RemainingAttempts: -1}, nil
	}

	if now.Sub(*account.OTPCreatedAt) > OTPValidity {
		if _, _, err := e.fail(ctx, account); err != nil {
			return nil, err
		}
		return &VerifyResult{Message: "Code has expired", RemainingAttempts: -1}, nil
	}

	if account.OTPCode != code {
		attempts, lockedUntil, err := e.fail(ctx, account)
		if err != nil {
			return nil, err
		}
		if lockedUntil != nil {
			return &VerifyResult{
				Message:           "Too many attempts. Try again later.",
				Locked:            true,
				RetryAfter:        int(lockedUntil.Sub(now).Seconds()),
				RemainingAttempts: 0,
			}, nil
		}
		remaining := OTPMaxAttempts - attempts
		return &VerifyResult{
			Message:           fmt.Sprintf("Invalid code. %d attempts remaining.", remaining),
			RemainingAttempts: remaining,
		}, nil
	}

	if err := e.store.ClearOTP(ctx, account.ID, true); err != nil {
		return nil, err
	}
	e.logger.Info("email verified", zap.String("account_id", account.ID))
	return &VerifyResult{Success: true, Message: "Email verified successfully", RemainingAttempts: -1}, nil
}

// Resend clears the current OTP sub-state and issues a fresh code. The
// active-lock check still applies: clearing does not bypass the lock.
func (e *OTPEngine) Resend(ctx context.Context, email string) (string, error) {
	account, err := e.store.GetByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		return "", err
	}
	if account.OTPLockedAt(e.now()) {
		return "", ErrOTPLocked
	}
	if err := e.store.ClearOTP(ctx, account.ID, false); err != nil {
		return "", err
	}
	return e.Issue(ctx, email)
}

// CheckStatus reports the account's verification state without mutating it.
func (e *OTPEngine) CheckStatus(ctx context.Context, email string) (*Status, error) {
	account, err := e.store.GetByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		if Retryable(err) {
			return nil, err
		}
		return &Status{Exists: false}, nil
	}
	return &Status{
		Exists:      true,
		IsVerified:  account.IsVerified,
		HasOTP:      account.HasPendingOTP(),
		CreatedAt:   account.OTPCreatedAt,
		Attempts:    account.OTPAttempts,
		LockedUntil: account.OTPLockedUntil,
		IsLocked:    account.OTPLockedAt(e.now()),
	}, nil
}

// fail records a failed attempt through the store's atomic increment. The
// third failure sets the lock in the same update.
func (e *OTPEngine) fail(ctx context.Context, account *Account) (int, *time.Time, error) {
	attempts, lockedUntil, err := e.store.IncrementOTPAttempts(ctx, account.ID, OTPMaxAttempts, OTPLockDuration)
	if err != nil {
		return 0, nil, err
	}
	if lockedUntil != nil {
		e.logger.Warn("otp locked",
			zap.String("account_id", account.ID),
			zap.Time("locked_until", *lockedUntil))
	}
	return attempts, lockedUntil, nil
}
