package zyneth

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AccountService is the account lifecycle controller: signup, login,
// admin management and the glue between the OTP engine, the email
// collaborator and the token issuer.
type AccountService struct {
	store  AccountStore
	otp    *OTPEngine
	tokens *TokenIssuer
	email  OTPEmailSender
	policy SignupPolicy
	logger *zap.Logger

	// devMode additionally logs issued codes, for environments without a
	// mail transport. Never enabled in production configurations.
	devMode bool
}

// ServiceOption configures an AccountService.
type ServiceOption func(*AccountService)

// WithSignupPolicy overrides the default signup validation rules.
func WithSignupPolicy(policy SignupPolicy) ServiceOption {
	return func(s *AccountService) { s.policy = policy }
}

// WithDevMode enables the development-only code logging fallback.
func WithDevMode(enabled bool) ServiceOption {
	return func(s *AccountService) { s.devMode = enabled }
}

// NewAccountService wires the lifecycle controller.
func NewAccountService(store AccountStore, tokens *TokenIssuer, email OTPEmailSender, logger *zap.Logger, opts ...ServiceOption) *AccountService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &AccountService{
		store:  store,
		otp:    NewOTPEngine(store, logger),
		tokens: tokens,
		email:  email,
		policy: DefaultSignupPolicy(),
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OTP exposes the engine for status/verify/resend operations.
func (s *AccountService) OTP() *OTPEngine { return s.otp }

// Store exposes the underlying account store to the boundary layer.
func (s *AccountService) Store() AccountStore { return s.store }

// Signup registers a local account: validate, normalize, create unverified,
// issue an OTP and dispatch the verification email without blocking the
// request on delivery.
func (s *AccountService) Signup(ctx context.Context, in SignupInput, avatarURL string) (*Account, error) {
	if authErr := s.policy.Validate(in); authErr != nil {
		return nil, authErr
	}

	email := NormalizeEmail(in.Email)
	username := NormalizeUsername(in.Username)

	if err := s.checkAvailability(ctx, email, username); err != nil {
		return nil, err
	}

	hash, err := HashPassword(in.Password)
	if err != nil {
		return nil, err
	}

	role := RoleUser
	first, err := s.store.ClaimBootstrapAdmin(ctx)
	if err != nil {
		return nil, err
	}
	if first {
		role = RoleAdmin
	}

	account, err := s.store.Create(ctx, &Account{
		ID:           uuid.NewString(),
		FullName:     NormalizeUsername(in.FullName),
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		Role:         role,
		AuthProvider: ProviderEmail,
		AvatarURL:    avatarURL,
		IsActive:     true,
		IsVerified:   false,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("account created",
		zap.String("account_id", account.ID),
		zap.String("username", account.Username),
		zap.String("role", string(account.Role)))

	s.issueAndSendOTP(ctx, account.Email)
	return account.Sanitized(), nil
}

// AdminCreateInput is the admin-only creation payload: any role, explicit
// active flag.
type AdminCreateInput struct {
	FullName string
	Username string
	Email    string
	Password string
	Role     Role
	IsActive bool
}

// AdminCreate creates an account through the admin-only path. No OTP is
// issued: the admin vouches for the address, so the account is created
// verified.
func (s *AccountService) AdminCreate(ctx context.Context, in AdminCreateInput) (*Account, error) {
	if authErr := s.policy.Validate(SignupInput{
		FullName: in.FullName,
		Username: in.Username,
		Email:    in.Email,
		Password: in.Password,
	}); authErr != nil {
		return nil, authErr
	}
	if in.Role != RoleAdmin && in.Role != RoleUser {
		in.Role = RoleUser
	}

	email := NormalizeEmail(in.Email)
	username := NormalizeUsername(in.Username)
	if err := s.checkAvailability(ctx, email, username); err != nil {
		return nil, err
	}

	hash, err := HashPassword(in.Password)
	if err != nil {
		return nil, err
	}

	// The admin path still participates in the bootstrap claim so the
	// very first account is an admin no matter how it was created.
	role := in.Role
	first, err := s.store.ClaimBootstrapAdmin(ctx)
	if err != nil {
		return nil, err
	}
	if first {
		role = RoleAdmin
	}

	account, err := s.store.Create(ctx, &Account{
		ID:           uuid.NewString(),
		FullName:     NormalizeUsername(in.FullName),
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		Role:         role,
		AuthProvider: ProviderEmail,
		IsActive:     in.IsActive,
		IsVerified:   true,
	})
	if err != nil {
		return nil, err
	}
	return account.Sanitized(), nil
}

// LoginResult is a successful authentication: the account, a signed token
// and its lifetime in seconds.
type LoginResult struct {
	Account   *Account
	Token     string
	ExpiresIn int64
}

// Login authenticates by email-or-username plus password. Unknown
// identifiers and wrong passwords fail identically with
// ErrInvalidCredentials; only then do the distinct deactivated and
// unverified rejections apply.
func (s *AccountService) Login(ctx context.Context, identifier, password string) (*LoginResult, error) {
	account, err := s.store.GetByIdentifier(ctx, NormalizeUsername(identifier))
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if !VerifyPassword(password, account.PasswordHash) {
		return nil, ErrInvalidCredentials
	}
	if !account.IsActive {
		return nil, ErrAccountDeactivated
	}
	if !account.IsVerified {
		return nil, ErrAccountNotVerified
	}

	if err := s.store.SetLastLogin(ctx, account.ID); err != nil {
		s.logger.Warn("failed to update last login", zap.String("account_id", account.ID), zap.Error(err))
	}

	token, expiresIn, err := s.tokens.Issue(account)
	if err != nil {
		return nil, err
	}
	return &LoginResult{Account: account.Sanitized(), Token: token, ExpiresIn: expiresIn}, nil
}

// IssueToken mints a token outside the password flow (federated login).
func (s *AccountService) IssueToken(account *Account) (string, int64, error) {
	return s.tokens.Issue(account)
}

// GetByID fetches a single account, sanitized.
func (s *AccountService) GetByID(ctx context.Context, id string) (*Account, error) {
	account, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return account.Sanitized(), nil
}

// UpdateProfile applies a typed patch to an account. Email and username
// changes re-validate uniqueness inside the store.
func (s *AccountService) UpdateProfile(ctx context.Context, id string, patch AccountPatch) (*Account, error) {
	if patch.IsZero() {
		return nil, NewAuthError(ErrCodeMissingField, "No data provided for update", "")
	}
	if patch.Username != nil {
		trimmed := NormalizeUsername(*patch.Username)
		// Renames obey the same rules as signup, length bounds included.
		if len(trimmed) < s.policy.MinUsernameLength || len(trimmed) > s.policy.MaxUsernameLength {
			return nil, NewAuthError(ErrCodeInvalidUsername,
				fmt.Sprintf("Username must be %d-%d characters", s.policy.MinUsernameLength, s.policy.MaxUsernameLength),
				"username")
		}
		if !usernamePattern.MatchString(trimmed) {
			return nil, NewAuthError(ErrCodeInvalidUsername,
				"Username can only contain letters, numbers, and underscores", "username")
		}
		patch.Username = &trimmed
	}
	if patch.Email != nil {
		normalized := NormalizeEmail(*patch.Email)
		if !emailPattern.MatchString(normalized) {
			return nil, NewAuthError(ErrCodeInvalidEmail, "Invalid email format", "email")
		}
		patch.Email = &normalized
	}

	account, err := s.store.Update(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	return account.Sanitized(), nil
}

// ChangePassword replaces the stored hash after verifying the current one.
func (s *AccountService) ChangePassword(ctx context.Context, id, current, newPassword string) error {
	account, err := s.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if !VerifyPassword(current, account.PasswordHash) {
		return ErrInvalidCredentials
	}
	if len(newPassword) < s.policy.MinPasswordLength {
		return NewAuthError(ErrCodeWeakPassword, "Password too short", "new_password")
	}
	hash, err := HashPassword(newPassword)
	if err != nil {
		return err
	}
	return s.store.SetPassword(ctx, id, hash)
}

// List returns accounts matching the filter, sanitized.
func (s *AccountService) List(ctx context.Context, filter ListFilter, skip, limit int) ([]*Account, error) {
	accounts, err := s.store.List(ctx, filter, skip, limit)
	if err != nil {
		return nil, err
	}
	return sanitizeAll(accounts), nil
}

// Count returns the number of accounts matching the filter.
func (s *AccountService) Count(ctx context.Context, filter ListFilter) (int64, error) {
	return s.store.Count(ctx, filter)
}

// Search matches a term across full name, username and email.
func (s *AccountService) Search(ctx context.Context, term string, skip, limit int) ([]*Account, error) {
	accounts, err := s.store.Search(ctx, term, skip, limit)
	if err != nil {
		return nil, err
	}
	return sanitizeAll(accounts), nil
}

// SetActive flips the active flag. Deactivated accounts are rejected at
// login regardless of credentials.
func (s *AccountService) SetActive(ctx context.Context, id string, active bool) error {
	return s.store.SetActive(ctx, id, active)
}

// Delete removes an account permanently. Administrative cleanup only; the
// bootstrap-admin claim is not released.
func (s *AccountService) Delete(ctx context.Context, id string) error {
	return s.store.Delete(ctx, id)
}

// SendOTP issues a fresh code for the address and dispatches it.
func (s *AccountService) SendOTP(ctx context.Context, email string) error {
	code, err := s.otp.Issue(ctx, email)
	if err != nil {
		return err
	}
	s.dispatchOTP(email, code)
	return nil
}

// ResendOTP clears any pending code and issues a new one.
func (s *AccountService) ResendOTP(ctx context.Context, email string) error {
	code, err := s.otp.Resend(ctx, email)
	if err != nil {
		return err
	}
	s.dispatchOTP(email, code)
	return nil
}

func (s *AccountService) checkAvailability(ctx context.Context, email, username string) error {
	if _, err := s.store.GetByEmail(ctx, email); err == nil {
		return ErrEmailExists
	} else if !errors.Is(err, ErrAccountNotFound) {
		return err
	}
	if _, err := s.store.GetByUsername(ctx, username); err == nil {
		return ErrUsernameTaken
	} else if !errors.Is(err, ErrAccountNotFound) {
		return err
	}
	return nil
}

// issueAndSendOTP issues a code for a just-created account. An active lock
// cannot exist yet, so any failure here is infrastructure and is only
// logged: signup has already succeeded.
func (s *AccountService) issueAndSendOTP(ctx context.Context, email string) {
	code, err := s.otp.Issue(ctx, email)
	if err != nil {
		s.logger.Warn("failed to issue signup otp", zap.String("email", email), zap.Error(err))
		return
	}
	s.dispatchOTP(email, code)
}

// dispatchOTP sends the code fire-and-forget: the triggering request never
// blocks on, or fails because of, the mail transport.
func (s *AccountService) dispatchOTP(email, code string) {
	if s.devMode {
		s.logger.Debug("otp code (dev fallback)", zap.String("email", email), zap.String("code", code))
	}
	if s.email == nil {
		return
	}
	go func() {
		if err := s.email.SendOTPEmail(email, code); err != nil {
			s.logger.Warn("otp email delivery failed", zap.String("email", email), zap.Error(err))
		}
	}()
}

func sanitizeAll(accounts []*Account) []*Account {
	out := make([]*Account, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, a.Sanitized())
	}
	return out
}
