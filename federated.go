package zyneth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// FederatedIdentity is the externally verified identity tuple handed back by
// the provider exchange. Once here it is trusted: token verification is the
// exchange collaborator's job.
type FederatedIdentity struct {
	SubjectID     string
	Email         string
	EmailVerified bool
	Name          string
	Picture       string
}

// FederatedResult is a resolved account plus whether it was created by this
// resolution. Callers use IsNew to shape the response; the core does not.
type FederatedResult struct {
	Account *Account
	IsNew   bool
}

// ResolveFederated maps a verified external identity onto an existing or new
// account.
//
// Linking policy: the provider subject id is matched first, then the email.
// An existing account gets its last-login touched, provider linkage and
// verified flag set, and adopts the provider avatar only when it has none.
// Role, username and email are never altered through this path.
func (s *AccountService) ResolveFederated(ctx context.Context, ident FederatedIdentity) (*FederatedResult, error) {
	if ident.Email == "" {
		return nil, NewAuthError(ErrCodeInvalidEmail, "Provider returned no email", "email")
	}
	email := NormalizeEmail(ident.Email)

	existing, err := s.store.GetByGoogleID(ctx, ident.SubjectID)
	if err != nil && !errors.Is(err, ErrAccountNotFound) {
		return nil, err
	}
	if existing == nil {
		existing, err = s.store.GetByEmail(ctx, email)
		if err != nil && !errors.Is(err, ErrAccountNotFound) {
			return nil, err
		}
	}

	if existing != nil {
		account, err := s.linkFederated(ctx, existing, ident)
		if err != nil {
			return nil, err
		}
		return &FederatedResult{Account: account}, nil
	}

	account, err := s.createFederated(ctx, ident, email)
	if err != nil {
		return nil, err
	}
	return &FederatedResult{Account: account, IsNew: true}, nil
}

func (s *AccountService) linkFederated(ctx context.Context, account *Account, ident FederatedIdentity) (*Account, error) {
	link := FederatedLink{
		GoogleID:   ident.SubjectID,
		IsVerified: true,
	}
	if ident.Picture != "" && account.AvatarURL == "" {
		link.AvatarURL = &ident.Picture
	}
	if err := s.store.LinkFederated(ctx, account.ID, link); err != nil {
		return nil, err
	}
	if err := s.store.SetLastLogin(ctx, account.ID); err != nil {
		s.logger.Warn("failed to update last login", zap.String("account_id", account.ID), zap.Error(err))
	}

	s.logger.Info("federated login linked to existing account",
		zap.String("account_id", account.ID))
	return s.store.GetByID(ctx, account.ID)
}

func (s *AccountService) createFederated(ctx context.Context, ident FederatedIdentity, email string) (*Account, error) {
	username, err := s.deriveUsername(ctx, email)
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

	// The hash exists only so the document shape stays uniform; federated
	// login never checks it.
	hash, err := HashPassword(RandomPassword())
	if err != nil {
		return nil, err
	}

	name := ident.Name
	if name == "" {
		name = strings.SplitN(email, "@", 2)[0]
	}

	account, err := s.store.Create(ctx, &Account{
		ID:           uuid.NewString(),
		FullName:     name,
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		Role:         role,
		AuthProvider: ProviderGoogle,
		GoogleID:     ident.SubjectID,
		AvatarURL:    ident.Picture,
		IsActive:     true,
		IsVerified:   true,
	})
	if err != nil {
		return nil, err
	}
	if err := s.store.SetLastLogin(ctx, account.ID); err != nil {
		s.logger.Warn("failed to update last login", zap.String("account_id", account.ID), zap.Error(err))
	}

	s.logger.Info("federated account created",
		zap.String("account_id", account.ID),
		zap.String("username", username),
		zap.String("role", string(role)))
	return account, nil
}

// deriveUsername turns an email local part into a unique username: dots
// become underscores, the result is lowercased, and numeric suffixes start
// at 1 on collision (alice, alice1, alice2, ...).
func (s *AccountService) deriveUsername(ctx context.Context, email string) (string, error) {
	base := strings.ToLower(strings.ReplaceAll(strings.SplitN(email, "@", 2)[0], ".", "_"))
	if base == "" {
		base = "user"
	}

	candidate := base
	for i := 1; ; i++ {
		_, err := s.store.GetByUsername(ctx, candidate)
		if errors.Is(err, ErrAccountNotFound) {
			return candidate, nil
		}
		if err != nil {
			return "", err
		}
		candidate = fmt.Sprintf("%s%d", base, i)
	}
}
