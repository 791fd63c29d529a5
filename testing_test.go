package zyneth

import (
	"context"
	"strings"
	"sync"
	"time"
)

// fakeStore is a minimal in-memory AccountStore for tests in this package.
// The full-featured implementation lives in the stores subpackage, which
// cannot be imported from here.
type fakeStore struct {
	mu           sync.Mutex
	accounts     map[string]*Account
	adminClaimed bool
	err          error

	// now is swappable so lock timestamps line up with the engine clock
	// under test.
	now func() time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{accounts: map[string]*Account{}, now: time.Now}
}

func (s *fakeStore) failWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *fakeStore) clone(a *Account) *Account {
	out := *a
	return &out
}

func (s *fakeStore) GetByID(ctx context.Context, id string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	if a, ok := s.accounts[id]; ok {
		return s.clone(a), nil
	}
	return nil, ErrAccountNotFound
}

func (s *fakeStore) find(match func(*Account) bool) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	for _, a := range s.accounts {
		if match(a) {
			return s.clone(a), nil
		}
	}
	return nil, ErrAccountNotFound
}

func (s *fakeStore) GetByEmail(ctx context.Context, email string) (*Account, error) {
	email = NormalizeEmail(email)
	return s.find(func(a *Account) bool { return a.Email == email })
}

func (s *fakeStore) GetByUsername(ctx context.Context, username string) (*Account, error) {
	return s.find(func(a *Account) bool { return a.Username == username })
}

func (s *fakeStore) GetByGoogleID(ctx context.Context, subjectID string) (*Account, error) {
	if subjectID == "" {
		return nil, ErrAccountNotFound
	}
	return s.find(func(a *Account) bool { return a.GoogleID == subjectID })
}

func (s *fakeStore) GetByIdentifier(ctx context.Context, identifier string) (*Account, error) {
	if a, err := s.GetByEmail(ctx, identifier); err == nil {
		return a, nil
	} else if Retryable(err) {
		return nil, err
	}
	return s.GetByUsername(ctx, identifier)
}

func (s *fakeStore) Create(ctx context.Context, account *Account) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	for _, a := range s.accounts {
		if a.Email == account.Email {
			return nil, ErrEmailExists
		}
		if a.Username == account.Username {
			return nil, ErrUsernameTaken
		}
	}
	now := time.Now().UTC()
	account.CreatedAt = now
	account.UpdatedAt = now
	s.accounts[account.ID] = s.clone(account)
	return s.clone(account), nil
}

func (s *fakeStore) Update(ctx context.Context, id string, patch AccountPatch) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	account, ok := s.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	if patch.Email != nil {
		email := NormalizeEmail(*patch.Email)
		for _, a := range s.accounts {
			if a.ID != id && a.Email == email {
				return nil, ErrEmailExists
			}
		}
		account.Email = email
	}
	if patch.Username != nil {
		for _, a := range s.accounts {
			if a.ID != id && a.Username == *patch.Username {
				return nil, ErrUsernameTaken
			}
		}
		account.Username = *patch.Username
	}
	if patch.FullName != nil {
		account.FullName = *patch.FullName
	}
	if patch.AvatarURL != nil {
		account.AvatarURL = *patch.AvatarURL
	}
	return s.clone(account), nil
}

func (s *fakeStore) List(ctx context.Context, filter ListFilter, skip, limit int) ([]*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var out []*Account
	for _, a := range s.accounts {
		if filter.Role != nil && a.Role != *filter.Role {
			continue
		}
		if filter.IsActive != nil && a.IsActive != *filter.IsActive {
			continue
		}
		out = append(out, s.clone(a))
	}
	return out, nil
}

func (s *fakeStore) Count(ctx context.Context, filter ListFilter) (int64, error) {
	accounts, err := s.List(ctx, filter, 0, 0)
	if err != nil {
		return 0, err
	}
	return int64(len(accounts)), nil
}

func (s *fakeStore) Search(ctx context.Context, term string, skip, limit int) ([]*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	term = strings.ToLower(term)
	var out []*Account
	for _, a := range s.accounts {
		if strings.Contains(strings.ToLower(a.FullName), term) ||
			strings.Contains(strings.ToLower(a.Username), term) ||
			strings.Contains(strings.ToLower(a.Email), term) {
			out = append(out, s.clone(a))
		}
	}
	return out, nil
}

func (s *fakeStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if _, ok := s.accounts[id]; !ok {
		return ErrAccountNotFound
	}
	delete(s.accounts, id)
	return nil
}

func (s *fakeStore) mutate(id string, fn func(*Account)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	account, ok := s.accounts[id]
	if !ok {
		return ErrAccountNotFound
	}
	fn(account)
	return nil
}

func (s *fakeStore) SetActive(ctx context.Context, id string, active bool) error {
	return s.mutate(id, func(a *Account) { a.IsActive = active })
}

func (s *fakeStore) SetLastLogin(ctx context.Context, id string) error {
	return s.mutate(id, func(a *Account) {
		now := time.Now().UTC()
		a.LastLogin = &now
	})
}

func (s *fakeStore) SetPassword(ctx context.Context, id string, hash string) error {
	return s.mutate(id, func(a *Account) { a.PasswordHash = hash })
}

func (s *fakeStore) SetOTP(ctx context.Context, id string, code string, issuedAt time.Time) error {
	return s.mutate(id, func(a *Account) {
		issued := issuedAt.UTC()
		a.OTPCode = code
		a.OTPCreatedAt = &issued
		a.OTPAttempts = 0
		a.OTPLockedUntil = nil
		a.IsVerified = false
	})
}

func (s *fakeStore) ClearOTP(ctx context.Context, id string, verified bool) error {
	return s.mutate(id, func(a *Account) {
		a.OTPCode = ""
		a.OTPCreatedAt = nil
		a.OTPAttempts = 0
		a.OTPLockedUntil = nil
		if verified {
			a.IsVerified = true
		}
	})
}

func (s *fakeStore) IncrementOTPAttempts(ctx context.Context, id string, max int, lockFor time.Duration) (int, *time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, nil, s.err
	}
	account, ok := s.accounts[id]
	if !ok {
		return 0, nil, ErrAccountNotFound
	}
	account.OTPAttempts++
	if account.OTPAttempts >= max {
		lockAt := s.now().UTC().Add(lockFor)
		account.OTPLockedUntil = &lockAt
	}
	return account.OTPAttempts, account.OTPLockedUntil, nil
}

func (s *fakeStore) LinkFederated(ctx context.Context, id string, link FederatedLink) error {
	return s.mutate(id, func(a *Account) {
		if link.GoogleID != "" {
			a.GoogleID = link.GoogleID
		}
		a.AuthProvider = ProviderGoogle
		a.IsVerified = link.IsVerified
		if link.AvatarURL != nil {
			a.AvatarURL = *link.AvatarURL
		}
	})
}

func (s *fakeStore) ClaimBootstrapAdmin(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	if s.adminClaimed {
		return false, nil
	}
	s.adminClaimed = true
	return true, nil
}

// raw returns the live document for white-box assertions.
func (s *fakeStore) raw(id string) *Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accounts[id]
}
