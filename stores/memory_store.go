package stores

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	zyneth "github.com/only1Mrjoshua/Zyneth"
)

// MemStore is a mutex-guarded in-memory AccountStore for tests and local
// development. Every method honours the same contract as MongoStore,
// including the distinct not-found sentinel and the atomic OTP and
// bootstrap operations.
type MemStore struct {
	mu            sync.Mutex
	accounts      map[string]*zyneth.Account
	adminClaimed  bool
	failWithError error
}

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{accounts: map[string]*zyneth.Account{}}
}

// FailWith makes every subsequent call return err, simulating an
// unreachable backend. Pass nil to recover.
func (s *MemStore) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWithError = err
}

func (s *MemStore) clone(a *zyneth.Account) *zyneth.Account {
	if a == nil {
		return nil
	}
	out := *a
	return &out
}

func (s *MemStore) GetByID(ctx context.Context, id string) (*zyneth.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWithError != nil {
		return nil, s.failWithError
	}
	if a, ok := s.accounts[id]; ok {
		return s.clone(a), nil
	}
	return nil, zyneth.ErrAccountNotFound
}

func (s *MemStore) findLocked(match func(*zyneth.Account) bool) (*zyneth.Account, error) {
	if s.failWithError != nil {
		return nil, s.failWithError
	}
	for _, a := range s.accounts {
		if match(a) {
			return s.clone(a), nil
		}
	}
	return nil, zyneth.ErrAccountNotFound
}

func (s *MemStore) GetByEmail(ctx context.Context, email string) (*zyneth.Account, error) {
	email = zyneth.NormalizeEmail(email)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findLocked(func(a *zyneth.Account) bool { return a.Email == email })
}

func (s *MemStore) GetByUsername(ctx context.Context, username string) (*zyneth.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findLocked(func(a *zyneth.Account) bool { return a.Username == username })
}

func (s *MemStore) GetByGoogleID(ctx context.Context, subjectID string) (*zyneth.Account, error) {
	if subjectID == "" {
		return nil, zyneth.ErrAccountNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findLocked(func(a *zyneth.Account) bool { return a.GoogleID == subjectID })
}

func (s *MemStore) GetByIdentifier(ctx context.Context, identifier string) (*zyneth.Account, error) {
	email := zyneth.NormalizeEmail(identifier)
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, err := s.findLocked(func(a *zyneth.Account) bool { return a.Email == email }); err == nil {
		return a, nil
	} else if s.failWithError != nil {
		return nil, err
	}
	return s.findLocked(func(a *zyneth.Account) bool { return a.Username == identifier })
}

func (s *MemStore) Create(ctx context.Context, account *zyneth.Account) (*zyneth.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWithError != nil {
		return nil, s.failWithError
	}
	for _, a := range s.accounts {
		if a.Email == account.Email {
			return nil, zyneth.ErrEmailExists
		}
		if a.Username == account.Username {
			return nil, zyneth.ErrUsernameTaken
		}
	}
	now := time.Now().UTC()
	account.CreatedAt = now
	account.UpdatedAt = now
	s.accounts[account.ID] = s.clone(account)
	return s.clone(account), nil
}

func (s *MemStore) Update(ctx context.Context, id string, patch zyneth.AccountPatch) (*zyneth.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWithError != nil {
		return nil, s.failWithError
	}
	account, ok := s.accounts[id]
	if !ok {
		return nil, zyneth.ErrAccountNotFound
	}

	if patch.Email != nil {
		email := zyneth.NormalizeEmail(*patch.Email)
		for _, a := range s.accounts {
			if a.ID != id && a.Email == email {
				return nil, zyneth.ErrEmailExists
			}
		}
		account.Email = email
	}
	if patch.Username != nil {
		for _, a := range s.accounts {
			if a.ID != id && a.Username == *patch.Username {
				return nil, zyneth.ErrUsernameTaken
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
	account.UpdatedAt = time.Now().UTC()
	return s.clone(account), nil
}

func matchesFilter(a *zyneth.Account, filter zyneth.ListFilter) bool {
	if filter.Role != nil && a.Role != *filter.Role {
		return false
	}
	if filter.IsActive != nil && a.IsActive != *filter.IsActive {
		return false
	}
	return true
}

func (s *MemStore) List(ctx context.Context, filter zyneth.ListFilter, skip, limit int) ([]*zyneth.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWithError != nil {
		return nil, s.failWithError
	}
	var all []*zyneth.Account
	for _, a := range s.accounts {
		if matchesFilter(a, filter) {
			all = append(all, s.clone(a))
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	return paginate(all, skip, limit), nil
}

func paginate(all []*zyneth.Account, skip, limit int) []*zyneth.Account {
	if skip >= len(all) {
		return nil
	}
	all = all[skip:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all
}

func (s *MemStore) Count(ctx context.Context, filter zyneth.ListFilter) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWithError != nil {
		return 0, s.failWithError
	}
	var n int64
	for _, a := range s.accounts {
		if matchesFilter(a, filter) {
			n++
		}
	}
	return n, nil
}

func (s *MemStore) Search(ctx context.Context, term string, skip, limit int) ([]*zyneth.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWithError != nil {
		return nil, s.failWithError
	}
	term = strings.ToLower(term)
	var all []*zyneth.Account
	for _, a := range s.accounts {
		if strings.Contains(strings.ToLower(a.FullName), term) ||
			strings.Contains(strings.ToLower(a.Username), term) ||
			strings.Contains(strings.ToLower(a.Email), term) {
			all = append(all, s.clone(a))
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	return paginate(all, skip, limit), nil
}

func (s *MemStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWithError != nil {
		return s.failWithError
	}
	if _, ok := s.accounts[id]; !ok {
		return zyneth.ErrAccountNotFound
	}
	delete(s.accounts, id)
	return nil
}

// mutate runs fn against the live document under the lock.
func (s *MemStore) mutate(id string, fn func(*zyneth.Account)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWithError != nil {
		return s.failWithError
	}
	account, ok := s.accounts[id]
	if !ok {
		return zyneth.ErrAccountNotFound
	}
	fn(account)
	return nil
}

func (s *MemStore) SetActive(ctx context.Context, id string, active bool) error {
	return s.mutate(id, func(a *zyneth.Account) {
		a.IsActive = active
		a.UpdatedAt = time.Now().UTC()
	})
}

func (s *MemStore) SetLastLogin(ctx context.Context, id string) error {
	return s.mutate(id, func(a *zyneth.Account) {
		now := time.Now().UTC()
		a.LastLogin = &now
	})
}

func (s *MemStore) SetPassword(ctx context.Context, id string, passwordHash string) error {
	return s.mutate(id, func(a *zyneth.Account) {
		a.PasswordHash = passwordHash
		a.UpdatedAt = time.Now().UTC()
	})
}

func (s *MemStore) SetOTP(ctx context.Context, id string, code string, issuedAt time.Time) error {
	return s.mutate(id, func(a *zyneth.Account) {
		issued := issuedAt.UTC()
		a.OTPCode = code
		a.OTPCreatedAt = &issued
		a.OTPAttempts = 0
		a.OTPLockedUntil = nil
		a.IsVerified = false
		a.UpdatedAt = time.Now().UTC()
	})
}

func (s *MemStore) ClearOTP(ctx context.Context, id string, verified bool) error {
	return s.mutate(id, func(a *zyneth.Account) {
		a.OTPCode = ""
		a.OTPCreatedAt = nil
		a.OTPAttempts = 0
		a.OTPLockedUntil = nil
		if verified {
			a.IsVerified = true
		}
		a.UpdatedAt = time.Now().UTC()
	})
}

func (s *MemStore) IncrementOTPAttempts(ctx context.Context, id string, max int, lockFor time.Duration) (int, *time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWithError != nil {
		return 0, nil, s.failWithError
	}
	account, ok := s.accounts[id]
	if !ok {
		return 0, nil, zyneth.ErrAccountNotFound
	}
	account.OTPAttempts++
	// A fresh lock is set on every failure at or past the limit, so a
	// stale elapsed lock can never be handed back to the caller.
	if account.OTPAttempts >= max {
		lockAt := time.Now().UTC().Add(lockFor)
		account.OTPLockedUntil = &lockAt
	}
	return account.OTPAttempts, account.OTPLockedUntil, nil
}

func (s *MemStore) LinkFederated(ctx context.Context, id string, link zyneth.FederatedLink) error {
	return s.mutate(id, func(a *zyneth.Account) {
		if link.GoogleID != "" {
			a.GoogleID = link.GoogleID
		}
		a.AuthProvider = zyneth.ProviderGoogle
		a.IsVerified = link.IsVerified
		if link.AvatarURL != nil {
			a.AvatarURL = *link.AvatarURL
		}
		a.UpdatedAt = time.Now().UTC()
	})
}

func (s *MemStore) ClaimBootstrapAdmin(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWithError != nil {
		return false, s.failWithError
	}
	if s.adminClaimed {
		return false, nil
	}
	s.adminClaimed = true
	return true, nil
}
