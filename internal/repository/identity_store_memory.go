package repository

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"cloud-login/internal/domain"
)

// MemoryIdentityStore es un IdentityStore en memoria con las mismas reglas de
// unicidad que el esquema de Postgres.
type MemoryIdentityStore struct {
	mu      sync.Mutex
	users   map[string]domain.User
	byInput map[string]string
}

func NewMemoryIdentityStore() *MemoryIdentityStore {
	return &MemoryIdentityStore{
		users:   make(map[string]domain.User),
		byInput: make(map[string]string),
	}
}

func (s *MemoryIdentityStore) GetByNormalizedEmail(_ context.Context, email string) (domain.User, error) {
	return s.getByInput(strings.ToLower(strings.TrimSpace(email)), domain.FormatEmail)
}

func (s *MemoryIdentityStore) GetByNormalizedPhone(_ context.Context, phone string) (domain.User, error) {
	return s.getByInput(strings.TrimSpace(phone), domain.FormatPhone)
}

func (s *MemoryIdentityStore) GetByID(_ context.Context, id string) (domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[id]
	if !ok {
		return domain.User{}, ErrNotFound
	}
	return user.Clone(), nil
}

func (s *MemoryIdentityStore) CreateUnique(_ context.Context, user domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[user.ID]; ok {
		return fmt.Errorf("%w: users_pkey", ErrConflict)
	}
	for _, in := range user.Inputs {
		if _, ok := s.byInput[inputKey(in.Input)]; ok {
			return fmt.Errorf("%w: login_inputs_pkey", ErrConflict)
		}
	}
	stored := user.Clone()
	s.users[user.ID] = stored
	for _, in := range stored.Inputs {
		s.byInput[inputKey(in.Input)] = user.ID
	}
	return nil
}

func (s *MemoryIdentityStore) Update(_ context.Context, user domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.users[user.ID]
	if !ok {
		return ErrNotFound
	}
	for _, in := range user.Inputs {
		if owner, ok := s.byInput[inputKey(in.Input)]; ok && owner != user.ID {
			return fmt.Errorf("%w: input owned by another user", ErrConflict)
		}
	}

	merged := current.Clone()
	merged.FirstName = user.FirstName
	merged.LastName = user.LastName
	merged.DisplayName = user.DisplayName
	merged.LastSignedIn = user.LastSignedIn
	for _, in := range user.Inputs {
		idx := merged.FindInput(in.Input)
		if idx < 0 {
			merged.Inputs = append(merged.Inputs, domain.LoginInput{
				Input:     in.Input,
				Format:    in.Format,
				IsPrimary: in.IsPrimary && !merged.HasPrimary(in.Format),
			})
			idx = len(merged.Inputs) - 1
		}
		merged.Inputs[idx].Providers = mergeProviders(merged.Inputs[idx].Providers, in.Providers)
	}

	s.users[user.ID] = merged
	for _, in := range merged.Inputs {
		s.byInput[inputKey(in.Input)] = user.ID
	}
	return nil
}

func (s *MemoryIdentityStore) SetPrimary(_ context.Context, userID, input string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.users[userID]
	if !ok {
		return ErrNotFound
	}
	idx := current.FindInput(input)
	if idx < 0 {
		return ErrNotFound
	}
	updated := current.Clone()
	format := updated.Inputs[idx].Format
	for i := range updated.Inputs {
		if updated.Inputs[i].Format == format {
			updated.Inputs[i].IsPrimary = i == idx
		}
	}
	s.users[userID] = updated
	return nil
}

func (s *MemoryIdentityStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[id]
	if !ok {
		return ErrNotFound
	}
	for _, in := range user.Inputs {
		delete(s.byInput, inputKey(in.Input))
	}
	delete(s.users, id)
	return nil
}

func (s *MemoryIdentityStore) getByInput(input string, format domain.Format) (domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byInput[inputKey(input)]
	if !ok {
		return domain.User{}, ErrNotFound
	}
	user := s.users[id]
	if idx := user.FindInput(input); idx < 0 || user.Inputs[idx].Format != format {
		return domain.User{}, ErrNotFound
	}
	return user.Clone(), nil
}

func mergeProviders(current, incoming []domain.LoginProvider) []domain.LoginProvider {
	out := append([]domain.LoginProvider(nil), current...)
	for _, p := range incoming {
		found := false
		for i := range out {
			if out[i].Code != p.Code {
				continue
			}
			found = true
			if out[i].Identifier == "" {
				out[i].Identifier = p.Identifier
			}
			if p.PasswordHash != "" {
				out[i].PasswordHash = p.PasswordHash
			}
		}
		if !found {
			out = append(out, p)
		}
	}
	return out
}

func inputKey(input string) string {
	return strings.ToLower(strings.TrimSpace(input))
}
