package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cloud-login/internal/domain"
	"cloud-login/internal/events"
	"cloud-login/internal/repository"
)

func providerSet(t *testing.T, user domain.User, input string) []domain.ProviderCode {
	t.Helper()
	idx := user.FindInput(input)
	require.GreaterOrEqual(t, idx, 0, "input %q not linked", input)
	var out []domain.ProviderCode
	for _, p := range user.Inputs[idx].Providers {
		out = append(out, p.Code)
	}
	return out
}

func TestIdentityResolverCreatesThenLinks(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryIdentityStore()
	pub := &recordingPublisher{}
	r := newTestResolver(store, pub)

	u1, created, err := r.Resolve(ctx, ResolveInput{Contact: emailContact("test@example.com"), Provider: domain.ProviderEmailCode})
	require.NoError(t, err)
	assert.True(t, created)
	require.Len(t, u1.Inputs, 1)
	assert.True(t, u1.Inputs[0].IsPrimary)
	assert.Equal(t, []domain.ProviderCode{domain.ProviderEmailCode}, providerSet(t, u1, "test@example.com"))

	u2, created, err := r.Resolve(ctx, ResolveInput{Contact: emailContact("Test@Example.com "), Provider: domain.ProviderGoogle, Identifier: "g-123"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, u1.ID, u2.ID)
	assert.ElementsMatch(t, []domain.ProviderCode{domain.ProviderEmailCode, domain.ProviderGoogle}, providerSet(t, u2, "test@example.com"))

	stored, err := store.GetByNormalizedEmail(ctx, "test@example.com")
	require.NoError(t, err)
	assert.Equal(t, u1.ID, stored.ID)
	p, ok := stored.Inputs[0].Provider(domain.ProviderGoogle)
	require.True(t, ok)
	assert.Equal(t, "g-123", p.Identifier)

	assert.Equal(t, []string{events.KeyUserRegistered, events.KeyUserSignedIn}, pub.Keys())
}

func TestIdentityResolverSameUserInAnyOrder(t *testing.T) {
	ctx := context.Background()
	orders := [][]domain.ProviderCode{
		{domain.ProviderEmailCode, domain.ProviderGoogle, domain.ProviderMicrosoft, domain.ProviderGoogle},
		{domain.ProviderMicrosoft, domain.ProviderEmailCode, domain.ProviderEmailCode, domain.ProviderGoogle},
	}
	for _, order := range orders {
		store := repository.NewMemoryIdentityStore()
		r := newTestResolver(store, nil)
		var userID string
		for _, code := range order {
			u, _, err := r.Resolve(ctx, ResolveInput{Contact: emailContact("same@example.com"), Provider: code})
			require.NoError(t, err)
			if userID == "" {
				userID = u.ID
			}
			assert.Equal(t, userID, u.ID)
		}
		u, err := store.GetByID(ctx, userID)
		require.NoError(t, err)
		assert.ElementsMatch(t,
			[]domain.ProviderCode{domain.ProviderEmailCode, domain.ProviderGoogle, domain.ProviderMicrosoft},
			providerSet(t, u, "same@example.com"))
	}
}

func TestIdentityResolverConcurrentFirstLogin(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryIdentityStore()
	r := newTestResolver(store, nil)
	codes := []domain.ProviderCode{domain.ProviderEmailCode, domain.ProviderGoogle, domain.ProviderMicrosoft, domain.ProviderPassword}

	var wg sync.WaitGroup
	ids := make(chan string, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(code domain.ProviderCode) {
			defer wg.Done()
			u, _, err := r.Resolve(ctx, ResolveInput{Contact: emailContact("race@example.com"), Provider: code})
			if err != nil {
				t.Errorf("resolve: %v", err)
				return
			}
			ids <- u.ID
		}(codes[i%len(codes)])
	}
	wg.Wait()
	close(ids)

	var first string
	for id := range ids {
		if first == "" {
			first = id
		}
		assert.Equal(t, first, id)
	}
	u, err := store.GetByNormalizedEmail(ctx, "race@example.com")
	require.NoError(t, err)
	assert.ElementsMatch(t, codes, providerSet(t, u, "race@example.com"))
}

// racingStore simula que otro writer crea el contacto entre el lookup y el create.
type racingStore struct {
	*repository.MemoryIdentityStore
	once  sync.Once
	rival domain.User
}

func (s *racingStore) GetByNormalizedEmail(ctx context.Context, email string) (domain.User, error) {
	raced := false
	s.once.Do(func() { raced = true })
	if raced {
		if err := s.MemoryIdentityStore.CreateUnique(ctx, s.rival); err != nil {
			return domain.User{}, err
		}
		return domain.User{}, repository.ErrNotFound
	}
	return s.MemoryIdentityStore.GetByNormalizedEmail(ctx, email)
}

func TestIdentityResolverRetriesCreateConflictAsLink(t *testing.T) {
	ctx := context.Background()
	rival := domain.User{
		ID:        "rival",
		CreatedOn: time.Now().UTC(),
		Inputs: []domain.LoginInput{{
			Input:     "new@example.com",
			Format:    domain.FormatEmail,
			IsPrimary: true,
			Providers: []domain.LoginProvider{{Code: domain.ProviderGoogle}},
		}},
	}
	store := &racingStore{MemoryIdentityStore: repository.NewMemoryIdentityStore(), rival: rival}
	r := newTestResolver(store, nil)

	u, created, err := r.Resolve(ctx, ResolveInput{Contact: emailContact("new@example.com"), Provider: domain.ProviderEmailCode})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "rival", u.ID)
	assert.ElementsMatch(t, []domain.ProviderCode{domain.ProviderGoogle, domain.ProviderEmailCode}, providerSet(t, u, "new@example.com"))
}

type failingStore struct {
	repository.IdentityStore
	err error
}

func (s failingStore) GetByNormalizedEmail(context.Context, string) (domain.User, error) {
	return domain.User{}, s.err
}

func TestIdentityResolverPropagatesStoreFailure(t *testing.T) {
	r := newTestResolver(failingStore{err: errors.New("connection refused")}, nil)
	_, _, err := r.Resolve(context.Background(), ResolveInput{Contact: emailContact("a@example.com"), Provider: domain.ProviderEmailCode})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransport)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestIdentityResolverRejectsBadInput(t *testing.T) {
	r := newTestResolver(repository.NewMemoryIdentityStore(), nil)
	ctx := context.Background()

	_, _, err := r.Resolve(ctx, ResolveInput{Contact: emailContact("a@example.com"), Provider: "facebook"})
	assert.ErrorIs(t, err, ErrValidation)

	_, _, err = r.Resolve(ctx, ResolveInput{Contact: emailContact("a@example.com"), Provider: domain.ProviderWhatsApp})
	assert.ErrorIs(t, err, ErrValidation)

	_, _, err = r.Resolve(ctx, ResolveInput{Contact: emailContact("garbage"), Provider: domain.ProviderEmailCode})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestIdentityResolverLinkInput(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryIdentityStore()
	r := newTestResolver(store, nil)

	owner, _, err := r.Resolve(ctx, ResolveInput{Contact: emailContact("owner@example.com"), Provider: domain.ProviderEmailCode})
	require.NoError(t, err)
	other, _, err := r.Resolve(ctx, ResolveInput{Contact: emailContact("other@example.com"), Provider: domain.ProviderEmailCode})
	require.NoError(t, err)

	phone := emailContact("+16502530000")
	require.Equal(t, domain.FormatPhone, phone.Format)
	u, err := r.LinkInput(ctx, owner.ID, ResolveInput{Contact: phone, Provider: domain.ProviderWhatsApp})
	require.NoError(t, err)
	primaryPhone, ok := u.Primary(domain.FormatPhone)
	require.True(t, ok)
	assert.Equal(t, "+16502530000", primaryPhone.Input)
	primaryEmail, ok := u.Primary(domain.FormatEmail)
	require.True(t, ok)
	assert.Equal(t, "owner@example.com", primaryEmail.Input)

	_, err = r.LinkInput(ctx, other.ID, ResolveInput{Contact: phone, Provider: domain.ProviderWhatsApp})
	assert.ErrorIs(t, err, ErrContactInUse)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestIdentityResolverSetPrimaryIsScopedPerFormat(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryIdentityStore()
	r := newTestResolver(store, nil)

	u, _, err := r.Resolve(ctx, ResolveInput{Contact: emailContact("first@example.com"), Provider: domain.ProviderEmailCode})
	require.NoError(t, err)
	_, err = r.LinkInput(ctx, u.ID, ResolveInput{Contact: emailContact("+16502530000"), Provider: domain.ProviderWhatsApp})
	require.NoError(t, err)
	_, err = r.LinkInput(ctx, u.ID, ResolveInput{Contact: emailContact("second@example.com"), Provider: domain.ProviderEmailCode})
	require.NoError(t, err)

	u, err = r.SetPrimary(ctx, u.ID, "Second@Example.com")
	require.NoError(t, err)

	stored, err := store.GetByID(ctx, u.ID)
	require.NoError(t, err)
	email, ok := stored.Primary(domain.FormatEmail)
	require.True(t, ok)
	assert.Equal(t, "second@example.com", email.Input)
	phone, ok := stored.Primary(domain.FormatPhone)
	require.True(t, ok, "phone primary must survive an email primary change")
	assert.Equal(t, "+16502530000", phone.Input)
	assert.False(t, stored.Inputs[stored.FindInput("first@example.com")].IsPrimary)

	_, err = r.SetPrimary(ctx, u.ID, "missing@example.com")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestIdentityResolverAuthenticatePassword(t *testing.T) {
	ctx := context.Background()
	r := newTestResolver(repository.NewMemoryIdentityStore(), nil)
	contact := emailContact("pw@example.com")

	hash, err := r.HashPassword("correct horse")
	require.NoError(t, err)
	_, _, err = r.Resolve(ctx, ResolveInput{Contact: contact, Provider: domain.ProviderPassword, PasswordHash: hash})
	require.NoError(t, err)

	u, err := r.AuthenticatePassword(ctx, contact, "correct horse")
	require.NoError(t, err)
	assert.Equal(t, "pw@example.com", u.Inputs[0].Input)

	_, err = r.AuthenticatePassword(ctx, contact, "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = r.AuthenticatePassword(ctx, emailContact("nobody@example.com"), "correct horse")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = r.HashPassword("short")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestIdentityResolverFillsOnlyEmptyProfileFields(t *testing.T) {
	ctx := context.Background()
	r := newTestResolver(repository.NewMemoryIdentityStore(), nil)
	contact := emailContact("prof@example.com")

	_, _, err := r.Resolve(ctx, ResolveInput{Contact: contact, Provider: domain.ProviderEmailCode, FirstName: "Ana"})
	require.NoError(t, err)
	u, _, err := r.Resolve(ctx, ResolveInput{Contact: contact, Provider: domain.ProviderGoogle, FirstName: "Other", LastName: "Pérez", DisplayName: "Ana P"})
	require.NoError(t, err)
	assert.Equal(t, "Ana", u.FirstName)
	assert.Equal(t, "Pérez", u.LastName)
	assert.Equal(t, "Ana P", u.DisplayName)
}
