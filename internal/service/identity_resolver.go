package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"cloud-login/internal/domain"
	"cloud-login/internal/events"
	"cloud-login/internal/metrics"
	"cloud-login/internal/repository"
)

// maxResolveAttempts acota los reintentos ante carreras de creacion.
const maxResolveAttempts = 3

// ResolveInput describe un contacto autenticado por un proveedor.
type ResolveInput struct {
	Contact      domain.Contact
	Provider     domain.ProviderCode
	Identifier   string
	PasswordHash string
	FirstName    string
	LastName     string
	DisplayName  string
}

// IdentityResolver reconcilia contacto + proveedor en exactamente un usuario.
type IdentityResolver struct {
	logger    *zap.Logger
	store     repository.IdentityStore
	hasher    PasswordHasher
	publisher events.Publisher
	now       func() time.Time
	newID     func() string
}

func NewIdentityResolver(logger *zap.Logger, store repository.IdentityStore, hasher PasswordHasher, publisher events.Publisher) *IdentityResolver {
	if publisher == nil {
		publisher = events.NewNoop()
	}
	if hasher == nil {
		hasher = NewBcryptHasher(0)
	}
	return &IdentityResolver{
		logger:    logger,
		store:     store,
		hasher:    hasher,
		publisher: publisher,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
}

// Lookup busca el usuario duenio del contacto normalizado.
func (r *IdentityResolver) Lookup(ctx context.Context, contact domain.Contact) (domain.User, error) {
	var (
		user domain.User
		err  error
	)
	switch contact.Format {
	case domain.FormatEmail:
		user, err = r.store.GetByNormalizedEmail(ctx, contact.Normalized)
	case domain.FormatPhone:
		user, err = r.store.GetByNormalizedPhone(ctx, contact.Normalized)
	default:
		return domain.User{}, newValidationError("contact", "unsupported contact format")
	}
	if err != nil {
		return domain.User{}, storeError("lookup user", err)
	}
	return user, nil
}

func (r *IdentityResolver) GetByID(ctx context.Context, id string) (domain.User, error) {
	if strings.TrimSpace(id) == "" {
		return domain.User{}, ErrNotFound
	}
	user, err := r.store.GetByID(ctx, id)
	if err != nil {
		return domain.User{}, storeError("get user", err)
	}
	return user, nil
}

// Resolve encuentra o crea al usuario duenio del contacto y vincula el
// proveedor en ese LoginInput. Devuelve true si el usuario es nuevo.
func (r *IdentityResolver) Resolve(ctx context.Context, in ResolveInput) (domain.User, bool, error) {
	if err := validateResolveInput(in); err != nil {
		return domain.User{}, false, err
	}

	for attempt := 1; attempt <= maxResolveAttempts; attempt++ {
		existing, err := r.Lookup(ctx, in.Contact)
		switch {
		case err == nil:
			user, err := r.linkExisting(ctx, existing, in)
			if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
				r.logger.Warn("identity changed during link, retrying",
					zap.String("user_id", existing.ID), zap.Int("attempt", attempt))
				continue
			}
			if err != nil {
				return domain.User{}, false, err
			}
			metrics.Resolutions.WithLabelValues("existing").Inc()
			r.publish(ctx, events.KeyUserSignedIn, events.UserSignedIn{
				UserID: user.ID, Input: in.Contact.Normalized, Provider: string(in.Provider),
			})
			return user, false, nil

		case errors.Is(err, ErrNotFound):
			user, err := r.create(ctx, in)
			if errors.Is(err, ErrConflict) {
				// otro writer creo el contacto primero: se reintenta como lookup-and-link.
				r.logger.Info("create conflict, retrying as link",
					zap.String("format", string(in.Contact.Format)), zap.Int("attempt", attempt))
				continue
			}
			if err != nil {
				return domain.User{}, false, err
			}
			metrics.Resolutions.WithLabelValues("created").Inc()
			r.publish(ctx, events.KeyUserRegistered, events.UserRegistered{
				UserID: user.ID, Input: in.Contact.Normalized, Format: string(in.Contact.Format), Provider: string(in.Provider),
			})
			return user, true, nil

		default:
			return domain.User{}, false, err
		}
	}
	metrics.Resolutions.WithLabelValues("conflict").Inc()
	return domain.User{}, false, ErrConflict
}

// LinkInput agrega el contacto al usuario actual (acciones AddInput/AddNumber/AddEmail).
func (r *IdentityResolver) LinkInput(ctx context.Context, userID string, in ResolveInput) (domain.User, error) {
	if err := validateResolveInput(in); err != nil {
		return domain.User{}, err
	}
	owner, err := r.Lookup(ctx, in.Contact)
	switch {
	case err == nil && owner.ID != userID:
		return domain.User{}, ErrContactInUse
	case err != nil && !errors.Is(err, ErrNotFound):
		return domain.User{}, err
	}

	user, err := r.GetByID(ctx, userID)
	if err != nil {
		return domain.User{}, err
	}
	idx := user.FindInput(in.Contact.Normalized)
	if idx < 0 {
		user.Inputs = append(user.Inputs, domain.LoginInput{
			Input:     in.Contact.Normalized,
			Format:    in.Contact.Format,
			IsPrimary: !user.HasPrimary(in.Contact.Format),
		})
		idx = len(user.Inputs) - 1
	}
	linkProvider(&user.Inputs[idx], in)
	user.LastSignedIn = r.now()
	if err := r.store.Update(ctx, user); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return domain.User{}, ErrContactInUse
		}
		return domain.User{}, storeError("link input", err)
	}
	metrics.Resolutions.WithLabelValues("linked").Inc()
	r.publish(ctx, events.KeyInputLinked, events.InputLinked{
		UserID: user.ID, Input: in.Contact.Normalized, Format: string(in.Contact.Format), Provider: string(in.Provider),
	})
	return user, nil
}

// SetPrimary marca el input como primario dentro de su formato; los inputs de
// otros formatos conservan su flag.
func (r *IdentityResolver) SetPrimary(ctx context.Context, userID, input string) (domain.User, error) {
	user, err := r.GetByID(ctx, userID)
	if err != nil {
		return domain.User{}, err
	}
	idx := user.FindInput(strings.TrimSpace(input))
	if idx < 0 {
		return domain.User{}, newValidationError("input", "contact is not linked to this account")
	}
	if err := r.store.SetPrimary(ctx, userID, user.Inputs[idx].Input); err != nil {
		return domain.User{}, storeError("set primary", err)
	}
	return r.GetByID(ctx, userID)
}

// UpdateProfile reemplaza los campos de perfil del usuario.
func (r *IdentityResolver) UpdateProfile(ctx context.Context, userID, firstName, lastName, displayName string) (domain.User, error) {
	user, err := r.GetByID(ctx, userID)
	if err != nil {
		return domain.User{}, err
	}
	user.FirstName = strings.TrimSpace(firstName)
	user.LastName = strings.TrimSpace(lastName)
	user.DisplayName = strings.TrimSpace(displayName)
	if err := r.store.Update(ctx, user); err != nil {
		return domain.User{}, storeError("update profile", err)
	}
	return user, nil
}

// AuthenticatePassword verifica el password vinculado a cualquier input del usuario.
func (r *IdentityResolver) AuthenticatePassword(ctx context.Context, contact domain.Contact, password string) (domain.User, error) {
	if password == "" {
		return domain.User{}, ErrInvalidCredentials
	}
	user, err := r.Lookup(ctx, contact)
	if errors.Is(err, ErrNotFound) {
		return domain.User{}, ErrInvalidCredentials
	}
	if err != nil {
		return domain.User{}, err
	}

	hash := ""
	if idx := user.FindInput(contact.Normalized); idx >= 0 {
		if p, ok := user.Inputs[idx].Provider(domain.ProviderPassword); ok {
			hash = p.PasswordHash
		}
	}
	if hash == "" {
		for _, in := range user.Inputs {
			if p, ok := in.Provider(domain.ProviderPassword); ok && p.PasswordHash != "" {
				hash = p.PasswordHash
				break
			}
		}
	}
	if hash == "" {
		return domain.User{}, ErrInvalidCredentials
	}
	ok, err := r.hasher.Compare(hash, password)
	if err != nil {
		return domain.User{}, err
	}
	if !ok {
		return domain.User{}, ErrInvalidCredentials
	}

	user, _, err = r.Resolve(ctx, ResolveInput{Contact: contact, Provider: domain.ProviderPassword})
	return user, err
}

// HashPassword aplica la politica minima y hashea con el hasher configurado.
func (r *IdentityResolver) HashPassword(password string) (string, error) {
	if len(password) < minPasswordLength {
		return "", newValidationError("password", "password must have at least 8 characters")
	}
	return r.hasher.Hash(password)
}

func (r *IdentityResolver) linkExisting(ctx context.Context, user domain.User, in ResolveInput) (domain.User, error) {
	idx := user.FindInput(in.Contact.Normalized)
	if idx < 0 {
		return domain.User{}, ErrNotFound
	}
	linkProvider(&user.Inputs[idx], in)
	if user.FirstName == "" {
		user.FirstName = strings.TrimSpace(in.FirstName)
	}
	if user.LastName == "" {
		user.LastName = strings.TrimSpace(in.LastName)
	}
	if user.DisplayName == "" {
		user.DisplayName = strings.TrimSpace(in.DisplayName)
	}
	user.LastSignedIn = r.now()
	if err := r.store.Update(ctx, user); err != nil {
		return domain.User{}, storeError("link provider", err)
	}
	return user, nil
}

func (r *IdentityResolver) create(ctx context.Context, in ResolveInput) (domain.User, error) {
	now := r.now()
	input := domain.LoginInput{
		Input:     in.Contact.Normalized,
		Format:    in.Contact.Format,
		IsPrimary: true,
	}
	linkProvider(&input, in)
	user := domain.User{
		ID:           r.newID(),
		FirstName:    strings.TrimSpace(in.FirstName),
		LastName:     strings.TrimSpace(in.LastName),
		DisplayName:  strings.TrimSpace(in.DisplayName),
		CreatedOn:    now,
		LastSignedIn: now,
		Inputs:       []domain.LoginInput{input},
	}
	if err := r.store.CreateUnique(ctx, user); err != nil {
		return domain.User{}, storeError("create user", err)
	}
	return user, nil
}

func (r *IdentityResolver) publish(ctx context.Context, key string, event any) {
	if err := r.publisher.Publish(ctx, key, event); err != nil {
		r.logger.Warn("publish login event failed", zap.String("key", key), zap.Error(err))
	}
}

func linkProvider(input *domain.LoginInput, in ResolveInput) {
	for i := range input.Providers {
		if input.Providers[i].Code != in.Provider {
			continue
		}
		if input.Providers[i].Identifier == "" {
			input.Providers[i].Identifier = in.Identifier
		}
		if in.PasswordHash != "" {
			input.Providers[i].PasswordHash = in.PasswordHash
		}
		return
	}
	input.Providers = append(input.Providers, domain.LoginProvider{
		Code:         in.Provider,
		Identifier:   in.Identifier,
		PasswordHash: in.PasswordHash,
	})
}

func validateResolveInput(in ResolveInput) error {
	if in.Contact.Normalized == "" ||
		(in.Contact.Format != domain.FormatEmail && in.Contact.Format != domain.FormatPhone) {
		return newValidationError("contact", "a normalized email or phone number is required")
	}
	code, err := domain.ParseProviderCode(string(in.Provider))
	if err != nil || code != in.Provider {
		return newValidationError("provider", "unknown provider code")
	}
	if !code.Handles(in.Contact.Format) {
		return newValidationError("provider", "provider does not support this contact format")
	}
	return nil
}
