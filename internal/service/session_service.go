package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"cloud-login/internal/domain"
)

const sessionIssuer = "cloud-login"

var (
	ErrSessionInvalid = errors.New("session invalid")
	ErrSessionExpired = errors.New("session expired")
)

// Session es la credencial firmada que el handler pone en la cookie.
type Session struct {
	Token      string
	ExpiresAt  time.Time
	Persistent bool
}

// SessionClaims lleva una copia del usuario resuelto para que whoami no
// consulte el store. HandedOff marca sesiones que ya pasaron por Transform.
type SessionClaims struct {
	UserID           string       `json:"uid,omitempty"`
	GivenName        string       `json:"given_name,omitempty"`
	FamilyName       string       `json:"family_name,omitempty"`
	Name             string       `json:"name,omitempty"`
	Email            string       `json:"email,omitempty"`
	Phone            string       `json:"phone,omitempty"`
	User             *domain.User `json:"usr,omitempty"`
	HandedOff        bool         `json:"hof,omitempty"`
	Persistent       bool         `json:"persistent,omitempty"`
	ExternalProvider string       `json:"idp,omitempty"`
	ExternalSubject  string       `json:"idp_sub,omitempty"`
	jwt.RegisteredClaims
}

// SessionService es el SessionEstablisher: emite, lee y transforma sesiones
// del dominio de login.
type SessionService struct {
	logger        *zap.Logger
	secret        []byte
	persistentTTL time.Duration
	transientTTL  time.Duration
	resolver      *IdentityResolver
	classifier    *ContactClassifier
	now           func() time.Time
}

func NewSessionService(logger *zap.Logger, secret string, persistentTTL, transientTTL time.Duration, resolver *IdentityResolver, classifier *ContactClassifier) *SessionService {
	if persistentTTL <= 0 {
		persistentTTL = 90 * 24 * time.Hour
	}
	if transientTTL <= 0 {
		transientTTL = 12 * time.Hour
	}
	return &SessionService{
		logger:        logger,
		secret:        []byte(secret),
		persistentTTL: persistentTTL,
		transientTTL:  transientTTL,
		resolver:      resolver,
		classifier:    classifier,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Establish emite la sesion marcada para un usuario ya resuelto.
func (s *SessionService) Establish(user domain.User, keepSignedIn bool) (Session, error) {
	if strings.TrimSpace(user.ID) == "" {
		return Session{}, ErrSessionInvalid
	}
	copied := user.Clone()
	claims := SessionClaims{
		UserID:     user.ID,
		GivenName:  user.FirstName,
		FamilyName: user.LastName,
		Name:       user.DisplayName,
		User:       &copied,
		HandedOff:  true,
		Persistent: keepSignedIn,
	}
	if in, ok := user.Primary(domain.FormatEmail); ok {
		claims.Email = in.Input
	}
	if in, ok := user.Primary(domain.FormatPhone); ok {
		claims.Phone = in.Input
	}
	claims.Subject = user.ID
	return s.sign(claims)
}

// EstablishExternal emite una sesion sin marcar con lo que devolvio el
// proveedor externo; Transform la resuelve despues.
func (s *SessionService) EstablishExternal(identity domain.ExternalIdentity, keepSignedIn bool) (Session, error) {
	if strings.TrimSpace(identity.Email) == "" || strings.TrimSpace(identity.Subject) == "" {
		return Session{}, ErrSessionInvalid
	}
	claims := SessionClaims{
		GivenName:        identity.FirstName,
		FamilyName:       identity.LastName,
		Name:             identity.DisplayName,
		Email:            identity.Email,
		Persistent:       keepSignedIn,
		ExternalProvider: string(identity.Provider),
		ExternalSubject:  identity.Subject,
	}
	claims.Subject = string(identity.Provider) + "|" + identity.Subject
	return s.sign(claims)
}

// Parse valida firma, emisor y vencimiento de la credencial.
func (s *SessionService) Parse(token string) (SessionClaims, error) {
	if len(s.secret) == 0 || strings.TrimSpace(token) == "" {
		return SessionClaims{}, ErrSessionInvalid
	}
	var claims SessionClaims
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(sessionIssuer),
		jwt.WithTimeFunc(s.now),
	)
	_, err := parser.ParseWithClaims(token, &claims, func(_ *jwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return SessionClaims{}, ErrSessionExpired
		}
		return SessionClaims{}, ErrSessionInvalid
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return SessionClaims{}, ErrSessionInvalid
	}
	if claims.HandedOff && (claims.User == nil || claims.User.ID != claims.UserID) {
		return SessionClaims{}, ErrSessionInvalid
	}
	return claims, nil
}

// Transform devuelve el usuario de la sesion. Una sesion marcada se usa tal
// cual; una sin marcar se resuelve una sola vez y se reemite marcada.
func (s *SessionService) Transform(ctx context.Context, claims SessionClaims) (domain.User, *Session, error) {
	if claims.HandedOff && claims.User != nil {
		return claims.User.Clone(), nil, nil
	}

	var (
		user domain.User
		err  error
	)
	switch {
	case claims.ExternalProvider != "":
		user, err = s.resolveExternal(ctx, claims)
	case claims.UserID != "":
		user, err = s.resolver.GetByID(ctx, claims.UserID)
	default:
		return domain.User{}, nil, ErrSessionInvalid
	}
	if err != nil {
		return domain.User{}, nil, err
	}
	session, err := s.Establish(user, claims.Persistent)
	if err != nil {
		return domain.User{}, nil, err
	}
	return user, &session, nil
}

func (s *SessionService) resolveExternal(ctx context.Context, claims SessionClaims) (domain.User, error) {
	provider, err := domain.ParseProviderCode(claims.ExternalProvider)
	if err != nil || !provider.Capabilities().ExternalChallenge {
		return domain.User{}, ErrSessionInvalid
	}
	contact := s.classifier.Classify(claims.Email)
	if contact.Format != domain.FormatEmail {
		return domain.User{}, newValidationError("email", "external provider returned an invalid email")
	}
	user, created, err := s.resolver.Resolve(ctx, ResolveInput{
		Contact:     contact,
		Provider:    provider,
		Identifier:  claims.ExternalSubject,
		FirstName:   claims.GivenName,
		LastName:    claims.FamilyName,
		DisplayName: claims.Name,
	})
	if err != nil {
		return domain.User{}, err
	}
	s.logger.Info("external session resolved",
		zap.String("user_id", user.ID),
		zap.String("provider", string(provider)),
		zap.Bool("created", created))
	return user, nil
}

// TTL devuelve la vigencia segun keepSignedIn.
func (s *SessionService) TTL(persistent bool) time.Duration {
	if persistent {
		return s.persistentTTL
	}
	return s.transientTTL
}

func (s *SessionService) sign(claims SessionClaims) (Session, error) {
	if len(s.secret) == 0 {
		return Session{}, ErrSessionInvalid
	}
	now := s.now()
	expiresAt := now.Add(s.TTL(claims.Persistent))
	claims.ID = uuid.NewString()
	claims.Issuer = sessionIssuer
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(expiresAt)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return Session{}, err
	}
	return Session{Token: token, ExpiresAt: expiresAt, Persistent: claims.Persistent}, nil
}
