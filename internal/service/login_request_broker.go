package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"cloud-login/internal/domain"
	"cloud-login/internal/metrics"
	"cloud-login/internal/repository"
)

const defaultLoginRequestTTL = 2 * time.Minute

// LoginRequestBroker transporta la identidad resuelta al dominio de la
// aplicacion cliente con tokens de un solo uso.
type LoginRequestBroker struct {
	logger *zap.Logger
	store  repository.LoginRequestStore
	users  repository.IdentityStore
	ttl    time.Duration
	now    func() time.Time
}

func NewLoginRequestBroker(logger *zap.Logger, store repository.LoginRequestStore, users repository.IdentityStore, ttl time.Duration) *LoginRequestBroker {
	if ttl <= 0 {
		ttl = defaultLoginRequestTTL
	}
	return &LoginRequestBroker{
		logger: logger,
		store:  store,
		users:  users,
		ttl:    ttl,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Mint guarda un token nuevo para el usuario y devuelve su id.
func (b *LoginRequestBroker) Mint(ctx context.Context, userID string) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", newValidationError("user_id", "user id is required")
	}
	id, err := newRequestID()
	if err != nil {
		return "", err
	}
	req := domain.LoginRequest{ID: id, UserID: userID, ExpiresAt: b.now().Add(b.ttl)}
	if err := b.store.Put(ctx, req, b.ttl); err != nil {
		metrics.LoginRequests.WithLabelValues("mint", "error").Inc()
		b.logger.Error("store login request failed", zap.Error(err))
		return "", transportError("store login request", err)
	}
	metrics.LoginRequests.WithLabelValues("mint", "ok").Inc()
	return id, nil
}

// Redeem consume el token. Tokens inexistentes, vencidos o ya usados dan
// ErrNotFound; fallas del store dan ErrTransport.
func (b *LoginRequestBroker) Redeem(ctx context.Context, requestID string) (domain.User, error) {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		metrics.LoginRequests.WithLabelValues("redeem", "miss").Inc()
		return domain.User{}, ErrNotFound
	}
	req, err := b.store.GetAndDelete(ctx, requestID)
	if errors.Is(err, repository.ErrNotFound) {
		metrics.LoginRequests.WithLabelValues("redeem", "miss").Inc()
		return domain.User{}, ErrNotFound
	}
	if err != nil {
		metrics.LoginRequests.WithLabelValues("redeem", "error").Inc()
		b.logger.Error("redeem login request failed", zap.Error(err))
		return domain.User{}, transportError("redeem login request", err)
	}
	if req.Expired(b.now()) {
		metrics.LoginRequests.WithLabelValues("redeem", "expired").Inc()
		return domain.User{}, ErrNotFound
	}

	user, err := b.users.GetByID(ctx, req.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			metrics.LoginRequests.WithLabelValues("redeem", "miss").Inc()
			return domain.User{}, ErrNotFound
		}
		metrics.LoginRequests.WithLabelValues("redeem", "error").Inc()
		return domain.User{}, transportError("load redeemed user", err)
	}
	metrics.LoginRequests.WithLabelValues("redeem", "ok").Inc()
	return user, nil
}

func newRequestID() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
