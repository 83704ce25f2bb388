package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"math/big"
	"strings"
	"time"

	"go.uber.org/zap"

	"cloud-login/internal/domain"
	"cloud-login/internal/email"
	"cloud-login/internal/metrics"
	"cloud-login/internal/whatsapp"
)

// CodeResult es el resultado de validar un codigo enviado por el usuario.
type CodeResult int

const (
	CodeNotValid CodeResult = iota
	CodeValid
	CodeExpired
	CodeLocked
)

func (r CodeResult) String() string {
	switch r {
	case CodeValid:
		return "valid"
	case CodeExpired:
		return "expired"
	case CodeLocked:
		return "locked"
	default:
		return "not_valid"
	}
}

const (
	defaultCodeLength = 6
	defaultCodeTTL    = 5 * time.Minute

	// intentos fallidos tolerados por codigo emitido.
	defaultCodeMaxAttempts = 5
)

// VerificationCodeService emite y valida codigos de un solo uso por intento.
type VerificationCodeService struct {
	logger   *zap.Logger
	email    email.Sender
	whatsapp whatsapp.Sender
	limiter  CodeRateLimiter
	ttl      time.Duration
	length   int
	attempts int
	now      func() time.Time
}

func NewVerificationCodeService(logger *zap.Logger, emailSender email.Sender, whatsappSender whatsapp.Sender, limiter CodeRateLimiter, ttl time.Duration, length int) *VerificationCodeService {
	if ttl <= 0 {
		ttl = defaultCodeTTL
	}
	if length <= 0 || length > 9 {
		length = defaultCodeLength
	}
	if limiter == nil {
		limiter = NewCodeRateLimiter(10*time.Minute, 5)
	}
	if emailSender == nil {
		emailSender = email.NewDisabledSender("")
	}
	if whatsappSender == nil {
		whatsappSender = whatsapp.NewDisabledSender("")
	}
	return &VerificationCodeService{
		logger:   logger,
		email:    emailSender,
		whatsapp: whatsappSender,
		limiter:  limiter,
		ttl:      ttl,
		length:   length,
		attempts: defaultCodeMaxAttempts,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Issue genera un codigo nuevo y lo despacha por el canal. El llamador
// reemplaza cualquier codigo previo con el devuelto.
func (s *VerificationCodeService) Issue(ctx context.Context, contact domain.Contact, channel domain.Channel) (domain.VerificationCode, error) {
	if contact.Normalized == "" {
		return domain.VerificationCode{}, newValidationError("contact", "contact is required")
	}
	switch {
	case channel == domain.ChannelEmail && contact.Format != domain.FormatEmail,
		channel == domain.ChannelWhatsApp && contact.Format != domain.FormatPhone:
		return domain.VerificationCode{}, newValidationError("contact", "contact cannot receive codes on this channel")
	case channel != domain.ChannelEmail && channel != domain.ChannelWhatsApp:
		return domain.VerificationCode{}, newValidationError("channel", "unsupported delivery channel")
	}
	if !s.limiter.Allow(ctx, string(channel)+":"+contact.Normalized) {
		return domain.VerificationCode{}, ErrRateLimited
	}

	code, hash, err := generateCode(s.length)
	if err != nil {
		return domain.VerificationCode{}, err
	}
	issued := domain.VerificationCode{
		Code:      code,
		Hash:      hash,
		Contact:   contact.Normalized,
		Channel:   channel,
		ExpiresAt: s.now().Add(s.ttl),
	}

	switch channel {
	case domain.ChannelEmail:
		err = s.email.SendVerificationCode(ctx, contact.Normalized, code, issued.ExpiresAt)
	case domain.ChannelWhatsApp:
		err = s.whatsapp.SendVerificationCode(ctx, contact.Normalized, code)
	}
	if err != nil {
		s.logger.Error("deliver verification code failed",
			zap.String("channel", string(channel)), zap.Error(err))
		return domain.VerificationCode{}, transportError("deliver verification code", err)
	}
	metrics.CodesIssued.WithLabelValues(string(channel)).Inc()
	return issued, nil
}

// Validate compara contra el ultimo codigo emitido. Un codigo vencido es
// CodeExpired aunque coincida. Cada fallo se cuenta en issued; al llegar al
// maximo el codigo queda CodeLocked hasta que se emita otro.
func (s *VerificationCodeService) Validate(issued *domain.VerificationCode, submitted string) CodeResult {
	result := s.validate(issued, submitted)
	metrics.CodeValidations.WithLabelValues(result.String()).Inc()
	return result
}

func (s *VerificationCodeService) validate(issued *domain.VerificationCode, submitted string) CodeResult {
	if issued == nil || issued.Hash == "" {
		return CodeNotValid
	}
	if !s.now().Before(issued.ExpiresAt) {
		return CodeExpired
	}
	if issued.Attempts >= s.attempts {
		return CodeLocked
	}
	submitted = strings.TrimSpace(submitted)
	if len(submitted) == s.length && isDigits(submitted) && verifyCode(submitted, issued.Hash) {
		return CodeValid
	}
	issued.Attempts++
	if issued.Attempts >= s.attempts {
		return CodeLocked
	}
	return CodeNotValid
}

func generateCode(length int) (string, string, error) {
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(length)), nil)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", "", err
	}
	code := fmt.Sprintf("%0*d", length, n.Int64())

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", "", err
	}
	saltStr := base64.StdEncoding.EncodeToString(salt)
	return code, saltStr + ":" + hashCode(saltStr, code), nil
}

func hashCode(salt, code string) string {
	sum := sha256.Sum256([]byte(salt + ":" + code))
	return base64.StdEncoding.EncodeToString(sum[:])
}

func verifyCode(code, stored string) bool {
	salt, expected, ok := strings.Cut(stored, ":")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(hashCode(salt, code)), []byte(expected)) == 1
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
