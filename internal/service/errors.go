package service

import (
	"errors"
	"fmt"

	"cloud-login/internal/repository"
)

var (
	ErrValidation         = errors.New("validation failed")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrExpired            = errors.New("expired")
	ErrTransport          = errors.New("transport unavailable")
	ErrRateLimited        = errors.New("rate limited")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrCodeInvalid        = errors.New("verification code not valid")
	ErrTooManyAttempts    = errors.New("too many failed attempts")
	ErrCodeLocked         = fmt.Errorf("verification code: %w", ErrTooManyAttempts)
	ErrCodeExpired        = fmt.Errorf("verification code %w", ErrExpired)
	ErrContactInUse       = fmt.Errorf("contact already linked to another account: %w", ErrConflict)
	ErrFlowNotFound       = fmt.Errorf("sign-in flow %w", ErrNotFound)
	ErrSessionRequired    = errors.New("session required")
)

// ValidationError es un error recuperable que se muestra al usuario.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func newValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// transportError marca fallas de storage o delivery para que nunca se
// confundan con ErrNotFound.
func transportError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrTransport, err)
}

// storeError traduce errores del repositorio a la taxonomia del servicio.
func storeError(op string, err error) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case errors.Is(err, repository.ErrConflict):
		return fmt.Errorf("%s: %w", op, ErrConflict)
	default:
		return transportError(op, err)
	}
}

// ErrorType devuelve la clave estable que ve el cliente para un error.
func ErrorType(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCodeInvalid):
		return "not_valid"
	case errors.Is(err, ErrTooManyAttempts):
		return "too_many_attempts"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrTransport):
		return "unavailable"
	case errors.Is(err, ErrSessionRequired), errors.Is(err, ErrSessionInvalid), errors.Is(err, ErrSessionExpired):
		return "session_required"
	default:
		return "internal"
	}
}

// IsRecoverable indica si el error se resuelve en el mismo paso del flujo.
func IsRecoverable(err error) bool {
	switch ErrorType(err) {
	case "not_valid", "expired", "invalid_credentials", "too_many_attempts", "rate_limited", "conflict", "validation":
		return true
	default:
		return false
	}
}
