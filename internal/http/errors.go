package http

import (
	"net/http"

	"cloud-login/internal/service"
)

// statusFor traduce la taxonomia del servicio a codigos HTTP.
func statusFor(err error) int {
	switch service.ErrorType(err) {
	case "not_valid", "expired", "invalid_credentials", "validation":
		return http.StatusBadRequest
	case "rate_limited", "too_many_attempts":
		return http.StatusTooManyRequests
	case "conflict":
		return http.StatusConflict
	case "not_found":
		return http.StatusNotFound
	case "session_required":
		return http.StatusUnauthorized
	case "unavailable":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage nunca expone la causa de un error no recuperable.
func publicMessage(err error) string {
	switch service.ErrorType(err) {
	case "unavailable":
		return "service temporarily unavailable, try again later"
	case "not_found":
		return "not found"
	case "session_required":
		return "sign in required"
	default:
		return "internal error"
	}
}
