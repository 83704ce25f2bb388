package domain

import "time"

// LoginRequest es el token de un solo uso que cruza el limite de dominio.
type LoginRequest struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired indica si el token ya no puede canjearse.
func (r LoginRequest) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}
