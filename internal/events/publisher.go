package events

import "context"

const (
	KeyUserRegistered = "user.registered"
	KeyUserSignedIn   = "user.signed_in"
	KeyInputLinked    = "user.input_linked"
)

// Publisher emite eventos de login hacia otros servicios.
type Publisher interface {
	Publish(ctx context.Context, key string, event any) error
	Close() error
}

type noopPublisher struct{}

func NewNoop() Publisher { return noopPublisher{} }

func (noopPublisher) Publish(context.Context, string, any) error { return nil }
func (noopPublisher) Close() error                               { return nil }

type UserRegistered struct {
	UserID   string `json:"user_id"`
	Input    string `json:"input"`
	Format   string `json:"format"`
	Provider string `json:"provider"`
}

type UserSignedIn struct {
	UserID   string `json:"user_id"`
	Input    string `json:"input"`
	Provider string `json:"provider"`
}

type InputLinked struct {
	UserID   string `json:"user_id"`
	Input    string `json:"input"`
	Format   string `json:"format"`
	Provider string `json:"provider"`
}
