package domain

import "time"

// FlowStep es el estado actual de la maquina de sign-in.
type FlowStep string

const (
	StepInputValue       FlowStep = "input_value"
	StepProviders        FlowStep = "providers"
	StepCodeVerification FlowStep = "code_verification"
	StepPassword         FlowStep = "password"
	StepRegistration     FlowStep = "registration"
	StepChangePrimary    FlowStep = "change_primary"
	StepChallenge        FlowStep = "challenge"
	StepHandoff          FlowStep = "handoff"
	StepDone             FlowStep = "done"
)

// VerificationCode guarda el ultimo codigo emitido para el intento en curso.
// Code solo vive en memoria; lo persistido es el hash.
type VerificationCode struct {
	Code      string    `json:"-"`
	Hash      string    `json:"hash"`
	Contact   string    `json:"contact"`
	Channel   Channel   `json:"channel"`
	ExpiresAt time.Time `json:"expires_at"`
	Attempts  int       `json:"attempts,omitempty"`
}

// PendingRegistration transporta datos tipados entre pasos del flujo.
type PendingRegistration struct {
	UserID      string       `json:"user_id,omitempty"`
	FirstName   string       `json:"first_name,omitempty"`
	LastName    string       `json:"last_name,omitempty"`
	DisplayName string       `json:"display_name,omitempty"`
	Input       string       `json:"input"`
	Format      Format       `json:"format"`
	Provider    ProviderCode `json:"provider"`
	Identifier  string       `json:"identifier,omitempty"`
}

// FlowState es el estado de un intento de sign-in entre requests.
type FlowState struct {
	ID             string               `json:"id"`
	ActionState    ActionState          `json:"action_state"`
	ReturnURL      string               `json:"return_url"`
	KeepSignedIn   bool                 `json:"keep_signed_in"`
	CurrentUserID  string               `json:"current_user_id,omitempty"`
	Step           FlowStep             `json:"step"`
	Contact        Contact              `json:"contact"`
	ExistingUserID string               `json:"existing_user_id,omitempty"`
	Providers      []ProviderCode       `json:"providers,omitempty"`
	Provider       ProviderCode         `json:"provider,omitempty"`
	Code           *VerificationCode    `json:"code,omitempty"`
	PasswordFails  int                  `json:"password_fails,omitempty"`
	Pending        *PendingRegistration `json:"pending,omitempty"`
	ResolvedUserID string               `json:"resolved_user_id,omitempty"`
	ErrorType      string               `json:"error_type,omitempty"`
	ErrorMessage   string               `json:"error_message,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
}

// ClearError limpia el error transitorio mostrado al usuario.
func (f *FlowState) ClearError() {
	f.ErrorType = ""
	f.ErrorMessage = ""
}
