package domain

import (
	"fmt"
	"strings"
)

// ActionState fija el proposito de un flujo de sign-in completo.
type ActionState string

const (
	ActionLogin         ActionState = "login"
	ActionAddInput      ActionState = "AddInput"
	ActionUpdateInput   ActionState = "UpdateInput"
	ActionAddNumber     ActionState = "AddNumber"
	ActionAddEmail      ActionState = "AddEmail"
	ActionChangePrimary ActionState = "ChangePrimary"
)

var actionStates = []ActionState{
	ActionLogin,
	ActionAddInput,
	ActionUpdateInput,
	ActionAddNumber,
	ActionAddEmail,
	ActionChangePrimary,
}

// ParseActionState acepta el valor sin distinguir mayusculas; vacio es login.
func ParseActionState(raw string) (ActionState, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ActionLogin, nil
	}
	for _, a := range actionStates {
		if strings.EqualFold(string(a), raw) {
			return a, nil
		}
	}
	return "", fmt.Errorf("unknown action state %q", raw)
}

// RequiresCurrentUser indica si la accion opera sobre un usuario con sesion.
func (a ActionState) RequiresCurrentUser() bool {
	return a != ActionLogin
}

// AddsInput indica si la accion agrega un contacto al usuario actual.
func (a ActionState) AddsInput() bool {
	return a == ActionAddInput || a == ActionAddNumber || a == ActionAddEmail
}
