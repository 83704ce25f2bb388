package domain

import (
	"strings"
	"time"
)

// User es la identidad resuelta que se entrega a las aplicaciones cliente.
type User struct {
	ID           string       `json:"id"`
	FirstName    string       `json:"first_name"`
	LastName     string       `json:"last_name"`
	DisplayName  string       `json:"display_name"`
	CreatedOn    time.Time    `json:"created_on"`
	LastSignedIn time.Time    `json:"last_signed_in"`
	Inputs       []LoginInput `json:"inputs"`
}

// LoginInput es un contacto normalizado (email o telefono) con sus proveedores.
type LoginInput struct {
	Input     string          `json:"input"`
	Format    Format          `json:"format"`
	IsPrimary bool            `json:"is_primary"`
	Providers []LoginProvider `json:"providers"`
}

// LoginProvider vincula un proveedor de autenticacion a un LoginInput.
type LoginProvider struct {
	Code         ProviderCode `json:"code"`
	Identifier   string       `json:"identifier,omitempty"`
	PasswordHash string       `json:"-"`
}

// FindInput devuelve el indice del input normalizado o -1.
func (u *User) FindInput(input string) int {
	for i := range u.Inputs {
		if strings.EqualFold(u.Inputs[i].Input, input) {
			return i
		}
	}
	return -1
}

// Primary devuelve el input primario para el formato dado.
func (u *User) Primary(format Format) (LoginInput, bool) {
	for _, in := range u.Inputs {
		if in.Format == format && in.IsPrimary {
			return in, true
		}
	}
	return LoginInput{}, false
}

// HasPrimary indica si ya hay un input primario para el formato.
func (u *User) HasPrimary(format Format) bool {
	_, ok := u.Primary(format)
	return ok
}

// HasProfile indica si el usuario ya completo su registro.
func (u *User) HasProfile() bool {
	return strings.TrimSpace(u.FirstName) != "" ||
		strings.TrimSpace(u.LastName) != "" ||
		strings.TrimSpace(u.DisplayName) != ""
}

// ProviderCodes lista los proveedores vinculados en todos los inputs, sin repetir.
func (u *User) ProviderCodes() []ProviderCode {
	seen := make(map[ProviderCode]struct{})
	var out []ProviderCode
	for _, in := range u.Inputs {
		for _, p := range in.Providers {
			if _, ok := seen[p.Code]; ok {
				continue
			}
			seen[p.Code] = struct{}{}
			out = append(out, p.Code)
		}
	}
	return out
}

// Provider busca el proveedor dentro del input.
func (in *LoginInput) Provider(code ProviderCode) (LoginProvider, bool) {
	for _, p := range in.Providers {
		if p.Code == code {
			return p, true
		}
	}
	return LoginProvider{}, false
}

// HasProvider indica si el codigo (ya normalizado) esta vinculado.
func (in *LoginInput) HasProvider(code ProviderCode) bool {
	_, ok := in.Provider(code)
	return ok
}

// Clone devuelve una copia profunda para que los stores no compartan slices.
func (u User) Clone() User {
	out := u
	out.Inputs = make([]LoginInput, len(u.Inputs))
	for i, in := range u.Inputs {
		in.Providers = append([]LoginProvider(nil), in.Providers...)
		out.Inputs[i] = in
	}
	return out
}
