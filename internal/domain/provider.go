package domain

import (
	"fmt"
	"strings"
)

// ProviderCode identifica un proveedor soportado.
type ProviderCode string

const (
	ProviderGoogle    ProviderCode = "google"
	ProviderMicrosoft ProviderCode = "microsoft"
	ProviderWhatsApp  ProviderCode = "whatsapp"
	ProviderEmailCode ProviderCode = "code"
	ProviderPassword  ProviderCode = "password"
)

// Capabilities describe que puede hacer cada proveedor.
type Capabilities struct {
	HandlesEmail      bool
	HandlesPhone      bool
	RequiresCode      bool
	RequiresPassword  bool
	ExternalChallenge bool
}

var capabilityTable = map[ProviderCode]Capabilities{
	ProviderGoogle:    {HandlesEmail: true, ExternalChallenge: true},
	ProviderMicrosoft: {HandlesEmail: true, ExternalChallenge: true},
	ProviderWhatsApp:  {HandlesPhone: true, RequiresCode: true},
	ProviderEmailCode: {HandlesEmail: true, RequiresCode: true},
	ProviderPassword:  {HandlesEmail: true, HandlesPhone: true, RequiresPassword: true},
}

// providerOrder fija el orden en que se ofrecen los proveedores.
var providerOrder = []ProviderCode{
	ProviderGoogle,
	ProviderMicrosoft,
	ProviderWhatsApp,
	ProviderEmailCode,
	ProviderPassword,
}

// ParseProviderCode normaliza y valida un codigo de proveedor.
func ParseProviderCode(raw string) (ProviderCode, error) {
	code := ProviderCode(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := capabilityTable[code]; !ok {
		return "", fmt.Errorf("unknown provider %q", raw)
	}
	return code, nil
}

// Capabilities devuelve la fila de la tabla de capacidades.
func (c ProviderCode) Capabilities() Capabilities {
	return capabilityTable[c]
}

// Handles indica si el proveedor acepta contactos del formato dado.
func (c ProviderCode) Handles(format Format) bool {
	caps := c.Capabilities()
	switch format {
	case FormatEmail:
		return caps.HandlesEmail
	case FormatPhone:
		return caps.HandlesPhone
	default:
		return false
	}
}

// Channel devuelve el canal de entrega para proveedores con codigo.
func (c ProviderCode) Channel() Channel {
	if c == ProviderWhatsApp {
		return ChannelWhatsApp
	}
	return ChannelEmail
}

// ProviderCatalog es el subconjunto de proveedores habilitados en el despliegue.
type ProviderCatalog struct {
	enabled map[ProviderCode]struct{}
}

// NewProviderCatalog valida la lista configurada una sola vez al arrancar.
func NewProviderCatalog(codes []string) (ProviderCatalog, error) {
	cat := ProviderCatalog{enabled: make(map[ProviderCode]struct{})}
	for _, raw := range codes {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		code, err := ParseProviderCode(raw)
		if err != nil {
			return ProviderCatalog{}, err
		}
		cat.enabled[code] = struct{}{}
	}
	if len(cat.enabled) == 0 {
		return ProviderCatalog{}, fmt.Errorf("no providers enabled")
	}
	return cat, nil
}

// Enabled indica si el proveedor esta configurado.
func (c ProviderCatalog) Enabled(code ProviderCode) bool {
	_, ok := c.enabled[code]
	return ok
}

// Filter devuelve, en orden estable, los proveedores habilitados que cumplen keep.
func (c ProviderCatalog) Filter(keep func(ProviderCode) bool) []ProviderCode {
	var out []ProviderCode
	for _, code := range providerOrder {
		if !c.Enabled(code) {
			continue
		}
		if keep == nil || keep(code) {
			out = append(out, code)
		}
	}
	return out
}
