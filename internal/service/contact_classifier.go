package service

import (
	"regexp"
	"strings"

	"github.com/nyaruka/phonenumbers"

	"cloud-login/internal/domain"
)

// local-part en dot-atom (sin puntos consecutivos), dominio con al menos un
// punto y TLD de 2+ letras. Se evalua sobre la entrada ya en minusculas.
var emailPattern = regexp.MustCompile(
	`^[a-z0-9!#$%&'*+/=?^_` + "`" + `{|}~-]+(\.[a-z0-9!#$%&'*+/=?^_` + "`" + `{|}~-]+)*@([a-z0-9]([a-z0-9-]*[a-z0-9])?\.)+[a-z]{2,}$`,
)

// ContactClassifier normaliza y clasifica contactos como email, telefono u otro.
type ContactClassifier struct {
	defaultRegion string
}

func NewContactClassifier(defaultRegion string) *ContactClassifier {
	return &ContactClassifier{defaultRegion: strings.ToUpper(strings.TrimSpace(defaultRegion))}
}

// Classify no tiene efectos secundarios; Normalized queda listo para usarse
// como clave de storage.
func (c *ContactClassifier) Classify(raw string) domain.Contact {
	contact := domain.Contact{Raw: raw, Format: domain.FormatOther}
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return contact
	}

	email := normalizeEmail(trimmed)
	if emailPattern.MatchString(email) {
		contact.Normalized = email
		contact.Format = domain.FormatEmail
		return contact
	}
	if strings.Contains(trimmed, "@") {
		return contact
	}

	num, err := phonenumbers.Parse(trimmed, c.defaultRegion)
	if err != nil || !phonenumbers.IsValidNumber(num) {
		return contact
	}
	contact.Normalized = phonenumbers.Format(num, phonenumbers.E164)
	contact.Format = domain.FormatPhone
	contact.Region = phonenumbers.GetRegionCodeForNumber(num)
	contact.CallingCode = int(num.GetCountryCode())
	return contact
}

// Format es el atajo de Classify cuando solo importa el formato.
func (c *ContactClassifier) Format(raw string) domain.Format {
	return c.Classify(raw).Format
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
