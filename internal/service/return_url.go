package service

import (
	"net/url"
	"strings"
)

// ReturnURLPolicy rechaza return URLs fuera de los hosts permitidos.
type ReturnURLPolicy struct {
	hosts map[string]struct{}
}

// NewReturnURLPolicy acepta hosts exactos o comodines "*.example.com".
// Sin hosts configurados se aceptan solo rutas relativas.
func NewReturnURLPolicy(hosts []string) ReturnURLPolicy {
	p := ReturnURLPolicy{hosts: make(map[string]struct{})}
	for _, h := range hosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			p.hosts[h] = struct{}{}
		}
	}
	return p
}

// Validate devuelve la URL normalizada o un ValidationError.
func (p ReturnURLPolicy) Validate(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", newValidationError("returnUrl", "return url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", newValidationError("returnUrl", "return url is malformed")
	}
	if u.Host == "" && u.Scheme == "" {
		// solo rutas absolutas locales; "//host" se parsea con Host.
		if !strings.HasPrefix(u.Path, "/") || strings.HasPrefix(u.Path, "//") || strings.HasPrefix(u.Path, "/\\") {
			return "", newValidationError("returnUrl", "return url must be absolute")
		}
		return u.String(), nil
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return "", newValidationError("returnUrl", "return url scheme is not allowed")
	}
	if u.User != nil || !p.allowed(u.Hostname()) {
		return "", newValidationError("returnUrl", "return url host is not allowed")
	}
	return u.String(), nil
}

func (p ReturnURLPolicy) allowed(host string) bool {
	host = strings.ToLower(host)
	if host == "" {
		return false
	}
	if _, ok := p.hosts[host]; ok {
		return true
	}
	for h := range p.hosts {
		if suffix, ok := strings.CutPrefix(h, "*."); ok && strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}

// WithQuery agrega un parametro a la return URL ya validada.
func WithQuery(returnURL, key, value string) string {
	u, err := url.Parse(returnURL)
	if err != nil {
		return returnURL
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String()
}
