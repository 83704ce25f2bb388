package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"

	"cloud-login/internal/domain"
)

var ErrUnknownProvider = errors.New("oauth provider not configured")

// Provider es un proveedor con challenge externo.
type Provider interface {
	Code() domain.ProviderCode
	AuthURL(state string) string
	Exchange(ctx context.Context, code string) (domain.ExternalIdentity, error)
}

// Credentials son los datos de la app registrada en el proveedor.
type Credentials struct {
	ClientID     string
	ClientSecret string
	Tenant       string
}

// Registry agrupa los proveedores externos configurados.
type Registry struct {
	providers map[domain.ProviderCode]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[domain.ProviderCode]Provider)}
	for _, p := range providers {
		if p != nil {
			r.providers[p.Code()] = p
		}
	}
	return r
}

func (r *Registry) Get(code domain.ProviderCode) (Provider, error) {
	p, ok := r.providers[code]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, code)
	}
	return p, nil
}

type userInfoFunc func(body []byte) (domain.ExternalIdentity, error)

type tokenIdentityFunc func(tok *oauth2.Token) (domain.ExternalIdentity, error)

type oauthProvider struct {
	code        domain.ProviderCode
	cfg         *oauth2.Config
	userInfoURL string
	decode      userInfoFunc
	fromToken   tokenIdentityFunc
}

// NewGoogle usa el endpoint OIDC userinfo de Google.
func NewGoogle(creds Credentials, redirectURL string) Provider {
	if creds.ClientID == "" {
		return nil
	}
	return &oauthProvider{
		code: domain.ProviderGoogle,
		cfg: &oauth2.Config{
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			RedirectURL:  redirectURL,
			Scopes:       []string{"openid", "email", "profile"},
			Endpoint:     google.Endpoint,
		},
		userInfoURL: "https://openidconnect.googleapis.com/v1/userinfo",
		decode:      decodeGoogleUser,
	}
}

// NewMicrosoft lee la identidad del id_token; tenant vacio equivale a
// "common". El email solo se acepta si el token trae xms_edov=true o si el
// tenant configurado es un tenant id y el token viene de ese tenant.
func NewMicrosoft(creds Credentials, redirectURL string) Provider {
	if creds.ClientID == "" {
		return nil
	}
	tenant := creds.Tenant
	if tenant == "" {
		tenant = "common"
	}
	return &oauthProvider{
		code: domain.ProviderMicrosoft,
		cfg: &oauth2.Config{
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			RedirectURL:  redirectURL,
			Scopes:       []string{"openid", "email", "profile"},
			Endpoint:     microsoft.AzureADEndpoint(tenant),
		},
		fromToken: func(tok *oauth2.Token) (domain.ExternalIdentity, error) {
			raw, _ := tok.Extra("id_token").(string)
			return decodeMicrosoftIDToken(raw, creds.ClientID, tenant)
		},
	}
}

func (p *oauthProvider) Code() domain.ProviderCode { return p.code }

func (p *oauthProvider) AuthURL(state string) string {
	return p.cfg.AuthCodeURL(state, oauth2.SetAuthURLParam("prompt", "select_account"))
}

func (p *oauthProvider) Exchange(ctx context.Context, code string) (domain.ExternalIdentity, error) {
	if strings.TrimSpace(code) == "" {
		return domain.ExternalIdentity{}, errors.New("authorization code is required")
	}
	tok, err := p.cfg.Exchange(ctx, code)
	if err != nil {
		return domain.ExternalIdentity{}, fmt.Errorf("exchange code: %w", err)
	}
	if p.fromToken != nil {
		identity, err := p.fromToken(tok)
		if err != nil {
			return domain.ExternalIdentity{}, err
		}
		identity.Provider = p.code
		return identity, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userInfoURL, nil)
	if err != nil {
		return domain.ExternalIdentity{}, err
	}
	resp, err := p.cfg.Client(ctx, tok).Do(req)
	if err != nil {
		return domain.ExternalIdentity{}, fmt.Errorf("fetch user info: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.ExternalIdentity{}, fmt.Errorf("read user info: %w", err)
	}
	if resp.StatusCode >= 400 {
		return domain.ExternalIdentity{}, fmt.Errorf("user info http error: status=%d", resp.StatusCode)
	}
	identity, err := p.decode(body)
	if err != nil {
		return domain.ExternalIdentity{}, err
	}
	identity.Provider = p.code
	return identity, nil
}

func decodeGoogleUser(body []byte) (domain.ExternalIdentity, error) {
	var u struct {
		Sub           string `json:"sub"`
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
		Name          string `json:"name"`
		GivenName     string `json:"given_name"`
		FamilyName    string `json:"family_name"`
	}
	if err := json.Unmarshal(body, &u); err != nil {
		return domain.ExternalIdentity{}, fmt.Errorf("decode google user: %w", err)
	}
	if u.Sub == "" || u.Email == "" {
		return domain.ExternalIdentity{}, errors.New("missing email/sub")
	}
	if !u.EmailVerified {
		return domain.ExternalIdentity{}, errors.New("google email not verified")
	}
	return domain.ExternalIdentity{
		Subject:     u.Sub,
		Email:       u.Email,
		FirstName:   u.GivenName,
		LastName:    u.FamilyName,
		DisplayName: u.Name,
	}, nil
}

// multiTenants no identifican una organizacion concreta.
var multiTenants = map[string]struct{}{
	"common":        {},
	"organizations": {},
	"consumers":     {},
}

type microsoftClaims struct {
	jwt.RegisteredClaims
	OID           string `json:"oid"`
	TID           string `json:"tid"`
	Email         string `json:"email"`
	EmailVerified any    `json:"xms_edov"`
	Name          string `json:"name"`
	GivenName     string `json:"given_name"`
	FamilyName    string `json:"family_name"`
}

// decodeMicrosoftIDToken lee el id_token recibido del token endpoint por TLS,
// por eso no se valida la firma; audiencia y email verificado si.
func decodeMicrosoftIDToken(raw, clientID, tenant string) (domain.ExternalIdentity, error) {
	if raw == "" {
		return domain.ExternalIdentity{}, errors.New("microsoft token response has no id_token")
	}
	var c microsoftClaims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &c); err != nil {
		return domain.ExternalIdentity{}, fmt.Errorf("decode microsoft id_token: %w", err)
	}
	if !audienceContains(c.Audience, clientID) {
		return domain.ExternalIdentity{}, errors.New("microsoft id_token issued for another client")
	}
	subject := c.OID
	if subject == "" {
		subject = c.Subject
	}
	if subject == "" || c.Email == "" {
		return domain.ExternalIdentity{}, errors.New("missing email/oid")
	}
	if !microsoftEmailVerified(c, tenant) {
		return domain.ExternalIdentity{}, errors.New("microsoft email not verified")
	}
	return domain.ExternalIdentity{
		Subject:     subject,
		Email:       c.Email,
		FirstName:   c.GivenName,
		LastName:    c.FamilyName,
		DisplayName: c.Name,
	}, nil
}

func microsoftEmailVerified(c microsoftClaims, tenant string) bool {
	switch v := c.EmailVerified.(type) {
	case bool:
		if v {
			return true
		}
	case string:
		if v == "true" || v == "1" {
			return true
		}
	}
	tenant = strings.ToLower(strings.TrimSpace(tenant))
	if _, multi := multiTenants[tenant]; multi || tenant == "" {
		return false
	}
	return strings.EqualFold(c.TID, tenant)
}

func audienceContains(aud jwt.ClaimStrings, clientID string) bool {
	for _, a := range aud {
		if a == clientID {
			return true
		}
	}
	return false
}
