package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"

	"cloud-login/internal/domain"
)

// Config centraliza la configuración del servicio.
type Config struct {
	HTTPPort      string `env:"HTTP_PORT" envDefault:"8080"`
	PublicBaseURL string `env:"PUBLIC_BASE_URL" envDefault:"http://localhost:8080"`
	LoginPageURL  string `env:"LOGIN_PAGE_URL" envDefault:"/"`
	DatabaseURL   string `env:"DATABASE_URL"`
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	SessionSecret         string `env:"SESSION_SECRET,required,notEmpty"`
	SessionPersistentDays int    `env:"SESSION_PERSISTENT_DAYS" envDefault:"90"`
	SessionTransientHours int    `env:"SESSION_TRANSIENT_HOURS" envDefault:"12"`
	CookieDomain          string `env:"COOKIE_DOMAIN"`
	CookieSecure          bool   `env:"COOKIE_SECURE" envDefault:"true"`

	LoginRequestTTLSeconds int      `env:"LOGIN_REQUEST_TTL_SECONDS" envDefault:"120"`
	CodeTTLMinutes         int      `env:"CODE_TTL_MINUTES" envDefault:"5"`
	CodeLength             int      `env:"CODE_LENGTH" envDefault:"6"`
	OTPRateWindowMinutes   int      `env:"OTP_RATE_WINDOW_MINUTES" envDefault:"10"`
	OTPRateMax             int      `env:"OTP_RATE_MAX" envDefault:"5"`
	PasswordRateWindowMin  int      `env:"PASSWORD_RATE_WINDOW_MINUTES" envDefault:"15"`
	PasswordRateMax        int      `env:"PASSWORD_RATE_MAX" envDefault:"10"`
	FlowTTLMinutes         int      `env:"FLOW_TTL_MINUTES" envDefault:"30"`
	EnabledProviders       []string `env:"ENABLED_PROVIDERS" envSeparator:"," envDefault:"google,microsoft,whatsapp,code,password"`
	AllowedReturnHosts     []string `env:"ALLOWED_RETURN_HOSTS" envSeparator:","`
	DefaultPhoneRegion     string   `env:"DEFAULT_PHONE_REGION" envDefault:"US"`
	BcryptCost             int      `env:"BCRYPT_COST" envDefault:"10"`

	GoogleClientID        string `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret    string `env:"GOOGLE_CLIENT_SECRET"`
	MicrosoftClientID     string `env:"MICROSOFT_CLIENT_ID"`
	MicrosoftClientSecret string `env:"MICROSOFT_CLIENT_SECRET"`
	MicrosoftTenant       string `env:"MICROSOFT_TENANT" envDefault:"common"`
	OAuthStateSecret      string `env:"OAUTH_STATE_SECRET"`

	SMTPHost     string `env:"SMTP_HOST"`
	SMTPPort     int    `env:"SMTP_PORT" envDefault:"587"`
	SMTPUser     string `env:"SMTP_USER"`
	SMTPPass     string `env:"SMTP_PASS"`
	SMTPFrom     string `env:"SMTP_FROM"`
	SMTPFromName string `env:"SMTP_FROM_NAME"`
	SMTPUseTLS   bool   `env:"SMTP_USE_TLS" envDefault:"false"`

	WhatsAppAPIURL        string `env:"WHATSAPP_API_URL" envDefault:"https://graph.facebook.com/v20.0"`
	WhatsAppToken         string `env:"WHATSAPP_TOKEN"`
	WhatsAppPhoneNumberID string `env:"WHATSAPP_PHONE_NUMBER_ID"`
	WhatsAppTemplate      string `env:"WHATSAPP_TEMPLATE" envDefault:"login_code"`
	WhatsAppTemplateLang  string `env:"WHATSAPP_TEMPLATE_LANG" envDefault:"en"`

	RabbitMQURL    string `env:"RABBITMQ_URL"`
	EventsExchange string `env:"EVENTS_EXCHANGE" envDefault:"cloud-login.events"`

	// Providers se construye en LoadConfig a partir de EnabledProviders.
	Providers domain.ProviderCatalog
}

// LoadConfig carga la configuración desde variables de entorno.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) finish() error {
	catalog, err := domain.NewProviderCatalog(c.EnabledProviders)
	if err != nil {
		return fmt.Errorf("ENABLED_PROVIDERS: %w", err)
	}
	c.Providers = catalog
	if c.OAuthStateSecret == "" {
		c.OAuthStateSecret = c.SessionSecret
	}
	c.PublicBaseURL = strings.TrimRight(c.PublicBaseURL, "/")
	return nil
}

func (c *Config) PersistentSessionTTL() time.Duration {
	return time.Duration(c.SessionPersistentDays) * 24 * time.Hour
}

func (c *Config) TransientSessionTTL() time.Duration {
	return time.Duration(c.SessionTransientHours) * time.Hour
}

func (c *Config) LoginRequestTTL() time.Duration {
	return time.Duration(c.LoginRequestTTLSeconds) * time.Second
}

func (c *Config) CodeTTL() time.Duration {
	return time.Duration(c.CodeTTLMinutes) * time.Minute
}

func (c *Config) OTPRateWindow() time.Duration {
	return time.Duration(c.OTPRateWindowMinutes) * time.Minute
}

func (c *Config) PasswordRateWindow() time.Duration {
	return time.Duration(c.PasswordRateWindowMin) * time.Minute
}

func (c *Config) FlowTTL() time.Duration {
	return time.Duration(c.FlowTTLMinutes) * time.Minute
}

// OAuthRedirectURL es el callback registrado en cada proveedor.
func (c *Config) OAuthRedirectURL(provider domain.ProviderCode) string {
	return c.PublicBaseURL + "/oauth/" + string(provider) + "/callback"
}
