package email

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/wneessen/go-mail"
	"go.uber.org/zap"
)

const verificationSubject = "Your sign-in code"

var verificationHTML = template.Must(template.New("code").Parse(`<!doctype html>
<html><body style="font-family:sans-serif">
<p>Your verification code is</p>
<p style="font-size:28px;letter-spacing:6px"><strong>{{.Code}}</strong></p>
<p>It expires at {{.ExpiresAt}} UTC. If you did not try to sign in, ignore this message.</p>
</body></html>`))

var verificationText = template.Must(template.New("code-text").Parse(
	"Your verification code is {{.Code}}.\nIt expires at {{.ExpiresAt}} UTC.\n"))

// SMTPConfig agrupa los datos de conexion del relay.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
	UseTLS   bool
	Timeout  time.Duration
}

// SMTPSender envia correos via SMTP.
type SMTPSender struct {
	logger *zap.Logger
	client *mail.Client
	from   string
	name   string
}

func NewSMTPSender(logger *zap.Logger, cfg SMTPConfig) (*SMTPSender, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, fmt.Errorf("smtp host is required")
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, fmt.Errorf("smtp from is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTimeout(cfg.Timeout),
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	if cfg.UseTLS {
		opts = append(opts, mail.WithSSLPort(false))
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSOpportunistic))
	}

	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("create smtp client: %w", err)
	}
	return &SMTPSender{logger: logger, client: client, from: cfg.From, name: cfg.FromName}, nil
}

func (s *SMTPSender) SendVerificationCode(ctx context.Context, toEmail string, code string, expiresAt time.Time) error {
	if strings.TrimSpace(toEmail) == "" {
		return fmt.Errorf("to email is required")
	}
	msg, err := s.buildMessage(toEmail, code, expiresAt)
	if err != nil {
		return err
	}
	if err := s.client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("send verification email: %w", err)
	}
	s.logger.Debug("verification email sent", zap.String("to", toEmail))
	return nil
}

func (s *SMTPSender) buildMessage(toEmail, code string, expiresAt time.Time) (*mail.Msg, error) {
	data := struct {
		Code      string
		ExpiresAt string
	}{
		Code:      code,
		ExpiresAt: expiresAt.UTC().Format("2006-01-02 15:04"),
	}
	var html, text bytes.Buffer
	if err := verificationHTML.Execute(&html, data); err != nil {
		return nil, err
	}
	if err := verificationText.Execute(&text, data); err != nil {
		return nil, err
	}

	msg := mail.NewMsg()
	if strings.TrimSpace(s.name) != "" {
		if err := msg.FromFormat(s.name, s.from); err != nil {
			return nil, err
		}
	} else if err := msg.From(s.from); err != nil {
		return nil, err
	}
	if err := msg.To(toEmail); err != nil {
		return nil, err
	}
	msg.Subject(verificationSubject)
	msg.SetBodyString(mail.TypeTextPlain, text.String())
	msg.AddAlternativeString(mail.TypeTextHTML, html.String())
	return msg, nil
}
