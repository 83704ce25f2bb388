package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Sender entrega codigos de verificacion por WhatsApp.
type Sender interface {
	SendVerificationCode(ctx context.Context, toPhone string, code string) error
}

// Config agrupa los datos de la Cloud API.
type Config struct {
	BaseURL       string
	Token         string
	PhoneNumberID string
	Template      string
	Language      string
	Timeout       time.Duration
}

// HTTPClient envia mensajes de plantilla con la Cloud API de WhatsApp.
type HTTPClient struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

func NewHTTPClient(logger *zap.Logger, cfg Config) (*HTTPClient, error) {
	if strings.TrimSpace(cfg.Token) == "" || strings.TrimSpace(cfg.PhoneNumberID) == "" {
		return nil, errors.New("whatsapp token and phone number id are required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://graph.facebook.com/v20.0"
	}
	if cfg.Template == "" {
		cfg.Template = "login_code"
	}
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &HTTPClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}, nil
}

func (c *HTTPClient) SendVerificationCode(ctx context.Context, toPhone string, code string) error {
	to := strings.TrimPrefix(strings.TrimSpace(toPhone), "+")
	if to == "" {
		return errors.New("destination phone is required")
	}
	body := templateRequest{
		MessagingProduct: "whatsapp",
		To:               to,
		Type:             "template",
		Template: templatePayload{
			Name:     c.cfg.Template,
			Language: templateLanguage{Code: c.cfg.Language},
			Components: []templateComponent{{
				Type:       "body",
				Parameters: []templateParameter{{Type: "text", Text: code}},
			}},
		},
	}

	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	url := c.cfg.BaseURL + "/" + c.cfg.PhoneNumberID + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		var apiErr errorResponse
		_ = json.Unmarshal(respBody, &apiErr)
		c.logger.Warn("whatsapp send failed",
			zap.Int("status", resp.StatusCode),
			zap.String("error", apiErr.Error.Message))
		return fmt.Errorf("whatsapp http error: status=%d", resp.StatusCode)
	}
	return nil
}

type templateRequest struct {
	MessagingProduct string          `json:"messaging_product"`
	To               string          `json:"to"`
	Type             string          `json:"type"`
	Template         templatePayload `json:"template"`
}

type templatePayload struct {
	Name       string              `json:"name"`
	Language   templateLanguage    `json:"language"`
	Components []templateComponent `json:"components,omitempty"`
}

type templateLanguage struct {
	Code string `json:"code"`
}

type templateComponent struct {
	Type       string              `json:"type"`
	Parameters []templateParameter `json:"parameters"`
}

type templateParameter struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

type disabledSender struct {
	reason string
}

func NewDisabledSender(reason string) Sender {
	return &disabledSender{reason: reason}
}

func (s *disabledSender) SendVerificationCode(context.Context, string, string) error {
	if s.reason == "" {
		return errors.New("whatsapp sender disabled")
	}
	return errors.New(s.reason)
}
