package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/spec-kit/account-service/internal/config"
)

// Message is a plaintext transactional email.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Mailer delivers transactional email. Implementations own their timeout; a
// failed send returns an error so callers can compensate.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// HTTPMailer sends email through a Brevo-style HTTP mail API.
type HTTPMailer struct {
	cfg    config.MailerConfig
	client *http.Client
	logger *zap.Logger
}

// NewHTTPMailer builds a mailer backed by the configured mail API.
func NewHTTPMailer(cfg config.MailerConfig, logger *zap.Logger) *HTTPMailer {
	return &HTTPMailer{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout()},
		logger: logger,
	}
}

// Send posts the message to the mail API.
func (m *HTTPMailer) Send(ctx context.Context, msg Message) error {
	payload := map[string]any{
		"sender":      map[string]string{"name": m.cfg.SenderName, "email": m.cfg.SenderEmail},
		"to":          []map[string]string{{"email": msg.To}},
		"subject":     msg.Subject,
		"textContent": msg.Body,
	}

	var body bytes.Buffer
	if err := json.NewEncoder(&body).Encode(payload); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.APIURL, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api-key", m.cfg.APIKey)

	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		m.logger.Info("email sent", zap.String("to", msg.To), zap.String("subject", msg.Subject))
		return nil
	}
	m.logger.Warn("mail API send failed", zap.Int("status", resp.StatusCode))
	return fmt.Errorf("mail API send failed: status %d", resp.StatusCode)
}

// LogMailer logs instead of sending; used when no API key is configured.
type LogMailer struct {
	logger *zap.Logger
}

// NewLogMailer builds the logging fallback.
func NewLogMailer(logger *zap.Logger) *LogMailer {
	return &LogMailer{logger: logger}
}

// Send logs the message metadata. The body is not logged since reset links
// are bearer secrets.
func (m *LogMailer) Send(_ context.Context, msg Message) error {
	m.logger.Info("email suppressed (no mail API key configured)",
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
	)
	return nil
}
