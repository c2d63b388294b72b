package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/kiranshivaraju/autopost/internal/external"
)

const defaultEmailAPIURL = "https://api.resend.com/emails"

var ErrEmailRejected = errors.New("email provider rejected message")

// EmailConfig configures EmailSink.
type EmailConfig struct {
	APIURL string
	APIKey string
	From   string
	// To is a comma separated recipient list.
	To string
}

// EmailSink sends alerts as plain-text email through an HTTP email API.
type EmailSink struct {
	http   external.Doer
	cfg    EmailConfig
	to     []string
	logger *slog.Logger
}

func NewEmailSink(doer external.Doer, cfg EmailConfig, logger *slog.Logger) *EmailSink {
	if cfg.APIURL == "" {
		cfg.APIURL = defaultEmailAPIURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	var to []string
	for _, addr := range strings.Split(cfg.To, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			to = append(to, addr)
		}
	}
	return &EmailSink{http: doer, cfg: cfg, to: to, logger: logger}
}

type emailPayload struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Text    string   `json:"text"`
}

func (s *EmailSink) Send(ctx context.Context, subject, body string) error {
	payload, err := json.Marshal(emailPayload{
		From:    s.cfg.From,
		To:      s.to,
		Subject: subject,
		Text:    body,
	})
	if err != nil {
		return fmt.Errorf("encode email: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.APIURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building email request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("sending email: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail := external.ReadBody(resp.Body, 1024)
		return fmt.Errorf("%w: status %d: %s", ErrEmailRejected, resp.StatusCode, detail)
	}
	s.logger.Debug("alert email accepted", "status", resp.StatusCode, "recipients", len(s.to))
	return nil
}

// LogSink writes alerts to the log. It is used when no email provider is
// configured.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Send(_ context.Context, subject, body string) error {
	s.logger.Warn("operator alert", "subject", subject, "body", body)
	return nil
}
