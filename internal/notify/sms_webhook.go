package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"hotmess-kernel/internal/models"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

type SMSWebhookConfig struct {
	URL     string
	Token   string
	From    string
	Timeout time.Duration
}

// SMSWebhook posts text messages to an SMS gateway webhook.
type SMSWebhook struct {
	http   *resty.Client
	url    string
	from   string
	logger *zap.Logger
}

type smsRequest struct {
	To      string `json:"to"`
	From    string `json:"from,omitempty"`
	Body    string `json:"body"`
	EventID string `json:"event_id"`
}

func NewSMSWebhook(cfg SMSWebhookConfig, logger *zap.Logger) (*SMSWebhook, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("sms webhook: URL is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(1).
		SetRetryWaitTime(500 * time.Millisecond).
		SetHeader("Content-Type", "application/json")
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}

	return &SMSWebhook{http: client, url: cfg.URL, from: cfg.From, logger: logger}, nil
}

func (s *SMSWebhook) Notify(ctx context.Context, contact models.TrustedContact, alert models.Alert) error {
	if contact.Phone == "" {
		return ErrNoAddress
	}

	resp, err := s.http.R().
		SetContext(ctx).
		SetBody(smsRequest{
			To:      contact.Phone,
			From:    s.from,
			Body:    smsBody(contact, alert),
			EventID: alert.EventID,
		}).
		Post(s.url)
	if err != nil {
		return fmt.Errorf("sms webhook: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("sms webhook: status %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	return nil
}

func smsBody(contact models.TrustedContact, alert models.Alert) string {
	var b strings.Builder
	if contact.Name != "" {
		fmt.Fprintf(&b, "%s, ", contact.Name)
	}
	b.WriteString(alert.Message)
	if alert.Location != nil {
		fmt.Fprintf(&b, " Last known location: https://maps.google.com/?q=%.6f,%.6f", alert.Location.Lat, alert.Location.Lng)
	}
	return b.String()
}
