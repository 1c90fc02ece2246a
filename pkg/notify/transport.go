// Package notify decides which alert transitions produce a message and delivers
// those messages through the configured transports.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/haasonsaas/backupwatch/pkg/registry"
	"github.com/rs/zerolog"
)

// FleetTarget is the target of notifications about the whole fleet.
const FleetTarget = "all"

// Message is one notification handed to a transport.
type Message struct {
	Target      string `json:"alerted_target"`
	RuleName    string `json:"rule_name"`
	AlertStatus string `json:"alert_status"`
	From        string `json:"from_email,omitempty"`
	To          string `json:"to_addresses"`
	Subject     string `json:"subject"`
	Body        string `json:"body"`
}

// Transport delivers a message. Implementations return errors wrapping registry.ErrTransient.
type Transport interface {
	Send(ctx context.Context, msg Message) error
}

// WebhookTransport posts messages as JSON to a mail relay.
type WebhookTransport struct {
	url    string
	token  string
	client *http.Client
}

func NewWebhookTransport(url, token string, timeout time.Duration) *WebhookTransport {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookTransport{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: timeout},
	}
}

func (w *WebhookTransport) Send(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return registry.Transient(fmt.Errorf("webhook: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return registry.Transient(fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(body)))
	}
	return nil
}

// LogTransport writes messages to the log instead of delivering them.
type LogTransport struct {
	logger zerolog.Logger
}

func NewLogTransport(logger zerolog.Logger) *LogTransport {
	return &LogTransport{logger: logger}
}

func (l *LogTransport) Send(_ context.Context, msg Message) error {
	l.logger.Warn().
		Str("target", msg.Target).
		Str("rule", msg.RuleName).
		Str("to", msg.To).
		Str("subject", msg.Subject).
		Msg("Alert notification")
	return nil
}

// Fanout delivers every message to all of its transports.
type Fanout []Transport

func (f Fanout) Send(ctx context.Context, msg Message) error {
	var errs []error
	for _, t := range f {
		if err := t.Send(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
