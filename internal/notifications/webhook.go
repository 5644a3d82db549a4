package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/pulse-insights/internal/buffer"
	"github.com/rcourtman/pulse-insights/internal/models"
)

const (
	WebhookTimeout      = 10 * time.Second
	WebhookMaxRedirects = 3
	webhookHistorySize  = 100
	maxResponseLog      = 1024
)

// WebhookConfig is one HTTP endpoint receiving insights as JSON.
type WebhookConfig struct {
	Name    string            `yaml:"name" json:"name"`
	URL     string            `yaml:"url" json:"url"`
	Headers map[string]string `yaml:"headers" json:"headers,omitempty"`
}

// WebhookDelivery records one delivery attempt.
type WebhookDelivery struct {
	Webhook        string    `json:"webhook"`
	NotificationID string    `json:"notificationId"`
	Timestamp      time.Time `json:"timestamp"`
	StatusCode     int       `json:"statusCode"`
	Success        bool      `json:"success"`
	Error          string    `json:"error,omitempty"`
	PayloadSize    int       `json:"payloadSize"`
}

// WebhookRouter POSTs each notification to every configured webhook.
type WebhookRouter struct {
	hooks   []WebhookConfig
	client  *http.Client
	history *buffer.Queue[WebhookDelivery]
}

// ValidateWebhookURL checks that a webhook URL is absolute http(s).
func ValidateWebhookURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("webhook URL cannot be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid webhook URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("webhook URL must use http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("webhook URL %q has no host", raw)
	}
	return nil
}

// NewWebhookRouter creates a router for hooks. The HTTP client resolves
// through the shared DNS cache.
func NewWebhookRouter(hooks []WebhookConfig) (*WebhookRouter, error) {
	for _, h := range hooks {
		if err := ValidateWebhookURL(h.URL); err != nil {
			return nil, fmt.Errorf("webhook %q: %w", h.Name, err)
		}
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialContextWithCache
	return &WebhookRouter{
		hooks: hooks,
		client: &http.Client{
			Timeout:   WebhookTimeout,
			Transport: transport,
			CheckRedirect: func(_ *http.Request, via []*http.Request) error {
				if len(via) >= WebhookMaxRedirects {
					return fmt.Errorf("stopped after %d redirects", WebhookMaxRedirects)
				}
				return nil
			},
		},
		history: buffer.New[WebhookDelivery](webhookHistorySize),
	}, nil
}

func (r *WebhookRouter) Name() string { return "webhook" }

// Route posts n to every hook and returns the first failure.
func (r *WebhookRouter) Route(ctx context.Context, n models.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification %s: %w", n.ID, err)
	}

	var firstErr error
	for _, hook := range r.hooks {
		delivery := r.send(ctx, hook, n.ID, payload)
		r.history.Push(delivery)
		if !delivery.Success && firstErr == nil {
			firstErr = fmt.Errorf("webhook %s: %s", hook.Name, delivery.Error)
		}
	}
	return firstErr
}

func (r *WebhookRouter) send(ctx context.Context, hook WebhookConfig, id string, payload []byte) WebhookDelivery {
	delivery := WebhookDelivery{
		Webhook:        hook.Name,
		NotificationID: id,
		Timestamp:      time.Now(),
		PayloadSize:    len(payload),
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(payload))
	if err != nil {
		delivery.Error = err.Error()
		return delivery
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Pulse-Insights/1.0")
	for k, v := range hook.Headers {
		req.Header.Set(k, v)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		log.Error().Err(err).Str("webhook", hook.Name).Str("id", id).Msg("Failed to send webhook")
		delivery.Error = err.Error()
		return delivery
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseLog))
	delivery.StatusCode = resp.StatusCode
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		delivery.Success = true
		log.Debug().
			Str("webhook", hook.Name).
			Str("id", id).
			Int("status", resp.StatusCode).
			Int("payloadSize", len(payload)).
			Msg("Webhook notification sent")
		return delivery
	}

	delivery.Error = fmt.Sprintf("status %d", resp.StatusCode)
	log.Warn().
		Str("webhook", hook.Name).
		Str("id", id).
		Int("status", resp.StatusCode).
		Str("response", string(body)).
		Msg("Webhook returned non-success status")
	return delivery
}

// History returns recent deliveries, newest first.
func (r *WebhookRouter) History() []WebhookDelivery {
	return r.history.Newest(webhookHistorySize)
}
