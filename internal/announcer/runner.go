// Package announcer posts payment events to the downstream webhook.
package announcer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aaronromeo/paywatch/internal/payment"
)

const webhookPaymentsPath = "/payments"

type Option func(*Announcer)

func WithWebhookURL(webhookURL string) Option {
	return func(a *Announcer) {
		a.baseURL = strings.TrimSpace(webhookURL)
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(a *Announcer) {
		a.client = client
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(a *Announcer) {
		a.log = log
	}
}

type Announcer struct {
	baseURL string
	client  *http.Client
	log     *slog.Logger
}

func New(opts ...Option) *Announcer {
	announcer := &Announcer{
		client: &http.Client{Timeout: 10 * time.Second},
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(announcer)
	}
	return announcer
}

// Enabled reports whether a webhook URL is configured.
func (a *Announcer) Enabled() bool {
	return a.baseURL != ""
}

// Do posts event as JSON. It is a no-op without a webhook URL.
func (a *Announcer) Do(ctx context.Context, event payment.Event) error {
	if a.baseURL == "" {
		return nil
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	baseURL := strings.TrimRight(a.baseURL, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+webhookPaymentsPath, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("reporting webhook returned status %s", resp.Status)
	}
	return nil
}

// Run delivers every event from events until the channel closes or ctx is
// done. Delivery failures are logged and the event is skipped.
func (a *Announcer) Run(ctx context.Context, events <-chan payment.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := a.Do(ctx, event); err != nil {
				a.log.Warn("reporting payment event failed", "event", event.ID, "error", err)
				continue
			}
			a.log.Debug("reported payment event", "event", event.ID)
		}
	}
}
