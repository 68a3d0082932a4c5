// Package notify delivers task assignment messages through an HTTP mail
// relay. Delivery is best effort: the caller records the outcome per
// recipient and never aborts a batch on a single failure.
package notify

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

	"github.com/cenkalti/backoff/v4"
)

type Notifier interface {
	Send(ctx context.Context, recipient, subject, body string) error
}

// RelayConfig configures the outbound SMTP relay endpoint.
type RelayConfig struct {
	URL        string
	From       string
	Timeout    time.Duration
	MaxRetries int
}

// Relay posts messages to an HTTP SMTP relay with bounded retries.
type Relay struct {
	cfg    RelayConfig
	client *http.Client
}

func NewRelay(cfg RelayConfig) (*Relay, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("relay URL required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Relay{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type relayMessage struct {
	From      string `json:"from"`
	Recipient string `json:"recipient"`
	Subject   string `json:"subject"`
	Content   string `json:"content"`
	Transport string `json:"transport"`
}

func (r *Relay) Send(ctx context.Context, recipient, subject, body string) error {
	data, err := json.Marshal(relayMessage{
		From:      r.cfg.From,
		Recipient: recipient,
		Subject:   subject,
		Content:   body,
		Transport: "smtp-auth",
	})
	if err != nil {
		return err
	}
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.URL, bytes.NewReader(data))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-App-Origin", "FlowRequest-Internal")
		res, err := r.client.Do(req)
		if err != nil {
			return err
		}
		defer res.Body.Close()
		if res.StatusCode >= 200 && res.StatusCode < 300 {
			return nil
		}
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		err = fmt.Errorf("relay status %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))
		if res.StatusCode >= 400 && res.StatusCode < 500 && res.StatusCode != http.StatusTooManyRequests {
			return backoff.Permanent(err)
		}
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(r.cfg.MaxRetries)), ctx)
	return backoff.Retry(op, policy)
}

// Discard swallows every message; used for offline runs where dispatch
// outcomes are still recorded but nothing leaves the machine.
type Discard struct{}

func (Discard) Send(context.Context, string, string, string) error { return nil }
