// Package webhook posts one-line messages to an incoming-webhook endpoint
// (Slack-compatible payload: {"text": ..., "channel": ...}).
package webhook

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

	"github.com/codeGROOVE-dev/retry"

	logx "cardrelay/pkg/logx"
)

var ErrNoURL = errors.New("webhook: url not configured")

type Payload struct {
	Text    string `json:"text"`
	Channel string `json:"channel,omitempty"`
}

// StatusError is a non-2xx webhook response.
type StatusError struct {
	Status int
}

func (e *StatusError) Error() string { return fmt.Sprintf("webhook: HTTP %d", e.Status) }

type Client struct {
	url      string
	http     *http.Client
	attempts uint
	delay    time.Duration
	log      logx.Logger
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

func WithRetry(attempts uint, delay time.Duration) Option {
	return func(c *Client) {
		c.attempts = attempts
		c.delay = delay
	}
}

func New(url string, log logx.Logger, opts ...Option) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Client{
		url:      strings.TrimSpace(url),
		http:     &http.Client{Timeout: 10 * time.Second},
		attempts: 3,
		delay:    time.Second,
		log:      log.With(logx.String("comp", "webhook")),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) Enabled() bool { return c != nil && c.url != "" }

// Send posts p, retrying transport errors and 5xx/429 responses.
func (c *Client) Send(ctx context.Context, p Payload) error {
	if !c.Enabled() {
		return ErrNoURL
	}
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	var last error
	err = retry.Do(
		func() error {
			last = c.post(ctx, body)
			return last
		},
		retry.Attempts(c.attempts),
		retry.Delay(c.delay),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(c.delay/2+time.Millisecond),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.log.Debug("retrying webhook", logx.Uint64("attempt", uint64(n)), logx.Err(err))
		}),
		retry.RetryIf(func(err error) bool {
			var se *StatusError
			if errors.As(err, &se) {
				return se.Status == http.StatusTooManyRequests || se.Status >= 500
			}
			return ctx.Err() == nil
		}),
	)
	if err != nil && last != nil {
		return fmt.Errorf("send webhook: %w", last)
	}
	if err != nil {
		return fmt.Errorf("send webhook: %w", err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		// The URL itself is a secret for incoming webhooks.
		return errors.New(strings.ReplaceAll(err.Error(), c.url, "<webhook>"))
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Status: resp.StatusCode}
	}
	return nil
}
