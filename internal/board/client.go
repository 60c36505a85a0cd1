package board

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/time/rate"

	logx "cardrelay/pkg/logx"
)

const DefaultBaseURL = "https://api.trello.com/1"

type Config struct {
	BaseURL        string
	BoardID        string
	APIKey         string
	Token          string
	RequestTimeout time.Duration
	RatePerSec     float64
	RetryMax       int
	RetryDelay     time.Duration
}

// Client is a small read-only Trello REST client.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	log     logx.Logger
}

func NewClient(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.BoardID) == "" {
		return nil, fmt.Errorf("board id is required: %w", ErrConfig)
	}
	if strings.TrimSpace(cfg.APIKey) == "" || strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("board api key and token are required: %w", ErrConfig)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.RequestTimeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1),
		log:     log.With(logx.String("comp", "board.client")),
	}, nil
}

func (c *Client) BoardID() string { return c.cfg.BoardID }

// Board fetches the board's name; used at startup to validate credentials.
func (c *Client) Board(ctx context.Context) (Board, error) {
	var b Board
	err := c.getJSON(ctx, "/boards/"+url.PathEscape(c.cfg.BoardID), url.Values{"fields": {"name"}}, &b)
	if err != nil {
		return Board{}, fmt.Errorf("get board: %w", err)
	}
	return b, nil
}

// Actions returns board actions of the given types newer than since,
// most recent first (the API's order).
func (c *Client) Actions(ctx context.Context, since time.Time, types ...string) ([]Action, error) {
	q := url.Values{}
	if len(types) > 0 {
		q.Set("filter", strings.Join(types, ","))
	}
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	var out []Action
	if err := c.getJSON(ctx, "/boards/"+url.PathEscape(c.cfg.BoardID)+"/actions", q, &out); err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	return out, nil
}

func (c *Client) Card(ctx context.Context, id string) (Card, error) {
	var card Card
	if err := c.getJSON(ctx, "/cards/"+url.PathEscape(id), url.Values{"fields": {"all"}}, &card); err != nil {
		return Card{}, fmt.Errorf("get card %s: %w", id, err)
	}
	if card.ID == "" {
		return Card{}, fmt.Errorf("get card %s: missing id: %w", id, ErrSchema)
	}
	return card, nil
}

func (c *Client) Member(ctx context.Context, id string) (Member, error) {
	var m Member
	if err := c.getJSON(ctx, "/members/"+url.PathEscape(id), url.Values{"fields": {"all"}}, &m); err != nil {
		return Member{}, fmt.Errorf("get member %s: %w", id, err)
	}
	if m.ID == "" || m.FullName == "" {
		return Member{}, fmt.Errorf("get member %s: missing id or fullName: %w", id, ErrSchema)
	}
	return m, nil
}

// CardCreator resolves the member who created (or copied) the card.
func (c *Client) CardCreator(ctx context.Context, cardID string) (Member, error) {
	var acts []Action
	q := url.Values{
		"filter":        {TypeCreateCard + "," + TypeCopyCard},
		"memberCreator": {"true"},
	}
	if err := c.getJSON(ctx, "/cards/"+url.PathEscape(cardID)+"/actions", q, &acts); err != nil {
		return Member{}, fmt.Errorf("get card creator %s: %w", cardID, err)
	}
	for _, a := range acts {
		if a.Kind() != KindCardCreated {
			continue
		}
		if a.MemberCreator != nil && a.MemberCreator.ID != "" {
			return *a.MemberCreator, nil
		}
		if a.IDMemberCreator != "" {
			return c.Member(ctx, a.IDMemberCreator)
		}
	}
	return Member{}, fmt.Errorf("get card creator %s: no creation action: %w", cardID, ErrSchema)
}

// BoardMembers lists the members of the board.
func (c *Client) BoardMembers(ctx context.Context) ([]Member, error) {
	var out []Member
	q := url.Values{"fields": {"fullName,username,initials"}}
	if err := c.getJSON(ctx, "/boards/"+url.PathEscape(c.cfg.BoardID)+"/members", q, &out); err != nil {
		return nil, fmt.Errorf("list board members: %w", err)
	}
	return out, nil
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	if q == nil {
		q = url.Values{}
	}
	q.Set("key", c.cfg.APIKey)
	q.Set("token", c.cfg.Token)
	full := c.cfg.BaseURL + path + "?" + q.Encode()
	// Logged without credentials.
	logURL := c.cfg.BaseURL + path

	var last error
	err := retry.Do(
		func() error {
			last = c.attempt(ctx, full, path, logURL, out)
			return last
		},
		retry.Attempts(uint(c.cfg.RetryMax)),
		retry.Delay(c.cfg.RetryDelay),
		retry.MaxDelay(10*time.Second),
		retry.MaxJitter(c.cfg.RetryDelay/2+time.Millisecond),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.log.Debug("retrying board request", logx.String("url", logURL), logx.Uint64("attempt", uint64(n)), logx.Err(err))
		}),
		retry.RetryIf(func(err error) bool {
			var he *HTTPError
			if errors.As(err, &he) {
				return he.Retryable()
			}
			return ctx.Err() == nil
		}),
	)
	if err != nil && last != nil {
		// Report the final attempt's error rather than the retry log.
		return last
	}
	return err
}

func (c *Client) attempt(ctx context.Context, full, path, logURL string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, full, http.NoBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	observeRequest(path, resp, err, time.Since(start))
	if err != nil {
		return redact(err, c.cfg.APIKey, c.cfg.Token)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return &HTTPError{Status: resp.StatusCode, URL: logURL, Body: strings.TrimSpace(string(snippet))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", logURL, err)
	}
	return nil
}

// redact strips credentials from transport errors, which embed the full URL.
func redact(err error, secrets ...string) error {
	msg := err.Error()
	changed := false
	for _, s := range secrets {
		if s != "" && strings.Contains(msg, s) {
			msg = strings.ReplaceAll(msg, s, "***")
			changed = true
		}
	}
	if !changed {
		return err
	}
	return errors.New(msg)
}
