package board

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	logx "cardrelay/pkg/logx"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{
		BaseURL:    srv.URL,
		BoardID:    "b1",
		APIKey:     "k",
		Token:      "tok",
		RatePerSec: 1000,
		RetryMax:   3,
		RetryDelay: time.Millisecond,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestNewClientRequiresCredentials(t *testing.T) {
	t.Parallel()

	cases := []Config{
		{APIKey: "k", Token: "t"},
		{BoardID: "b", Token: "t"},
		{BoardID: "b", APIKey: "k"},
	}
	for _, cfg := range cases {
		if _, err := NewClient(cfg, logx.Nop()); !errors.Is(err, ErrConfig) {
			t.Fatalf("NewClient(%+v) err=%v want ErrConfig", cfg, err)
		}
	}
}

func TestActionsSendsFilterSinceAndAuth(t *testing.T) {
	t.Parallel()

	since := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/boards/b1/actions" {
			t.Errorf("path=%s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("filter") != "updateCard" || q.Get("key") != "k" || q.Get("token") != "tok" {
			t.Errorf("query=%v", q)
		}
		if got, _ := time.Parse(time.RFC3339Nano, q.Get("since")); !got.Equal(since) {
			t.Errorf("since=%q", q.Get("since"))
		}
		_, _ = w.Write([]byte(`[{"id":"a1","type":"updateCard","date":"2024-05-01T10:00:05.000Z",
			"data":{"card":{"id":"c1","name":"Card1"},"listBefore":{"id":"l1","name":"Todo"},"listAfter":{"id":"l2","name":"Doing"}},
			"memberCreator":{"id":"m1","fullName":"Alice Smith"}}]`))
	}))

	acts, err := c.Actions(context.Background(), since, TypeUpdateCard)
	if err != nil {
		t.Fatalf("Actions: %v", err)
	}
	if len(acts) != 1 || acts[0].Kind() != KindCardMoved {
		t.Fatalf("actions=%+v", acts)
	}
	ev, err := acts[0].Move()
	if err != nil {
		t.Fatalf("Move: %v", err)
	}
	if ev.CardTitle != "Card1" || ev.ListBefore != "Todo" || ev.ListAfter != "Doing" || ev.MovedBy != "Alice Smith" {
		t.Fatalf("move=%+v", ev)
	}
}

func TestGetRetriesServerErrors(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			http.Error(w, "busy", http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(Card{ID: "c1", Name: "Card1", IDMembers: []string{"m1"}})
	}))

	card, err := c.Card(context.Background(), "c1")
	if err != nil {
		t.Fatalf("Card: %v", err)
	}
	if card.Name != "Card1" || hits.Load() != 3 {
		t.Fatalf("card=%+v hits=%d", card, hits.Load())
	}
}

func TestGetDoesNotRetryAuthErrors(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "invalid key", http.StatusUnauthorized)
	}))

	_, err := c.Actions(context.Background(), time.Time{}, TypeUpdateCard)
	if err == nil {
		t.Fatalf("expected error")
	}
	if !IsConfigError(err) {
		t.Fatalf("err=%v should be a config error", err)
	}
	if strings.Contains(err.Error(), "tok") {
		t.Fatalf("error leaks token: %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("hits=%d want 1", hits.Load())
	}
}

func TestCardCreatorPrefersEmbeddedMember(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/cards/c1/actions":
			if f := r.URL.Query().Get("filter"); f != "createCard,copyCard" {
				t.Errorf("filter=%q", f)
			}
			_, _ = w.Write([]byte(`[{"id":"a0","type":"createCard","idMemberCreator":"m9","memberCreator":{"id":"m9","fullName":"Carol"}}]`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			http.NotFound(w, r)
		}
	}))

	m, err := c.CardCreator(context.Background(), "c1")
	if err != nil {
		t.Fatalf("CardCreator: %v", err)
	}
	if m.ID != "m9" || m.FullName != "Carol" {
		t.Fatalf("creator=%+v", m)
	}
}

func TestCardCreatorMissingIsSchemaError(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))
	if _, err := c.CardCreator(context.Background(), "c1"); !errors.Is(err, ErrSchema) {
		t.Fatalf("err=%v want ErrSchema", err)
	}
}

func TestEndpointOf(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"/boards/b1/actions": "boards.actions",
		"/cards/c1":          "cards",
		"/members/m1":        "members",
		"/boards/b1":         "boards",
	}
	for in, want := range cases {
		if got := endpointOf(in); got != want {
			t.Fatalf("endpointOf(%q)=%q want %q", in, got, want)
		}
	}
}
