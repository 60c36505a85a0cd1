package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	logx "cardrelay/pkg/logx"
)

func get(t *testing.T, h http.Handler, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthReflectsProbe(t *testing.T) {
	t.Parallel()

	healthy := true
	s := New(Config{}, func() (any, bool) {
		return map[string]any{"queue_length": 3}, healthy
	}, logx.Nop())
	h := s.Handler(Config{})

	rec := get(t, h, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("code=%d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body["queue_length"] != float64(3) {
		t.Fatalf("body=%s err=%v", rec.Body.String(), err)
	}

	healthy = false
	if rec := get(t, h, "/healthz", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unhealthy code=%d", rec.Code)
	}
}

func TestTokenGuardsMetricsAndPprof(t *testing.T) {
	t.Parallel()

	s := New(Config{}, nil, logx.Nop())
	h := s.Handler(Config{Token: "s3cret", Pprof: true})

	tests := []struct {
		path  string
		token string
		want  int
	}{
		{"/healthz", "", http.StatusOK},
		{"/metrics", "", http.StatusUnauthorized},
		{"/metrics", "wrong", http.StatusUnauthorized},
		{"/metrics", "s3cret", http.StatusOK},
		{"/debug/pprof/cmdline", "", http.StatusUnauthorized},
		{"/debug/pprof/cmdline", "s3cret", http.StatusOK},
	}
	for _, tt := range tests {
		if rec := get(t, h, tt.path, tt.token); rec.Code != tt.want {
			t.Fatalf("%s token=%q code=%d want %d", tt.path, tt.token, rec.Code, tt.want)
		}
	}

	noPprof := s.Handler(Config{})
	if rec := get(t, noPprof, "/debug/pprof/cmdline", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("pprof mounted while disabled: %d", rec.Code)
	}
}

func TestServeLifecycle(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, nil, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Start(ctx)

	var addr string
	for addr == "" && ctx.Err() == nil {
		addr = s.Addr()
		time.Sleep(5 * time.Millisecond)
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("code=%d", resp.StatusCode)
	}

	s.Stop(ctx)
	if s.Supervisor() != nil || s.Addr() != "" {
		t.Fatalf("server still registered after Stop")
	}
}

func TestRefusesPublicBindWithoutToken(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, nil, logx.Nop())
	if err := s.serveOnce(context.Background()); err == nil {
		t.Fatalf("insecure bind accepted")
	}
	if !isLoopbackAddr("localhost:1") || isLoopbackAddr(":9090") {
		t.Fatalf("isLoopbackAddr")
	}
}
