package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validJSON = `{
  "telegram": {"poll_timeout": "10s", "drain_interval": "2s"},
  "board": {"board_id": "b1", "poll_interval": "30s"},
  "relay": {"join_key": "id", "dedup_window": "10m"},
  "flush": {"schedule": "*/5 * * * *", "timezone": "UTC"},
  "reconcile": {"schedule": "@hourly"},
  "storage": {"driver": "sqlite", "path": "./cardrelay.db"},
  "logging": {"level": "info", "console": true},
  "ops": {"enabled": true, "addr": "127.0.0.1:9090"}
}`

func secrets(key string) string {
	return map[string]string{
		EnvTelegramToken: "tg-token",
		EnvBoardKey:      "board-key",
		EnvBoardToken:    "board-token",
	}[key]
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestLoadJSONWithEnvOverlay(t *testing.T) {
	t.Parallel()

	m := NewConfigManager(writeFile(t, "config.json", validJSON))
	m.SetEnv(secrets)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "tg-token" || cfg.Board.APIKey != "board-key" || cfg.Board.Token != "board-token" {
		t.Fatalf("env not applied: %+v %+v", cfg.Telegram, cfg.Board)
	}
	if m.Get() != cfg {
		t.Fatalf("Get did not return committed config")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	t.Parallel()

	cfg := &Config{Board: BoardConfig{APIKey: "from-file"}, Flush: FlushConfig{WebhookURL: "http://file"}}
	ApplyEnv(cfg, func(k string) string {
		if k == EnvBoardKey {
			return "from-env"
		}
		return ""
	})
	if cfg.Board.APIKey != "from-env" || cfg.Flush.WebhookURL != "http://file" {
		t.Fatalf("cfg=%+v", cfg)
	}
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()

	body := `
telegram:
  poll_timeout: 10s
board:
  board_id: b1
  filter: [updateCard]
relay:
  join_key: name
storage:
  driver: memory
logging:
  level: debug
  console: true
`
	m := NewConfigManager(writeFile(t, "config.yaml", body))
	m.SetEnv(secrets)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Relay.JoinKey != "name" || len(cfg.Board.Filter) != 1 || cfg.Logging.Level != "debug" {
		t.Fatalf("cfg=%+v", cfg)
	}
}

func TestDecodeRejectsUnknownFieldsAndTrailingData(t *testing.T) {
	t.Parallel()

	if _, err := Decode("c.json", []byte(`{"board":{"board_id":"b","poll":"1s"}}`)); err == nil {
		t.Fatalf("unknown field accepted")
	}
	if _, err := Decode("c.yaml", []byte("boards:\n  id: x\n")); err == nil {
		t.Fatalf("unknown yaml section accepted")
	}
	if _, err := Decode("c.json", []byte(`{} {}`)); err == nil || !strings.Contains(err.Error(), "trailing") {
		t.Fatalf("err=%v want trailing data", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base := func() *Config {
		cfg, err := Decode("c.json", []byte(validJSON))
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		ApplyEnv(cfg, secrets)
		return cfg
	}
	if err := Validate(base()); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing board id", func(c *Config) { c.Board.BoardID = "" }, "board.board_id"},
		{"missing telegram token", func(c *Config) { c.Telegram.Token = "" }, EnvTelegramToken},
		{"bad join key", func(c *Config) { c.Relay.JoinKey = "email" }, "relay.join_key"},
		{"bad duration", func(c *Config) { c.Board.PollInterval = "soon" }, "board.poll_interval"},
		{"bad cron", func(c *Config) { c.Flush.Schedule = "every minute" }, "flush.schedule"},
		{"bad timezone", func(c *Config) { c.Flush.Timezone = "Mars/Olympus" }, "flush.timezone"},
		{"sqlite without path", func(c *Config) { c.Storage.Path = "" }, "storage.path"},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "mongo" }, "storage.driver"},
		{"public ops", func(c *Config) { c.Ops.Addr = "0.0.0.0:9090" }, "not loopback"},
		{"chat log without target", func(c *Config) { c.Logging.Chat.Enabled = true }, "ops_chat_id"},
	}
	for _, tc := range cases {
		cfg := base()
		tc.mutate(cfg)
		err := Validate(cfg)
		if !errors.Is(err, ErrInvalid) || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: err=%v want %q", tc.name, err, tc.want)
		}
	}

	cfg := base()
	cfg.Ops.Addr = "0.0.0.0:9090"
	cfg.Ops.Token = "secret"
	if err := Validate(cfg); err != nil {
		t.Fatalf("public ops with token rejected: %v", err)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{Logging: LoggingConfig{Level: "info"}, Board: BoardConfig{BoardID: "b1"}}
	newCfg := &Config{Logging: LoggingConfig{Level: "debug"}, Board: BoardConfig{BoardID: "b2"}}
	ch := SummarizeConfigChange(oldCfg, newCfg)
	if strings.Join(ch.Sections, ",") != "board,logging" {
		t.Fatalf("sections=%v", ch.Sections)
	}
	if len(ch.RestartRequired) != 1 || ch.RestartRequired[0] != "board" {
		t.Fatalf("restart=%v", ch.RestartRequired)
	}
	if !SummarizeConfigChange(newCfg, newCfg).Empty() {
		t.Fatalf("identical configs reported a change")
	}
}

func TestWatchPublishesValidChanges(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "config.json", validJSON)
	m := NewConfigManager(path)
	m.SetEnv(secrets)
	m.debounce = 10 * time.Millisecond
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// Invalid content is rejected; the running config stays.
	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(path, []byte(`{"board":{}}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if m.Get().Board.BoardID != "b1" {
		t.Fatalf("invalid config committed")
	}

	updated := strings.Replace(validJSON, `"level": "info"`, `"level": "debug"`, 1)
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case cfg := <-sub:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("published level=%q", cfg.Logging.Level)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no config published")
	}
}
