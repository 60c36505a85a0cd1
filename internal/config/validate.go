package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	"cardrelay/internal/task/scheduler"
)

var ErrInvalid = errors.New("invalid config")

// Environment variables that override secrets in the file.
const (
	EnvTelegramToken = "CARDRELAY_TELEGRAM_TOKEN"
	EnvBoardKey      = "CARDRELAY_BOARD_KEY"
	EnvBoardToken    = "CARDRELAY_BOARD_TOKEN"
	EnvWebhookURL    = "CARDRELAY_WEBHOOK_URL"
)

// ApplyEnv overlays non-empty secret variables onto cfg.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if cfg == nil {
		return
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&cfg.Telegram.Token, EnvTelegramToken)
	set(&cfg.Board.APIKey, EnvBoardKey)
	set(&cfg.Board.Token, EnvBoardToken)
	set(&cfg.Flush.WebhookURL, EnvWebhookURL)
}

// Validate reports every problem at once, joined under ErrInvalid.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalid)
	}
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		add("telegram.token is required (or set %s)", EnvTelegramToken)
	}
	dur("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	dur("telegram.drain_interval", cfg.Telegram.DrainInterval)
	dur("telegram.command_timeout", cfg.Telegram.CommandTimeout)
	if cfg.Logging.Chat.Enabled && strings.TrimSpace(cfg.Telegram.OpsChatID) == "" {
		add("logging.chat.enabled requires telegram.ops_chat_id")
	}

	if strings.TrimSpace(cfg.Board.BoardID) == "" {
		add("board.board_id is required")
	}
	if strings.TrimSpace(cfg.Board.APIKey) == "" {
		add("board.api_key is required (or set %s)", EnvBoardKey)
	}
	if strings.TrimSpace(cfg.Board.Token) == "" {
		add("board.token is required (or set %s)", EnvBoardToken)
	}
	if cfg.Board.BaseURL != "" {
		if u, err := url.Parse(cfg.Board.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			add("board.base_url: invalid url %q", cfg.Board.BaseURL)
		}
	}
	dur("board.poll_interval", cfg.Board.PollInterval)
	dur("board.request_timeout", cfg.Board.RequestTimeout)
	dur("board.backoff_base", cfg.Board.BackoffBase)
	dur("board.backoff_max", cfg.Board.BackoffMax)
	if cfg.Board.RatePerSec < 0 || cfg.Board.RetryMax < 0 {
		add("board.rate_per_sec and board.retry_max must be >= 0")
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Relay.JoinKey)) {
	case "", "id", "name":
	default:
		add("relay.join_key: must be \"id\" or \"name\", got %q", cfg.Relay.JoinKey)
	}
	if cfg.Relay.QueueSize < 0 || cfg.Relay.SendRatePerSec < 0 || cfg.Relay.BatchSize < 0 {
		add("relay sizes and rates must be >= 0")
	}
	dur("relay.dedup_window", cfg.Relay.DedupWindow)

	if s := strings.TrimSpace(cfg.Flush.Schedule); s != "" {
		if err := scheduler.ValidateSchedule(s); err != nil {
			add("flush.schedule: %v", err)
		}
	}
	if tz := strings.TrimSpace(cfg.Flush.Timezone); tz != "" {
		if _, err := loadLocation(tz); err != nil {
			add("flush.timezone: %v", err)
		}
	}
	if w := strings.TrimSpace(cfg.Flush.WebhookURL); w != "" {
		if u, err := url.Parse(w); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			add("flush.webhook_url: must be an http(s) url")
		}
	}
	if s := strings.TrimSpace(cfg.Reconcile.Schedule); s != "" {
		if err := scheduler.ValidateSchedule(s); err != nil {
			add("reconcile.schedule: %v", err)
		}
	}

	switch d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); d {
	case "", "memory":
	case "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add("storage.path is required when storage.driver=sqlite")
		}
	default:
		add("storage.driver: unknown driver %q", cfg.Storage.Driver)
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)

	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		add("logging.file.path is required when logging.file.enabled")
	}

	if cfg.Ops.Enabled {
		if err := checkOpsAddr(cfg.Ops); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

// DefaultOpsAddr is used when ops.addr is empty.
const DefaultOpsAddr = "127.0.0.1:9090"

func checkOpsAddr(o OpsConfig) error {
	addr := strings.TrimSpace(o.Addr)
	if addr == "" {
		addr = DefaultOpsAddr
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("ops.addr: %w", err)
	}
	if IsLoopbackHost(host) || o.AllowNonLoopback || strings.TrimSpace(o.Token) != "" {
		return nil
	}
	return fmt.Errorf("ops.addr %q is not loopback; set ops.token or ops.allow_non_loopback", addr)
}

// IsLoopbackHost reports whether host only accepts local connections.
// An empty host (":9090") listens on every interface.
func IsLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
