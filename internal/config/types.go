package config

// Config is the on-disk configuration (JSON or YAML).
//
// Durations are Go duration strings ("30s", "5m") so the file stays
// readable; they are parsed where each section is mapped onto its service.
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Board     BoardConfig     `json:"board"`
	Relay     RelayConfig     `json:"relay"`
	Flush     FlushConfig     `json:"flush"`
	Reconcile ReconcileConfig `json:"reconcile"`
	Storage   StorageConfig   `json:"storage"`
	Logging   LoggingConfig   `json:"logging"`
	Ops       OpsConfig       `json:"ops"`
}

type TelegramConfig struct {
	// Token is usually supplied via CARDRELAY_TELEGRAM_TOKEN. Never logged.
	Token       string `json:"token,omitempty"`
	PollTimeout string `json:"poll_timeout,omitempty"`
	// DrainInterval is the delivery tick of the chat loop.
	DrainInterval  string `json:"drain_interval,omitempty"`
	CommandTimeout string `json:"command_timeout,omitempty"`
	// OpsChatID receives forwarded log records ("<chat>" or "<chat>:<thread>").
	OpsChatID string `json:"ops_chat_id,omitempty"`
}

// BoardConfig points the poller at one board.
//
// Defaults:
//   - base_url: https://api.trello.com/1
//   - filter: ["updateCard"]
//   - poll_interval: "30s"
//   - request_timeout: "15s"
//   - rate_per_sec: 5
//   - retry_max: 3
//   - backoff_base: "1s", backoff_max: "2m"
type BoardConfig struct {
	BaseURL        string   `json:"base_url,omitempty"`
	BoardID        string   `json:"board_id"`
	APIKey         string   `json:"api_key,omitempty"`
	Token          string   `json:"token,omitempty"`
	Filter         []string `json:"filter,omitempty"`
	PollInterval   string   `json:"poll_interval,omitempty"`
	RequestTimeout string   `json:"request_timeout,omitempty"`
	RatePerSec     float64  `json:"rate_per_sec,omitempty"`
	RetryMax       int      `json:"retry_max,omitempty"`
	BackoffBase    string   `json:"backoff_base,omitempty"`
	BackoffMax     string   `json:"backoff_max,omitempty"`
}

type RelayConfig struct {
	// JoinKey is "id" (default) or "name".
	JoinKey        string `json:"join_key,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	SendRatePerSec int    `json:"send_rate_per_sec,omitempty"`
	BatchSize      int    `json:"batch_size,omitempty"`
	DedupWindow    string `json:"dedup_window,omitempty"`
	PersistDedup   bool   `json:"persist_dedup,omitempty"`
}

// FlushConfig drives the periodic webhook summary.
// An empty webhook_url disables the announcement; the counter still resets.
type FlushConfig struct {
	Schedule   string `json:"schedule,omitempty"`
	WebhookURL string `json:"webhook_url,omitempty"`
	Channel    string `json:"channel,omitempty"`
	Timezone   string `json:"timezone,omitempty"`
}

type ReconcileConfig struct {
	Schedule string `json:"schedule,omitempty"`
}

// StorageConfig selects the tracker store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./cardrelay.db" }
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level,omitempty"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Chat    LoggingChat `json:"chat"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// LoggingChat forwards records to telegram.ops_chat_id.
type LoggingChat struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// OpsConfig controls the operator HTTP server (/healthz, /metrics, pprof).
//
// Security note:
//   - Prefer binding to localhost (the default "127.0.0.1:9090").
//   - A non-loopback addr needs a token or allow_non_loopback.
type OpsConfig struct {
	Enabled          bool   `json:"enabled"`
	Addr             string `json:"addr,omitempty"`
	Token            string `json:"token,omitempty"`
	AllowNonLoopback bool   `json:"allow_non_loopback,omitempty"`
	Pprof            bool   `json:"pprof,omitempty"`
}
