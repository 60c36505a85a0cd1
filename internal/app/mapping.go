package app

import (
	"strings"
	"time"

	"cardrelay/internal/board"
	"cardrelay/internal/config"
	"cardrelay/internal/notifier"
	"cardrelay/internal/observability/ops"
	"cardrelay/internal/relay"
	"cardrelay/internal/storage"
	"cardrelay/internal/task/scheduler"
	kit "cardrelay/internal/transport"
	telegram "cardrelay/internal/transport/telegram/adapter"
	"cardrelay/internal/transport/telegram/router"
	"cardrelay/internal/version"
	logx "cardrelay/pkg/logx"
)

const (
	defaultFlushSchedule     = "*/5 * * * *"
	defaultReconcileSchedule = "@hourly"
	defaultQueueSize         = 1024
)

// Each map function turns one config section into the settings of the
// service that owns it. Inputs are already validated, so errors only
// surface from hand-built configs in tests.

func mapLogConfig(cfg *config.Config) logx.Config {
	lc := logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    cfg.Logging.Chat.Enabled,
			MinLevel:   cfg.Logging.Chat.MinLevel,
			RatePerSec: cfg.Logging.Chat.RatePerSec,
		},
	}
	if id := strings.TrimSpace(cfg.Telegram.OpsChatID); id != "" {
		if t, err := kit.ParseTarget(id); err == nil {
			lc.Chat.Target = t
		} else {
			lc.Chat.Enabled = false
		}
	} else {
		lc.Chat.Enabled = false
	}
	return lc
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	pt, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{Token: cfg.Telegram.Token, PollTimeout: pt}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)),
		Path:        strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout: busy,
	}, nil
}

func mapBoardConfig(cfg *config.Config) (board.Config, board.PollerConfig, error) {
	b := cfg.Board
	reqTimeout, err := config.ParseDurationOrDefault("board.request_timeout", b.RequestTimeout, 15*time.Second)
	if err != nil {
		return board.Config{}, board.PollerConfig{}, err
	}
	interval, err := config.ParseDurationOrDefault("board.poll_interval", b.PollInterval, 30*time.Second)
	if err != nil {
		return board.Config{}, board.PollerConfig{}, err
	}
	base, err := config.ParseDurationOrDefault("board.backoff_base", b.BackoffBase, time.Second)
	if err != nil {
		return board.Config{}, board.PollerConfig{}, err
	}
	maxB, err := config.ParseDurationOrDefault("board.backoff_max", b.BackoffMax, 2*time.Minute)
	if err != nil {
		return board.Config{}, board.PollerConfig{}, err
	}
	cc := board.Config{
		BaseURL:        strings.TrimSpace(b.BaseURL),
		BoardID:        strings.TrimSpace(b.BoardID),
		APIKey:         b.APIKey,
		Token:          b.Token,
		RequestTimeout: reqTimeout,
		RatePerSec:     b.RatePerSec,
		RetryMax:       b.RetryMax,
	}
	pc := board.PollerConfig{
		Interval:    interval,
		BackoffBase: base,
		BackoffMax:  maxB,
		Types:       append([]string(nil), b.Filter...),
	}
	return cc, pc, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	win, err := config.ParseDurationOrDefault("relay.dedup_window", cfg.Relay.DedupWindow, 10*time.Minute)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		SendRatePerSec: cfg.Relay.SendRatePerSec,
		BatchSize:      cfg.Relay.BatchSize,
		DedupWindow:    win,
		PersistDedup:   cfg.Relay.PersistDedup,
	}, nil
}

func mapRouterConfig(cfg *config.Config) (router.Config, error) {
	join, err := relay.ParseJoinKey(cfg.Relay.JoinKey)
	if err != nil {
		return router.Config{}, err
	}
	drain, err := config.ParseDurationOrDefault("telegram.drain_interval", cfg.Telegram.DrainInterval, 2*time.Second)
	if err != nil {
		return router.Config{}, err
	}
	cmdTimeout, err := config.ParseDurationOrDefault("telegram.command_timeout", cfg.Telegram.CommandTimeout, 15*time.Second)
	if err != nil {
		return router.Config{}, err
	}
	return router.Config{
		JoinKey:        join,
		CommandTimeout: cmdTimeout,
		DrainInterval:  drain,
		Version:        version.Get(),
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{Timezone: cfg.Flush.Timezone}
}

func flushSchedule(cfg *config.Config) string {
	if s := strings.TrimSpace(cfg.Flush.Schedule); s != "" {
		return s
	}
	return defaultFlushSchedule
}

func reconcileSchedule(cfg *config.Config) string {
	if s := strings.TrimSpace(cfg.Reconcile.Schedule); s != "" {
		return s
	}
	return defaultReconcileSchedule
}

func queueSize(cfg *config.Config) int {
	if cfg.Relay.QueueSize > 0 {
		return cfg.Relay.QueueSize
	}
	return defaultQueueSize
}

func mapOpsConfig(cfg *config.Config) ops.Config {
	return ops.Config{
		Enabled:          cfg.Ops.Enabled,
		Addr:             cfg.Ops.Addr,
		Token:            cfg.Ops.Token,
		AllowNonLoopback: cfg.Ops.AllowNonLoopback,
		Pprof:            cfg.Ops.Pprof,
		ReadTimeout:      10 * time.Second,
		// pprof profiles stream for up to 30s by default.
		WriteTimeout: 60 * time.Second,
	}
}
