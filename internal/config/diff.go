package config

import (
	"reflect"
	"strings"

	logx "cardrelay/pkg/logx"
)

// Change summarises a reload for logging. Attrs never contain secrets.
type Change struct {
	Sections []string
	Attrs    []logx.Field
	// RestartRequired lists sections whose new values only apply after a restart.
	RestartRequired []string
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// SummarizeConfigChange compares two configs section by section.
func SummarizeConfigChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change
	mark := func(section string, restart bool, attrs ...logx.Field) {
		ch.Sections = append(ch.Sections, section)
		ch.Attrs = append(ch.Attrs, attrs...)
		if restart {
			ch.RestartRequired = append(ch.RestartRequired, section)
		}
	}
	secretSet := func(s string) bool { return strings.TrimSpace(s) != "" }

	o, n := oldCfg.Telegram, newCfg.Telegram
	if o.Token != n.Token || o.PollTimeout != n.PollTimeout {
		mark("telegram", true, logx.String("telegram.poll_timeout", n.PollTimeout))
	} else if o != n {
		mark("telegram", false,
			logx.String("telegram.drain_interval", n.DrainInterval),
			logx.Bool("telegram.ops_chat_set", secretSet(n.OpsChatID)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Board, newCfg.Board) {
		mark("board", true,
			logx.String("board.board_id", newCfg.Board.BoardID),
			logx.String("board.poll_interval", newCfg.Board.PollInterval),
		)
	}

	or, nr := oldCfg.Relay, newCfg.Relay
	if or.JoinKey != nr.JoinKey || or.QueueSize != nr.QueueSize {
		mark("relay", true, logx.String("relay.join_key", nr.JoinKey), logx.Int("relay.queue_size", nr.QueueSize))
	} else if or != nr {
		mark("relay", false,
			logx.Int("relay.send_rate_per_sec", nr.SendRatePerSec),
			logx.String("relay.dedup_window", nr.DedupWindow),
		)
	}

	if oldCfg.Flush != newCfg.Flush {
		mark("flush", false,
			logx.String("flush.schedule", newCfg.Flush.Schedule),
			logx.Bool("flush.webhook_set", secretSet(newCfg.Flush.WebhookURL)),
			logx.String("flush.timezone", newCfg.Flush.Timezone),
		)
	}
	if oldCfg.Reconcile != newCfg.Reconcile {
		mark("reconcile", false, logx.String("reconcile.schedule", newCfg.Reconcile.Schedule))
	}
	if oldCfg.Storage != newCfg.Storage {
		mark("storage", true, logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if oldCfg.Logging != newCfg.Logging {
		mark("logging", false,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.chat_enabled", newCfg.Logging.Chat.Enabled),
		)
	}
	if oldCfg.Ops != newCfg.Ops {
		mark("ops", false,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", newCfg.Ops.Addr),
			logx.Bool("ops.token_set", secretSet(newCfg.Ops.Token)),
			logx.Bool("ops.pprof", newCfg.Ops.Pprof),
		)
	}
	return ch
}
