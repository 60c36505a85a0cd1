package notifier

import (
	"context"
	"time"

	"cardrelay/internal/relay"
	kit "cardrelay/internal/transport"
)

// Config controls draining and delivery.
type Config struct {
	SendRatePerSec  int
	BatchSize       int
	SendTimeout     time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

// Source is the queue being drained; *relay.Buffer satisfies it.
type Source interface {
	Drain(maxN int) []relay.Message
}

// Sender is the part of the transport adapter the notifier needs.
type Sender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

type HistoryItem struct {
	At      time.Time
	Channel string
	Text    string
}

// DrainResult summarises one Drain call.
type DrainResult struct {
	Popped  int
	Sent    int
	Deduped int
	Dropped int
}

// DeliveryEvent is the Data of relay.sent and relay.dropped bus events.
type DeliveryEvent struct {
	Channel  string    `json:"channel"`
	ActionID string    `json:"action_id,omitempty"`
	Tracker  string    `json:"tracker,omitempty"`
	Latency  string    `json:"latency,omitempty"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}
