package relay

import (
	"context"
	"fmt"

	"cardrelay/internal/eventbus"
	"cardrelay/internal/webhook"
	logx "cardrelay/pkg/logx"
)

// Announcer delivers the flush summary (a broadcast webhook in production).
type Announcer interface {
	Send(ctx context.Context, p webhook.Payload) error
}

// Flusher reports how many notifications were queued since the previous
// flush. The report is a liveness signal, not a delivery receipt.
type Flusher struct {
	buf     *Buffer
	out     Announcer
	channel string
	bus     eventbus.Bus
	log     logx.Logger
}

func NewFlusher(buf *Buffer, out Announcer, channel string, bus eventbus.Bus, log logx.Logger) *Flusher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Flusher{
		buf:     buf,
		out:     out,
		channel: channel,
		bus:     bus,
		log:     log.With(logx.String("comp", "relay.flush")),
	}
}

// Summary renders the flush line for n notifications.
func Summary(n int64) string {
	if n == 1 {
		return "1 notification relayed since last flush."
	}
	return fmt.Sprintf("%d notifications relayed since last flush.", n)
}

// Flush resets the pending counter and, if it was nonzero, announces it.
// The counter stays reset even when the announcement fails.
func (f *Flusher) Flush(ctx context.Context) (int64, error) {
	n := f.buf.TakePending()
	if n == 0 {
		return 0, nil
	}
	f.log.Info("flush", logx.Int64("pending", n), logx.Int("queued", f.buf.Len()))
	if f.bus != nil {
		f.bus.Publish(eventbus.Event{Type: eventbus.RelayFlushed, Data: n})
	}
	if f.out == nil {
		flushTotal.WithLabelValues("skipped").Inc()
		return n, nil
	}
	if err := f.out.Send(ctx, webhook.Payload{Text: Summary(n), Channel: f.channel}); err != nil {
		flushTotal.WithLabelValues("error").Inc()
		f.log.Warn("flush announcement failed", logx.Int64("pending", n), logx.Err(err))
		return n, err
	}
	flushTotal.WithLabelValues("ok").Inc()
	return n, nil
}
