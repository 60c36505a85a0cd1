package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cardrelay/internal/board"
	logx "cardrelay/pkg/logx"
)

// JoinKey selects which member attribute subscriptions are keyed by.
type JoinKey string

const (
	JoinByID   JoinKey = "id"
	JoinByName JoinKey = "name"
)

func ParseJoinKey(s string) (JoinKey, error) {
	switch JoinKey(strings.ToLower(strings.TrimSpace(s))) {
	case "", JoinByID:
		return JoinByID, nil
	case JoinByName:
		return JoinByName, nil
	default:
		return "", fmt.Errorf("unknown join key %q (want id or name)", s)
	}
}

// Key returns the subscription key for m.
func (k JoinKey) Key(m board.Member) string {
	if k == JoinByName {
		return m.FullName
	}
	return m.ID
}

// Matches reports whether a stored subscription key has the shape this
// join key produces. Board member ids are 24 hex digits; names never are.
func (k JoinKey) Matches(key string) bool {
	if k == JoinByName {
		return !isMemberID(key)
	}
	return isMemberID(key)
}

func isMemberID(s string) bool {
	if len(s) != 24 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Registry is the read side of the tracker registry.
type Registry interface {
	GetSubscribers(ctx context.Context, key string) ([]string, error)
	ResolveChannel(ctx context.Context, trackerID string) (string, bool)
}

// FormatMove renders the notification sent to a tracker.
func FormatMove(title, before, after string) string {
	return fmt.Sprintf("Your card \"%s\" has been moved from \"%s\" to \"%s\".", title, before, after)
}

// Dispatcher fans an enriched move out to every tracker of every member.
type Dispatcher struct {
	reg  Registry
	buf  *Buffer
	join JoinKey
	log  logx.Logger
}

func NewDispatcher(reg Registry, buf *Buffer, join JoinKey, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if join == "" {
		join = JoinByID
	}
	return &Dispatcher{
		reg:  reg,
		buf:  buf,
		join: join,
		log:  log.With(logx.String("comp", "relay.dispatcher")),
	}
}

// HandleMove queues one message per (member, tracker) pair. A tracker is
// notified at most once per move even if it matches several members.
// Lookup failures for one member do not stop the others.
func (d *Dispatcher) HandleMove(ctx context.Context, ev board.EnrichedMove) error {
	text := FormatMove(ev.CardTitle, ev.ListBefore, ev.ListAfter)
	d.log.Info("card moved",
		logx.String("card", ev.CardTitle),
		logx.String("from", ev.ListBefore),
		logx.String("to", ev.ListAfter),
		logx.Int("members", len(ev.Members)),
	)

	var errs []error
	notified := make(map[string]struct{})
	for _, m := range ev.Members {
		key := d.join.Key(m)
		if key == "" {
			continue
		}
		subs, err := d.reg.GetSubscribers(ctx, key)
		if err != nil {
			errs = append(errs, fmt.Errorf("subscribers of %s: %w", key, err))
			continue
		}
		for _, trackerID := range subs {
			if _, dup := notified[trackerID]; dup {
				continue
			}
			channel, ok := d.reg.ResolveChannel(ctx, trackerID)
			if !ok {
				droppedTotal.WithLabelValues("unresolved").Inc()
				continue
			}
			notified[trackerID] = struct{}{}

			err := d.buf.Push(Message{
				Channel:  channel,
				Text:     text,
				ActionID: ev.ActionID,
				Tracker:  trackerID,
			})
			switch {
			case err == nil:
				d.log.Debug("queued notification", logx.String("tracker", trackerID), logx.String("member", m.FullName))
			case errors.Is(err, ErrQueueFull):
				droppedTotal.WithLabelValues("queue_full").Inc()
				d.log.Warn("delivery queue full; dropping notification", logx.String("tracker", trackerID))
			default:
				droppedTotal.WithLabelValues("closed").Inc()
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
