package tracker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"cardrelay/internal/eventbus"
	"cardrelay/internal/storage"
	logx "cardrelay/pkg/logx"
)

var ErrEmptyTarget = errors.New("tracker: empty target")

// Target identifies a board member. Key is what subscriptions are keyed by;
// Name is shown to users.
type Target struct {
	Key  string
	Name string
}

func (t Target) IsZero() bool { return t.Key == "" }

// Retargeted is published on the bus after a successful Retarget.
type Retargeted struct {
	TrackerID string
	ChannelID string
	From      Target
	To        Target
}

type Registry struct {
	store storage.Store
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time

	// Serialises writers in this process. Cross-process writers still
	// rely on the store.
	mu       sync.Mutex
	keyCheck func(key string) bool
}

func New(store storage.Store, log logx.Logger, bus eventbus.Bus) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		store: store,
		log:   log.With(logx.String("comp", "tracker")),
		bus:   bus,
		now:   time.Now,
	}
}

// GetTarget returns what trackerID currently follows.
func (r *Registry) GetTarget(ctx context.Context, trackerID string) (Target, bool, error) {
	t, err := r.store.FindTracker(ctx, trackerID)
	if errors.Is(err, storage.ErrNotFound) {
		return Target{}, false, nil
	}
	if err != nil {
		return Target{}, false, fmt.Errorf("get target: %w", err)
	}
	return Target{Key: t.Target, Name: t.TargetName}, true, nil
}

// Retarget points trackerID at to, replacing any previous target. It
// returns the previous target (zero if there was none).
//
// Retargeting to the current target is a no-op in effect: the tracker
// appears exactly once in the target's subscription.
func (r *Registry) Retarget(ctx context.Context, trackerID, channelID string, to Target) (Target, error) {
	to.Key = strings.TrimSpace(to.Key)
	if to.Key == "" {
		return Target{}, ErrEmptyTarget
	}
	if to.Name == "" {
		to.Name = to.Key
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		prev Target
		err  error
	)
	if tx, ok := r.store.(storage.Transactor); ok {
		err = tx.InTx(ctx, func(s storage.Store) error {
			prev, err = r.retarget(ctx, s, trackerID, channelID, to)
			return err
		})
	} else {
		prev, err = r.retarget(ctx, r.store, trackerID, channelID, to)
	}

	entry := storage.AuditEntry{
		At:        r.now(),
		TrackerID: trackerID,
		ChannelID: channelID,
		From:      prev.Key,
		To:        to.Key,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if aerr := r.store.AppendAudit(ctx, entry); aerr != nil {
		r.log.Warn("audit append failed", logx.String("tracker", trackerID), logx.Err(aerr))
	}

	if err != nil {
		r.log.Error("retarget failed",
			logx.String("tracker", trackerID),
			logx.String("from", prev.Key),
			logx.String("to", to.Key),
			logx.Err(err),
		)
		return prev, err
	}

	r.log.Info("retargeted",
		logx.String("tracker", trackerID),
		logx.String("channel", channelID),
		logx.String("from", prev.Name),
		logx.String("to", to.Name),
	)
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{
			Type: eventbus.TrackerRetargeted,
			Data: Retargeted{TrackerID: trackerID, ChannelID: channelID, From: prev, To: to},
		})
	}
	return prev, nil
}

func (r *Registry) retarget(ctx context.Context, s storage.Store, trackerID, channelID string, to Target) (Target, error) {
	var prev Target

	old, err := s.FindAndDeleteTracker(ctx, trackerID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return prev, fmt.Errorf("remove tracker: %w", err)
	default:
		prev = Target{Key: old.Target, Name: old.TargetName}
		if err := r.detach(ctx, s, prev.Key, trackerID); err != nil {
			return prev, err
		}
	}

	if err := s.InsertTracker(ctx, storage.Tracker{
		TrackerID:  trackerID,
		ChannelID:  channelID,
		Target:     to.Key,
		TargetName: to.Name,
		UpdatedAt:  r.now(),
	}); err != nil {
		return prev, fmt.Errorf("insert tracker: %w", err)
	}

	if err := r.attach(ctx, s, to.Key, trackerID); err != nil {
		return prev, err
	}
	return prev, nil
}

func (r *Registry) detach(ctx context.Context, s storage.Store, key, trackerID string) error {
	sub, err := s.FindSubscription(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		r.log.Warn("tracker had no subscription entry", logx.String("tracker", trackerID), logx.String("target", key))
		return nil
	}
	if err != nil {
		return fmt.Errorf("load subscription %s: %w", key, err)
	}

	kept := sub.Trackers[:0:0]
	for _, id := range sub.Trackers {
		if id != trackerID {
			kept = append(kept, id)
		}
	}
	if len(kept) == 0 {
		if err := s.DeleteSubscription(ctx, key); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("delete subscription %s: %w", key, err)
		}
		return nil
	}
	sub.Trackers = kept
	if err := s.SaveSubscription(ctx, sub); err != nil {
		return fmt.Errorf("save subscription %s: %w", key, err)
	}
	return nil
}

func (r *Registry) attach(ctx context.Context, s storage.Store, key, trackerID string) error {
	sub, err := s.FindSubscription(ctx, key)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		sub = storage.Subscription{Target: key}
	case err != nil:
		return fmt.Errorf("load subscription %s: %w", key, err)
	}
	if sub.Has(trackerID) {
		return nil
	}
	sub.Trackers = append(sub.Trackers, trackerID)
	if err := s.SaveSubscription(ctx, sub); err != nil {
		return fmt.Errorf("save subscription %s: %w", key, err)
	}
	return nil
}

// GetSubscribers returns the trackers following key; empty when nobody does.
func (r *Registry) GetSubscribers(ctx context.Context, key string) ([]string, error) {
	sub, err := r.store.FindSubscription(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscribers: %w", err)
	}
	return sub.Trackers, nil
}

// ResolveChannel returns the delivery channel of trackerID. A subscription
// entry whose tracker is gone is logged and reported as unresolved.
func (r *Registry) ResolveChannel(ctx context.Context, trackerID string) (string, bool) {
	t, err := r.store.FindTracker(ctx, trackerID)
	if errors.Is(err, storage.ErrNotFound) {
		r.log.Warn("subscription references missing tracker; skipping", logx.String("tracker", trackerID))
		return "", false
	}
	if err != nil {
		r.log.Error("resolve channel failed", logx.String("tracker", trackerID), logx.Err(err))
		return "", false
	}
	return t.ChannelID, true
}
