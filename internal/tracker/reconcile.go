package tracker

import (
	"context"
	"fmt"

	"cardrelay/internal/storage"
	logx "cardrelay/pkg/logx"
)

// ReconcileReport counts the repairs made by one sweep.
type ReconcileReport struct {
	Trackers      int
	Subscriptions int
	Removed       int // entries pointing at missing or moved trackers
	Added         int // trackers missing from their target's subscription
	Deleted       int // subscriptions left empty
	// Mismatched counts targets whose key does not look like the active
	// join key, e.g. names left behind after switching to ids. They are
	// reported, not rewritten.
	Mismatched     int
	MismatchedKeys []string
}

func (r ReconcileReport) Changed() bool { return r.Removed+r.Added+r.Deleted > 0 }

// SetKeyCheck installs the predicate Reconcile uses to flag targets keyed
// by a different join key than the one in use. nil disables the check.
func (r *Registry) SetKeyCheck(fn func(key string) bool) {
	r.mu.Lock()
	r.keyCheck = fn
	r.mu.Unlock()
}

// Reconcile rebuilds subscriptions from the tracker collection, which is
// treated as the source of truth.
func (r *Registry) Reconcile(ctx context.Context) (ReconcileReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		rep ReconcileReport
		err error
	)
	if tx, ok := r.store.(storage.Transactor); ok {
		err = tx.InTx(ctx, func(s storage.Store) error {
			rep, err = reconcile(ctx, s, r.keyCheck)
			return err
		})
	} else {
		rep, err = reconcile(ctx, r.store, r.keyCheck)
	}
	if err != nil {
		r.log.Error("reconcile failed", logx.Err(err))
		return rep, err
	}
	if rep.Changed() {
		r.log.Warn("reconcile repaired registry",
			logx.Int("removed", rep.Removed),
			logx.Int("added", rep.Added),
			logx.Int("deleted", rep.Deleted),
		)
	} else {
		r.log.Debug("reconcile clean", logx.Int("trackers", rep.Trackers), logx.Int("subscriptions", rep.Subscriptions))
	}
	if rep.Mismatched > 0 {
		r.log.Warn("subscriptions keyed by another join key never match; re-track or reset storage",
			logx.Int("targets", rep.Mismatched),
			logx.Strings("examples", rep.MismatchedKeys),
		)
	}
	return rep, nil
}

const maxMismatchExamples = 5

func reconcile(ctx context.Context, s storage.Store, keyOK func(string) bool) (ReconcileReport, error) {
	var rep ReconcileReport

	trackers, err := s.ListTrackers(ctx)
	if err != nil {
		return rep, fmt.Errorf("list trackers: %w", err)
	}
	subs, err := s.ListSubscriptions(ctx)
	if err != nil {
		return rep, fmt.Errorf("list subscriptions: %w", err)
	}
	rep.Trackers = len(trackers)
	rep.Subscriptions = len(subs)

	targetOf := make(map[string]string, len(trackers))
	want := make(map[string][]string)
	for _, t := range trackers {
		targetOf[t.TrackerID] = t.Target
		if keyOK != nil && len(want[t.Target]) == 0 && !keyOK(t.Target) {
			rep.Mismatched++
			if len(rep.MismatchedKeys) < maxMismatchExamples {
				rep.MismatchedKeys = append(rep.MismatchedKeys, t.Target)
			}
		}
		want[t.Target] = append(want[t.Target], t.TrackerID)
	}

	for _, sub := range subs {
		present := make(map[string]struct{}, len(sub.Trackers))
		kept := make([]string, 0, len(sub.Trackers))
		for _, id := range sub.Trackers {
			if _, dup := present[id]; dup {
				rep.Removed++
				continue
			}
			if targetOf[id] != sub.Target {
				rep.Removed++
				continue
			}
			present[id] = struct{}{}
			kept = append(kept, id)
		}
		for _, id := range want[sub.Target] {
			if _, ok := present[id]; !ok {
				kept = append(kept, id)
				rep.Added++
			}
		}
		delete(want, sub.Target)

		if len(kept) == len(sub.Trackers) && sameOrder(kept, sub.Trackers) {
			continue
		}
		if len(kept) == 0 {
			if err := s.DeleteSubscription(ctx, sub.Target); err != nil {
				return rep, fmt.Errorf("delete subscription %s: %w", sub.Target, err)
			}
			rep.Deleted++
			continue
		}
		if err := s.SaveSubscription(ctx, storage.Subscription{Target: sub.Target, Trackers: kept}); err != nil {
			return rep, fmt.Errorf("save subscription %s: %w", sub.Target, err)
		}
	}

	// Targets with trackers but no subscription at all.
	for key, ids := range want {
		rep.Added += len(ids)
		if err := s.SaveSubscription(ctx, storage.Subscription{Target: key, Trackers: ids}); err != nil {
			return rep, fmt.Errorf("save subscription %s: %w", key, err)
		}
	}
	return rep, nil
}

func sameOrder(a, b []string) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
