package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is a process-local Store. Each call is atomic on its own, but
// it does not implement Transactor.
type Memory struct {
	mu     sync.Mutex
	closed bool

	trackers map[string]Tracker
	subs     map[string][]string
	dedup    map[string]time.Time
	audit    []AuditEntry
}

func NewMemory() *Memory {
	return &Memory{
		trackers: make(map[string]Tracker),
		subs:     make(map[string][]string),
		dedup:    make(map[string]time.Time),
	}
}

func (m *Memory) FindTracker(_ context.Context, trackerID string) (Tracker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Tracker{}, ErrClosed
	}
	t, ok := m.trackers[trackerID]
	if !ok {
		return Tracker{}, ErrNotFound
	}
	return t, nil
}

func (m *Memory) FindAndDeleteTracker(_ context.Context, trackerID string) (Tracker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Tracker{}, ErrClosed
	}
	t, ok := m.trackers[trackerID]
	if !ok {
		return Tracker{}, ErrNotFound
	}
	delete(m.trackers, trackerID)
	return t, nil
}

func (m *Memory) InsertTracker(_ context.Context, t Tracker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.trackers[t.TrackerID]; ok {
		return fmt.Errorf("insert tracker %s: %w", t.TrackerID, ErrDuplicate)
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = time.Now()
	}
	m.trackers[t.TrackerID] = t
	return nil
}

func (m *Memory) ListTrackers(_ context.Context) ([]Tracker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]Tracker, 0, len(m.trackers))
	for _, t := range m.trackers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TrackerID < out[j].TrackerID })
	return out, nil
}

func (m *Memory) FindSubscription(_ context.Context, target string) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Subscription{}, ErrClosed
	}
	ids, ok := m.subs[target]
	if !ok || len(ids) == 0 {
		return Subscription{}, ErrNotFound
	}
	return Subscription{Target: target, Trackers: append([]string(nil), ids...)}, nil
}

func (m *Memory) SaveSubscription(_ context.Context, s Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	ids := make([]string, 0, len(s.Trackers))
	seen := make(map[string]struct{}, len(s.Trackers))
	for _, id := range s.Trackers {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		delete(m.subs, s.Target)
		return nil
	}
	m.subs[s.Target] = ids
	return nil
}

func (m *Memory) DeleteSubscription(_ context.Context, target string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.subs[target]; !ok {
		return ErrNotFound
	}
	delete(m.subs, target)
	return nil
}

func (m *Memory) ListSubscriptions(_ context.Context) ([]Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]Subscription, 0, len(m.subs))
	for target, ids := range m.subs {
		out = append(out, Subscription{Target: target, Trackers: append([]string(nil), ids...)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out, nil
}

func (m *Memory) AppendAudit(_ context.Context, e AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	m.audit = append(m.audit, e)
	return nil
}

// Audit returns a copy of the audit log.
func (m *Memory) Audit() []AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AuditEntry(nil), m.audit...)
}

func (m *Memory) PutDedup(_ context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.dedup[key] = until
	return nil
}

func (m *Memory) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return time.Time{}, false, ErrClosed
	}
	until, ok := m.dedup[key]
	return until, ok, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
