package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("storage: not found")
	ErrDuplicate     = errors.New("storage: duplicate key")
	ErrUnknownDriver = errors.New("storage: unknown driver")
	ErrClosed        = errors.New("storage: closed")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (modernc, pure Go)
//   - "memory": process-local maps, lost on restart
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Tracker is a chat user following one board member.
//
// Target is the join key used by subscriptions (member id or full name,
// depending on relay.join_key); TargetName is always the display name.
type Tracker struct {
	TrackerID  string
	ChannelID  string
	Target     string
	TargetName string
	UpdatedAt  time.Time
}

// Subscription lists the trackers following Target. Stores never hold a
// subscription with no trackers.
type Subscription struct {
	Target   string
	Trackers []string
}

// Has reports whether id is in the tracker set.
func (s Subscription) Has(id string) bool {
	for _, t := range s.Trackers {
		if t == id {
			return true
		}
	}
	return false
}

// AuditEntry records one retarget.
type AuditEntry struct {
	At        time.Time
	TrackerID string
	ChannelID string
	From      string
	To        string
	Error     string
}

// Store is the persistence API used by the registry and the notifier.
type Store interface {
	FindTracker(ctx context.Context, trackerID string) (Tracker, error)
	// FindAndDeleteTracker removes the tracker and returns what was removed.
	FindAndDeleteTracker(ctx context.Context, trackerID string) (Tracker, error)
	InsertTracker(ctx context.Context, t Tracker) error
	ListTrackers(ctx context.Context) ([]Tracker, error)

	FindSubscription(ctx context.Context, target string) (Subscription, error)
	// SaveSubscription replaces the tracker set; an empty set deletes the subscription.
	SaveSubscription(ctx context.Context, s Subscription) error
	DeleteSubscription(ctx context.Context, target string) error
	ListSubscriptions(ctx context.Context) ([]Subscription, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
	Close() error
}

// Transactor is implemented by stores that can run several operations
// atomically. fn receives a Store bound to the transaction.
type Transactor interface {
	InTx(ctx context.Context, fn func(Store) error) error
}
