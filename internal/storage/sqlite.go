package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	logx "cardrelay/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqliteStore struct {
	db  *sql.DB
	q   querier
	tx  *sql.Tx // non-nil when bound to a transaction
	log logx.Logger

	opCount    *atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("open sqlite: path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite prefers a single writer; this also serialises transactions.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, q: db, log: log, opCount: new(atomic.Uint64), pruneEvery: 500}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	log.Info("sqlite storage ready", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil || s.tx != nil {
		return nil
	}
	return s.db.Close()
}

// InTx runs fn inside one SQLite transaction. Nested calls reuse the outer one.
func (s *sqliteStore) InTx(ctx context.Context, fn func(Store) error) error {
	if s.tx != nil {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	bound := *s
	bound.q = tx
	bound.tx = tx
	if err := fn(&bound); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *sqliteStore) FindTracker(ctx context.Context, trackerID string) (Tracker, error) {
	var (
		t  = Tracker{TrackerID: trackerID}
		at string
	)
	err := s.q.QueryRowContext(ctx,
		`SELECT channel_id, target, target_name, updated_at FROM trackers WHERE tracker_id = ?`,
		trackerID,
	).Scan(&t.ChannelID, &t.Target, &t.TargetName, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return Tracker{}, ErrNotFound
	}
	if err != nil {
		return Tracker{}, fmt.Errorf("find tracker: %w", err)
	}
	t.UpdatedAt = parseTime(at)
	return t, nil
}

func (s *sqliteStore) FindAndDeleteTracker(ctx context.Context, trackerID string) (Tracker, error) {
	var (
		t  = Tracker{TrackerID: trackerID}
		at string
	)
	err := s.q.QueryRowContext(ctx,
		`DELETE FROM trackers WHERE tracker_id = ?
		 RETURNING channel_id, target, target_name, updated_at`,
		trackerID,
	).Scan(&t.ChannelID, &t.Target, &t.TargetName, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return Tracker{}, ErrNotFound
	}
	if err != nil {
		return Tracker{}, fmt.Errorf("delete tracker: %w", err)
	}
	t.UpdatedAt = parseTime(at)
	return t, nil
}

func (s *sqliteStore) InsertTracker(ctx context.Context, t Tracker) error {
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = time.Now()
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO trackers(tracker_id, channel_id, target, target_name, updated_at) VALUES(?,?,?,?,?)`,
		t.TrackerID, t.ChannelID, t.Target, t.TargetName, t.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("insert tracker %s: %w", t.TrackerID, ErrDuplicate)
		}
		return fmt.Errorf("insert tracker: %w", err)
	}
	return nil
}

func (s *sqliteStore) ListTrackers(ctx context.Context) ([]Tracker, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT tracker_id, channel_id, target, target_name, updated_at FROM trackers ORDER BY tracker_id`)
	if err != nil {
		return nil, fmt.Errorf("list trackers: %w", err)
	}
	defer rows.Close()

	var out []Tracker
	for rows.Next() {
		var (
			t  Tracker
			at string
		)
		if err := rows.Scan(&t.TrackerID, &t.ChannelID, &t.Target, &t.TargetName, &at); err != nil {
			return nil, fmt.Errorf("scan tracker: %w", err)
		}
		t.UpdatedAt = parseTime(at)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) FindSubscription(ctx context.Context, target string) (Subscription, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT tracker_id FROM subscription_members WHERE target = ? ORDER BY rowid`, target)
	if err != nil {
		return Subscription{}, fmt.Errorf("find subscription: %w", err)
	}
	defer rows.Close()

	sub := Subscription{Target: target}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return Subscription{}, fmt.Errorf("scan subscription: %w", err)
		}
		sub.Trackers = append(sub.Trackers, id)
	}
	if err := rows.Err(); err != nil {
		return Subscription{}, fmt.Errorf("find subscription: %w", err)
	}
	if len(sub.Trackers) == 0 {
		return Subscription{}, ErrNotFound
	}
	return sub, nil
}

func (s *sqliteStore) SaveSubscription(ctx context.Context, sub Subscription) error {
	return s.InTx(ctx, func(st Store) error {
		q := st.(*sqliteStore).q
		if _, err := q.ExecContext(ctx, `DELETE FROM subscription_members WHERE target = ?`, sub.Target); err != nil {
			return fmt.Errorf("save subscription: %w", err)
		}
		for _, id := range sub.Trackers {
			if _, err := q.ExecContext(ctx,
				`INSERT OR IGNORE INTO subscription_members(target, tracker_id) VALUES(?,?)`,
				sub.Target, id,
			); err != nil {
				return fmt.Errorf("save subscription: %w", err)
			}
		}
		return nil
	})
}

func (s *sqliteStore) DeleteSubscription(ctx context.Context, target string) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM subscription_members WHERE target = ?`, target)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) ListSubscriptions(ctx context.Context) ([]Subscription, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT target, tracker_id FROM subscription_members ORDER BY target, rowid`)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		var target, id string
		if err := rows.Scan(&target, &id); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		if n := len(out); n > 0 && out[n-1].Target == target {
			out[n-1].Trackers = append(out[n-1].Trackers, id)
			continue
		}
		out = append(out, Subscription{Target: target, Trackers: []string{id}})
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO audit(at, tracker_id, channel_id, from_target, to_target, err) VALUES(?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.TrackerID, e.ChannelID, nullStr(e.From), e.To, nullStr(e.Error),
	)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil && s.tx == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneExpired(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.q.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) pruneExpired(ctx context.Context) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli())
	return err
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
