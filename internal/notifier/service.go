package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"cardrelay/internal/eventbus"
	"cardrelay/internal/relay"
	rtsup "cardrelay/internal/runtime/supervisor"
	"cardrelay/internal/storage"
	kit "cardrelay/internal/transport"
	logx "cardrelay/pkg/logx"
)

// Service drains the delivery buffer into chat.
//
// Drain calls are serialized; the buffer itself may be pushed to
// concurrently. Safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log   logx.Logger
	src   Source
	out   Sender
	bus   eventbus.Bus
	store storage.Store

	cfg     Config
	limiter *rate.Limiter

	// drainMu serializes Drain so two triggers never interleave sends.
	drainMu sync.Mutex

	sup       *rtsup.Supervisor
	persistCh chan dedupWrite

	// In-memory dedup cache: key -> suppress until
	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem

	now func() time.Time
}

type dedupWrite struct {
	key   string
	until time.Time
}

func New(cfg Config, src Source, out Sender, log logx.Logger, bus eventbus.Bus, store storage.Store) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:   log.With(logx.String("comp", "notifier")),
		src:   src,
		out:   out,
		bus:   bus,
		store: store,
		dedup: map[string]time.Time{},
		now:   time.Now,
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.SendRatePerSec <= 0 {
		cfg.SendRatePerSec = 3
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}
	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.SendRatePerSec), cfg.SendRatePerSec)
}

// Start launches the persistent dedup writer when persist_dedup is set.
// Drain works without Start; only the storage writes need a goroutine.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.sup != nil || !s.cfg.PersistDedup || s.store == nil {
		s.mu.Unlock()
		return
	}
	s.persistCh = make(chan dedupWrite, 1024)
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	sup, ch, st := s.sup, s.persistCh, s.store
	s.mu.Unlock()

	sup.GoRestart("dedup.persist", func(c context.Context) error {
		s.persistLoop(c, ch, st)
		if c.Err() != nil {
			return c.Err()
		}
		return errors.New("dedup persist loop exited unexpectedly")
	}, rtsup.WithPublishFirstError(true))
}

// Stop ends the dedup writer. Queued messages stay in the buffer.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.persistCh = nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Stop(ctx)
}

// Supervisor returns the writer's supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Drain pops up to BatchSize messages and sends each one. A failed send is
// logged and the message dropped; Drain itself only stops early when ctx ends.
func (s *Service) Drain(ctx context.Context) DrainResult {
	s.drainMu.Lock()
	defer s.drainMu.Unlock()

	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	s.mu.Unlock()

	var res DrainResult
	if s.src == nil || s.out == nil {
		return res
	}
	batch := s.src.Drain(cfg.BatchSize)
	res.Popped = len(batch)

	for i, m := range batch {
		if ctx.Err() != nil {
			// Whatever was popped and not sent is lost; count it as dropped.
			for _, rest := range batch[i:] {
				s.drop(rest, ctx.Err(), "canceled")
				res.Dropped++
			}
			break
		}
		if cfg.DedupWindow > 0 && !s.dedupAllow(ctx, dedupKey(m), cfg) {
			res.Deduped++
			sentTotal.WithLabelValues("deduped").Inc()
			continue
		}
		if err := s.send(ctx, lim, cfg.SendTimeout, m); err != nil {
			res.Dropped++
			continue
		}
		res.Sent++
	}
	if res.Popped > 0 {
		s.log.Debug("drained delivery queue",
			logx.Int("popped", res.Popped),
			logx.Int("sent", res.Sent),
			logx.Int("deduped", res.Deduped),
			logx.Int("dropped", res.Dropped),
		)
	}
	return res
}

func (s *Service) send(ctx context.Context, lim *rate.Limiter, timeout time.Duration, m relay.Message) error {
	to, err := kit.ParseTarget(m.Channel)
	if err != nil {
		s.drop(m, err, "bad_channel")
		return err
	}
	if err := lim.Wait(ctx); err != nil {
		s.drop(m, err, "canceled")
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	_, err = s.out.SendText(cctx, to, m.Text, &kit.SendOptions{DisablePreview: true})
	cancel()
	if err != nil {
		s.drop(m, err, "error")
		return err
	}

	now := s.now()
	sentTotal.WithLabelValues("ok").Inc()
	var latency time.Duration
	if !m.QueuedAt.IsZero() {
		latency = now.Sub(m.QueuedAt)
		sendLatency.Observe(latency.Seconds())
	}
	s.appendHistory(HistoryItem{At: now, Channel: m.Channel, Text: m.Text})
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.RelaySent, Time: now, Data: DeliveryEvent{
			Channel: m.Channel, ActionID: m.ActionID, Tracker: m.Tracker, Latency: latency.String(), At: now,
		}})
	}
	return nil
}

func (s *Service) drop(m relay.Message, err error, result string) {
	sentTotal.WithLabelValues(result).Inc()
	s.log.Warn("dropping notification",
		logx.String("channel", m.Channel),
		logx.String("action", m.ActionID),
		logx.String("result", result),
		logx.Err(err),
	)
	if s.bus != nil {
		now := s.now()
		s.bus.Publish(eventbus.Event{Type: eventbus.RelayDropped, Time: now, Data: DeliveryEvent{
			Channel: m.Channel, ActionID: m.ActionID, Tracker: m.Tracker, At: now, Error: err.Error(),
		}})
	}
}

// Snapshot returns recent successful deliveries, oldest first.
func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	out := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}

func (s *Service) appendHistory(it HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, it)
	if len(s.history) > 300 {
		s.history = s.history[len(s.history)-300:]
	}
	s.hmu.Unlock()
}

func (s *Service) persistLoop(ctx context.Context, ch <-chan dedupWrite, st storage.Store) {
	for {
		select {
		case <-ctx.Done():
			return
		case w := <-ch:
			cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
			if err := st.PutDedup(cctx, w.key, w.until); err != nil {
				s.log.Debug("persist dedup failed", logx.Err(err))
			}
			cancel()
		}
	}
}

// dedupKey identifies one move for one channel. Messages without an action
// id fall back to their text.
func dedupKey(m relay.Message) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(m.Channel))
	_, _ = h.Write([]byte("|"))
	if m.ActionID != "" {
		_, _ = h.Write([]byte(m.ActionID))
	} else {
		_, _ = h.Write([]byte(m.Text))
	}
	return fmt.Sprintf("%x", h.Sum64())
}

func (s *Service) dedupAllow(ctx context.Context, key string, cfg Config) bool {
	now := s.now()

	s.dmu.Lock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		s.dmu.Unlock()
		return false
	}
	s.dmu.Unlock()

	s.mu.Lock()
	st, pch := s.store, s.persistCh
	s.mu.Unlock()

	// Cross-restart check, best-effort.
	if cfg.PersistDedup && st != nil {
		cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		until, ok, err := st.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.dmu.Lock()
			s.dedup[key] = until
			s.dmu.Unlock()
			return false
		}
	}

	until := now.Add(cfg.DedupWindow)
	s.dmu.Lock()
	s.dedup[key] = until
	for k, t := range s.dedup {
		if !now.Before(t) {
			delete(s.dedup, k)
		}
	}
	for len(s.dedup) > cfg.DedupMaxEntries {
		var (
			minKey string
			minT   time.Time
		)
		for k, t := range s.dedup {
			if minKey == "" || t.Before(minT) {
				minKey, minT = k, t
			}
		}
		delete(s.dedup, minKey)
	}
	s.dmu.Unlock()

	if cfg.PersistDedup && pch != nil {
		select {
		case pch <- dedupWrite{key: key, until: until}:
		default:
		}
	} else if cfg.PersistDedup && st != nil {
		// Not started: write inline.
		cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
		_ = st.PutDedup(cctx, key, until)
		cancel()
	}
	return true
}
