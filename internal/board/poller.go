package board

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"cardrelay/internal/eventbus"
	logx "cardrelay/pkg/logx"
)

type State int32

const (
	StateFetching State = iota
	StateProcessing
	StateSleeping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateFetching:
		return "fetching"
	case StateProcessing:
		return "processing"
	case StateSleeping:
		return "sleeping"
	default:
		return "stopped"
	}
}

// ActionSource lists board actions newer than since, most recent first.
type ActionSource interface {
	Actions(ctx context.Context, since time.Time, types ...string) ([]Action, error)
}

// MoveEnricher resolves the members of a moved card.
type MoveEnricher interface {
	Enrich(ctx context.Context, ev MoveEvent) (EnrichedMove, error)
}

// Sink receives enriched moves in chronological order.
type Sink interface {
	HandleMove(ctx context.Context, ev EnrichedMove) error
}

type PollerConfig struct {
	Interval    time.Duration
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// Types is the server-side action filter (the "filter" query parameter).
	Types []string
	// Kinds is the client-side filter applied to each returned action.
	Kinds KindSet
}

// Status is a point-in-time view of the poller, for health endpoints.
type Status struct {
	State     string    `json:"state"`
	Watermark time.Time `json:"watermark"`
	LastPoll  time.Time `json:"last_poll,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	Cycles    uint64    `json:"cycles"`
}

// CycleResult summarises one poll cycle.
type CycleResult struct {
	Fetched   int
	Moves     int
	Delivered int
	Skipped   int
	Filtered  int
}

// Poller runs Fetching -> Processing -> Sleeping forever, owning the watermark.
//
// The watermark is set to the time each fetch was issued. Actions created
// on the server between issuing the fetch and the next "since" boundary may
// be seen twice or, with clock skew, missed once; downstream dedup by
// action id narrows the duplicate case.
type Poller struct {
	src  ActionSource
	enr  MoveEnricher
	sink Sink
	bus  eventbus.Bus
	log  logx.Logger
	cfg  PollerConfig

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu        sync.Mutex
	state     State
	watermark time.Time
	lastPoll  time.Time
	lastErr   error
	cycles    uint64
}

func NewPoller(src ActionSource, enr MoveEnricher, sink Sink, bus eventbus.Bus, log logx.Logger, cfg PollerConfig) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 2 * time.Minute
	}
	if len(cfg.Types) == 0 {
		cfg.Types = []string{TypeUpdateCard}
	}
	if len(cfg.Kinds) == 0 {
		cfg.Kinds = NewKindSet(KindCardMoved)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Poller{
		src:   src,
		enr:   enr,
		sink:  sink,
		bus:   bus,
		log:   log.With(logx.String("comp", "board.poller")),
		cfg:   cfg,
		now:   time.Now,
		sleep: sleepCtx,
		state: StateFetching,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Watermark returns the time up to which actions have been processed.
func (p *Poller) Watermark() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.watermark
}

func (p *Poller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Status{
		State:     p.state.String(),
		Watermark: p.watermark,
		LastPoll:  p.lastPoll,
		Cycles:    p.cycles,
	}
	if p.lastErr != nil {
		st.LastError = p.lastErr.Error()
	}
	return st
}

func (p *Poller) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// Run polls until ctx ends. It returns early only for configuration errors.
func (p *Poller) Run(ctx context.Context) error {
	defer p.setState(StateStopped)

	if v, ok := p.src.(interface {
		Board(ctx context.Context) (Board, error)
	}); ok {
		b, err := v.Board(ctx)
		switch {
		case err == nil:
			p.log.Info("watching board", logx.String("board_id", b.ID), logx.String("board", b.Name))
		case IsConfigError(err):
			return fmt.Errorf("validate board: %w", errors.Join(ErrConfig, err))
		default:
			p.log.Warn("board lookup failed; polling anyway", logx.Err(err))
		}
	}

	p.mu.Lock()
	if p.watermark.IsZero() {
		p.watermark = p.now()
	}
	p.mu.Unlock()

	for {
		if _, err := p.PollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		p.setState(StateSleeping)
		if err := p.sleep(ctx, p.cfg.Interval); err != nil {
			return err
		}
	}
}

// PollOnce runs one Fetching + Processing cycle. Transient fetch errors are
// retried with bounded exponential backoff until ctx ends; only
// configuration errors and cancellation are returned.
func (p *Poller) PollOnce(ctx context.Context) (CycleResult, error) {
	var res CycleResult

	p.setState(StateFetching)
	since := p.Watermark()

	var (
		actions  []Action
		issuedAt time.Time
		fatal    error
	)
	err := retry.Do(
		func() error {
			issuedAt = p.now()
			var err error
			actions, err = p.src.Actions(ctx, since, p.cfg.Types...)
			if err != nil && IsConfigError(err) {
				fatal = err
				return retry.Unrecoverable(err)
			}
			return err
		},
		retry.Attempts(0),
		retry.Delay(p.cfg.BackoffBase),
		retry.MaxDelay(p.cfg.BackoffMax),
		retry.MaxJitter(p.cfg.BackoffBase/2+time.Millisecond),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			p.recordError(err)
			pollsTotal.WithLabelValues("error").Inc()
			p.log.Warn("poll failed; backing off", logx.Uint64("attempt", uint64(n)+1), logx.Err(err))
			if p.bus != nil {
				p.bus.Publish(eventbus.Event{Type: eventbus.BoardPollFailed, Data: err.Error()})
			}
		}),
	)
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if fatal != nil {
			p.recordError(fatal)
			pollsTotal.WithLabelValues("config_error").Inc()
			return res, fmt.Errorf("poll actions: %w", errors.Join(ErrConfig, fatal))
		}
		p.recordError(err)
		return res, fmt.Errorf("poll actions: %w", err)
	}
	pollsTotal.WithLabelValues("ok").Inc()

	p.setState(StateProcessing)
	res.Fetched = len(actions)

	// The API returns newest first; notify in the order things happened.
	for i := len(actions) - 1; i >= 0; i-- {
		p.process(ctx, actions[i], &res)
	}

	p.mu.Lock()
	if issuedAt.After(p.watermark) {
		p.watermark = issuedAt
	}
	p.lastPoll = issuedAt
	p.lastErr = nil
	p.cycles++
	wm := p.watermark
	p.mu.Unlock()
	watermarkGauge.Set(float64(wm.Unix()))

	if res.Fetched > 0 {
		p.log.Info("poll cycle done",
			logx.Int("fetched", res.Fetched),
			logx.Int("moves", res.Moves),
			logx.Int("delivered", res.Delivered),
			logx.Int("skipped", res.Skipped),
		)
	}
	if p.bus != nil {
		p.bus.Publish(eventbus.Event{Type: eventbus.BoardPolled, Data: res})
	}
	return res, nil
}

func (p *Poller) process(ctx context.Context, a Action, res *CycleResult) {
	kind := a.Kind()
	if !p.cfg.Kinds.Has(kind) {
		res.Filtered++
		eventsTotal.WithLabelValues("filtered").Inc()
		return
	}

	ev, err := a.Move()
	if err != nil {
		res.Skipped++
		eventsTotal.WithLabelValues("schema_error").Inc()
		p.log.Warn("skipping malformed action", logx.String("action", a.ID), logx.Err(err))
		return
	}
	res.Moves++

	enriched, err := p.enr.Enrich(ctx, ev)
	if err != nil {
		res.Skipped++
		eventsTotal.WithLabelValues("enrich_error").Inc()
		p.log.Warn("skipping move; enrichment failed",
			logx.String("action", ev.ActionID),
			logx.String("card", ev.CardID),
			logx.Err(err),
		)
		return
	}

	if err := p.sink.HandleMove(ctx, enriched); err != nil {
		res.Skipped++
		eventsTotal.WithLabelValues("relay_error").Inc()
		p.log.Warn("relay failed for move", logx.String("action", ev.ActionID), logx.Err(err))
		return
	}
	res.Delivered++
	eventsTotal.WithLabelValues("relayed").Inc()
}

func (p *Poller) recordError(err error) {
	p.mu.Lock()
	p.lastErr = err
	p.mu.Unlock()
}
