package app

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"cardrelay/internal/board"
	"cardrelay/internal/config"
	"cardrelay/internal/eventbus"
	"cardrelay/internal/notifier"
	"cardrelay/internal/observability/ops"
	"cardrelay/internal/relay"
	rtsup "cardrelay/internal/runtime/supervisor"
	"cardrelay/internal/storage"
	"cardrelay/internal/task/scheduler"
	"cardrelay/internal/tracker"
	kit "cardrelay/internal/transport"
	telegram "cardrelay/internal/transport/telegram/adapter"
	"cardrelay/internal/transport/telegram/router"
	"cardrelay/internal/version"
	"cardrelay/internal/webhook"
	logx "cardrelay/pkg/logx"
)

const (
	jobFlush     = "relay.flush"
	jobReconcile = "tracker.reconcile"
)

// App owns every long-lived component and the goroutines that drive them.
type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter *telegram.Adapter
	client  *board.Client
	poller  *board.Poller
	reg     *tracker.Registry
	buf     *relay.Buffer
	notif   *notifier.Service
	router  *router.Router
	sched   *scheduler.Service
	ops     *ops.Service

	flusher atomic.Pointer[relay.Flusher]
	updates chan kit.Update
	started time.Time
}

// New loads the config at cfgPath and builds the components. Nothing runs
// until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	appLog := log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log)

	tcfg, err := mapTelegramConfig(cfg)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(tcfg, log)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	logSvc.SetSender(ad)

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	appLog.Info("storage ready", logx.String("driver", sc.Driver))

	bc, pc, err := mapBoardConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	client, err := board.NewClient(bc, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	rcfg, err := mapRouterConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	reg := tracker.New(store, log, bus)
	reg.SetKeyCheck(rcfg.JoinKey.Matches)
	buf := relay.NewBuffer(queueSize(cfg))
	for _, c := range buf.Collectors() {
		if err := prometheus.Register(c); err != nil {
			appLog.Warn("relay gauge not registered", logx.Err(err))
		}
	}
	disp := relay.NewDispatcher(reg, buf, rcfg.JoinKey, log)
	poller := board.NewPoller(client, board.NewEnricher(client), disp, bus, log, pc)
	notif := notifier.New(ncfg, buf, ad, log, bus, store)
	rt := router.New(rcfg, reg, client, ad, notif, log)
	sched := scheduler.New(mapSchedulerConfig(cfg), log)

	a := &App{
		cfgm:    cfgm,
		log:     appLog,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		adapter: ad,
		client:  client,
		poller:  poller,
		reg:     reg,
		buf:     buf,
		notif:   notif,
		router:  rt,
		sched:   sched,
		updates: make(chan kit.Update, 256),
	}
	a.ops = ops.New(mapOpsConfig(cfg), a.Health, log)
	a.flusher.Store(a.newFlusher(cfg))

	if err := a.registerJobs(cfg); err != nil {
		_ = store.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) newFlusher(cfg *config.Config) *relay.Flusher {
	var out relay.Announcer
	if wh := webhook.New(cfg.Flush.WebhookURL, a.log); wh.Enabled() {
		out = wh
	}
	return relay.NewFlusher(a.buf, out, cfg.Flush.Channel, a.bus, a.log)
}

// registerJobs (re)installs the cron jobs with the schedules in cfg.
func (a *App) registerJobs(cfg *config.Config) error {
	if err := a.sched.AddSchedule(jobFlush, flushSchedule(cfg), 30*time.Second, func(ctx context.Context) error {
		_, err := a.flusher.Load().Flush(ctx)
		return err
	}); err != nil {
		return err
	}
	return a.sched.AddSchedule(jobReconcile, reconcileSchedule(cfg), 2*time.Minute, func(ctx context.Context) error {
		rep, err := a.reg.Reconcile(ctx)
		if err != nil {
			return err
		}
		if rep.Changed() {
			a.log.Info("registry reconciled",
				logx.Int("removed", rep.Removed),
				logx.Int("added", rep.Added),
				logx.Int("deleted", rep.Deleted),
			)
		}
		return nil
	})
}

// Done is closed when the app supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.started = time.Now()
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	c := a.sup.Context()

	if err := a.adapter.Start(c, a.updates); err != nil {
		return err
	}
	a.notif.Start(c)
	a.sched.Start(c)
	a.ops.Start(c)

	a.sup.Go0("telegram.menu", func(c context.Context) {
		mctx, cancel := context.WithTimeout(c, 10*time.Second)
		defer cancel()
		_ = a.router.PublishMenu(mctx)
	})

	a.sup.Go("telegram.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.updates, a.buf.Ready())
	})

	// Transient board failures are retried inside the poller; it only
	// returns on configuration errors, which become fatal after a few tries.
	a.sup.GoRestart("board.poller", a.poller.Run,
		rtsup.WithRestartBackoff(2*time.Second, time.Minute),
		rtsup.WithMaxRestarts(5),
		rtsup.WithFatalOnFinalError(true),
		rtsup.WithPublishFirstError(true),
	)

	events, unsub := a.bus.Subscribe("", 128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: only the newest config matters.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})

	a.sup.GoRestart("config.watch", a.cfgm.Watch,
		rtsup.WithRestartBackoff(time.Second, 30*time.Second),
		rtsup.WithPublishFirstError(true),
	)

	a.log.Info("app started", logx.String("version", version.Get()))
	return nil
}

// applyConfig pushes the hot-reloadable parts of next into the running
// services. Board, storage, and telegram credentials need a restart.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	ch := config.SummarizeConfigChange(prev, next)
	if ch.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if len(ch.RestartRequired) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.Strings("sections", ch.RestartRequired))
	}

	a.logs.Apply(mapLogConfig(next))

	if ncfg, err := mapNotifierConfig(next); err != nil {
		a.log.Warn("invalid relay config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
	}
	if rcfg, err := mapRouterConfig(next); err != nil {
		a.log.Warn("invalid router config; keeping previous", logx.Err(err))
	} else {
		// The join key feeds the dispatcher too; keep the running one until restart.
		rcfg.JoinKey = a.router.JoinKey()
		a.router.Apply(rcfg)
	}

	if prev.Flush != next.Flush || prev.Reconcile != next.Reconcile {
		a.flusher.Store(a.newFlusher(next))
		a.sched.Apply(mapSchedulerConfig(next))
		if err := a.registerJobs(next); err != nil {
			a.log.Warn("invalid schedule; keeping previous", logx.Err(err))
		}
	}

	a.ops.Reconfigure(ctx, mapOpsConfig(next))

	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Data: ch.Sections})
	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Attrs...)
	a.log.Info("config reloaded", fields...)
}

// Health is the /healthz report.
type Health struct {
	Status      string                    `json:"status"`
	Version     version.Info              `json:"version"`
	Uptime      string                    `json:"uptime"`
	Poller      board.Status              `json:"poller"`
	QueueLength int                       `json:"queue_length"`
	Pending     int64                     `json:"pending"`
	Schedules   []scheduler.ScheduleInfo  `json:"schedules"`
	Supervisors map[string]rtsup.Snapshot `json:"supervisors"`
	BusDropped  uint64                    `json:"bus_dropped"`
	FirstError  string                    `json:"first_error,omitempty"`
}

// Health reports "degraded" while the last poll failed or once the app is
// shutting down.
func (a *App) Health() (any, bool) {
	h := Health{
		Status:      "ok",
		Version:     version.GetInfo(),
		Uptime:      time.Since(a.started).Truncate(time.Second).String(),
		Poller:      a.poller.Status(),
		QueueLength: a.buf.Len(),
		Pending:     a.buf.Pending(),
		Schedules:   a.sched.Snapshot(),
		Supervisors: map[string]rtsup.Snapshot{},
		BusDropped:  a.bus.Dropped(),
	}
	for name, sup := range map[string]*rtsup.Supervisor{
		"app":              a.sup,
		"telegram.adapter": a.adapter.Supervisor(),
		"notifier":         a.notif.Supervisor(),
		"ops":              a.ops.Supervisor(),
	} {
		if sup != nil {
			h.Supervisors[name] = sup.Snapshot()
		}
	}
	if err := a.Err(); err != nil {
		h.FirstError = err.Error()
	}
	healthy := h.Poller.LastError == "" && a.sup != nil && a.sup.Context().Err() == nil
	if !healthy {
		h.Status = "degraded"
	}
	return h, healthy
}

// Stop shuts components down in reverse dependency order. Each step is
// bounded so one stuck component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("adapter", 3*time.Second, a.adapter.Stop)
	// Flush the dedup writer after the last drain so nothing races the store close.
	step("notifier", 2*time.Second, a.notif.Stop)
	step("supervisor", 3*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.buf.Close()
	a.log.Info("stopped")
	return a.logs.Close()
}
