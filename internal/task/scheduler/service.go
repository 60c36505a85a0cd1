package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/robfig/cron/v3"

	logx "cardrelay/pkg/logx"
)

var runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "cardrelay",
	Subsystem: "scheduler",
	Name:      "runs_total",
	Help:      "Scheduled job runs by job and result.",
}, []string{"job", "result"})

type Config struct {
	// Timezone is an IANA name ("Asia/Jakarta"); empty or "Local" uses the host zone.
	Timezone string
}

// Job is one scheduled unit of work. A non-nil error is logged.
type Job func(ctx context.Context) error

type ScheduleInfo struct {
	Name     string        `json:"name"`
	Spec     string        `json:"spec"`
	Timeout  time.Duration `json:"timeout"`
	Next     time.Time     `json:"next"`
	Prev     time.Time     `json:"prev"`
	Runs     uint64        `json:"runs"`
	LastErr  string        `json:"last_err,omitempty"`
	LastTook time.Duration `json:"last_took"`
}

type def struct {
	name    string
	spec    string
	sched   cron.Schedule
	timeout time.Duration
	job     Job
	entryID cron.EntryID

	runs     uint64
	lastErr  string
	lastTook time.Duration
}

// Service owns one cron runner. Definitions survive Stop/Start and
// timezone changes.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	parser cron.Parser
	rng    *rand.Rand

	ctx    context.Context
	cancel context.CancelFunc
	c      *cron.Cron
	defs   map[string]*def
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		log: log.With(logx.String("comp", "scheduler")),
		parser: cronParser,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		defs:   map[string]*def{},
	}
}

// Apply swaps the timezone; a running cron is rebuilt with every definition.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	changed := strings.TrimSpace(s.cfg.Timezone) != strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg
	old := s.c
	if !changed || old == nil {
		s.mu.Unlock()
		return
	}
	s.c = nil
	s.mu.Unlock()

	// Running jobs take s.mu when they finish; wait for them unlocked.
	<-old.Stop().Done()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil && s.ctx != nil && s.ctx.Err() == nil {
		s.startCronLocked()
		s.log.Info("scheduler timezone changed", logx.String("tz", s.loc.String()))
	}
}

// Start begins triggering. Jobs receive contexts derived from ctx.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.startCronLocked()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

// Stop halts triggering and waits for running jobs until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	cancel := s.cancel
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out; canceling running jobs")
	}
	if cancel != nil {
		cancel()
	}
}

func (s *Service) startCronLocked() {
	s.loc = loadLocation(s.cfg.Timezone, s.log)
	cl := cronLogger{log: s.log}
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	for _, d := range s.defs {
		s.registerLocked(d)
	}
	s.c.Start()
}

func loadLocation(tz string, log logx.Logger) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" || strings.EqualFold(tz, "local") {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Warn("invalid timezone; using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// AddSchedule registers (or replaces) the job called name.
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("schedule name required")
	}
	if job == nil {
		return fmt.Errorf("schedule %s: nil job", name)
	}
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	d := &def{name: name, timeout: timeout, job: job}
	switch ps.Kind {
	case SpecCron:
		sched, err := s.parser.Parse(ps.Cron)
		if err != nil {
			return fmt.Errorf("schedule %s: %w", name, err)
		}
		d.spec, d.sched = ps.Cron, sched
	case SpecInterval:
		d.spec = "@every " + ps.Every.String()
		d.sched = intervalWithSpread(ps.Every, time.Now(), s.rng)
	}

	if old, ok := s.defs[name]; ok && s.c != nil {
		s.c.Remove(old.entryID)
	}
	s.defs[name] = d
	if s.c != nil {
		s.registerLocked(d)
	}
	s.log.Debug("schedule registered", logx.String("name", name), logx.String("spec", d.spec), logx.Duration("timeout", timeout))
	return nil
}

// Remove unregisters name. It reports whether it existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.defs[name]
	if !ok {
		return false
	}
	if s.c != nil {
		s.c.Remove(d.entryID)
	}
	delete(s.defs, name)
	return true
}

func (s *Service) registerLocked(d *def) {
	d.entryID = s.c.Schedule(d.sched, cron.FuncJob(func() { s.run(d) }))
}

// RunNow runs name synchronously, outside the cron chain.
func (s *Service) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	d, ok := s.defs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("schedule %s: not found", name)
	}
	return s.exec(ctx, d)
}

func (s *Service) run(d *def) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	_ = s.exec(ctx, d)
}

func (s *Service) exec(ctx context.Context, d *def) error {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	start := time.Now()
	err := d.job(ctx)
	took := time.Since(start)

	s.mu.Lock()
	d.runs++
	d.lastTook = took
	d.lastErr = ""
	if err != nil {
		d.lastErr = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		runsTotal.WithLabelValues(d.name, "error").Inc()
		s.log.Warn("scheduled job failed", logx.String("name", d.name), logx.Duration("took", took), logx.Err(err))
		return err
	}
	runsTotal.WithLabelValues(d.name, "ok").Inc()
	s.log.Debug("scheduled job done", logx.String("name", d.name), logx.Duration("took", took))
	return nil
}

// Snapshot lists schedules by name with their next and previous fire times.
func (s *Service) Snapshot() []ScheduleInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduleInfo, 0, len(s.defs))
	for _, d := range s.defs {
		info := ScheduleInfo{
			Name:     d.name,
			Spec:     d.spec,
			Timeout:  d.timeout,
			Runs:     d.runs,
			LastErr:  d.lastErr,
			LastTook: d.lastTook,
		}
		if s.c != nil {
			e := s.c.Entry(d.entryID)
			info.Next, info.Prev = e.Next, e.Prev
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
