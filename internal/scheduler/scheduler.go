// Package scheduler drives the tick loop: every interval it reads the clock,
// snapshots the registry, evaluates each schedule, filters occurrences that
// already fired and dispatches the rest in priority order.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"jobrunner/internal/clock"
	"jobrunner/internal/engine"
	"jobrunner/internal/eventbus"
	"jobrunner/internal/job"
	"jobrunner/internal/ledger"
	"jobrunner/internal/registry"
	rtsup "jobrunner/internal/runtime/supervisor"
	"jobrunner/internal/schedule"
	logx "jobrunner/pkg/logx"
)

type Option func(*Scheduler)

func WithClock(c clock.Clock) Option { return func(s *Scheduler) { s.clk = c } }

func WithLogger(l logx.Logger) Option { return func(s *Scheduler) { s.log = l } }

func WithBus(b eventbus.Bus) Option { return func(s *Scheduler) { s.bus = b } }

// WithEngine sets the pool used in DispatchPool mode. The scheduler starts
// and stops it.
func WithEngine(e *engine.Service) Option { return func(s *Scheduler) { s.eng = e } }

func WithRegistry(r *registry.Registry) Option { return func(s *Scheduler) { s.reg = r } }

// Scheduler is an explicitly owned instance; nothing here is process-global.
type Scheduler struct {
	clk    clock.Clock
	log    logx.Logger
	bus    eventbus.Bus
	reg    *registry.Registry
	ledger *ledger.Ledger
	eng    *engine.Service

	// tickMu serializes ticks so dispatch order is never interleaved.
	tickMu sync.Mutex

	mu        sync.Mutex
	cfg       Config
	state     State
	started   bool
	stopping  bool
	sup       *rtsup.Supervisor
	lastNow   time.Time
	lastPrune time.Time
	lastTick  *TickEvent
	ticks     uint64
}

func New(cfg Config, opts ...Option) (*Scheduler, error) {
	cfg = cfg.withDefaults()
	if cfg.Dispatch != DispatchSequential && cfg.Dispatch != DispatchPool {
		return nil, errors.Newf("unknown dispatch mode %q", cfg.Dispatch)
	}
	s := &Scheduler{cfg: cfg, clk: clock.Real()}
	for _, o := range opts {
		o(s)
	}
	if s.reg == nil {
		s.reg = registry.New()
	}
	if cfg.Dispatch == DispatchPool && s.eng == nil {
		s.eng = engine.New(engine.Config{DefaultTimeout: cfg.JobTimeout}, s.log, s.bus)
	}
	s.ledger = ledger.New(cfg.LedgerHorizon)
	s.log = s.log.With(logx.Comp("scheduler"))
	return s, nil
}

// Register adds j with sched and returns its registration id. It takes
// effect from the next tick.
func (s *Scheduler) Register(j job.Job, sched schedule.Schedule) (string, error) {
	id, err := s.reg.Register(j, sched)
	if err != nil {
		return "", err
	}
	s.log.Info("job.registered", logx.Job(j.Name()), logx.String("id", id),
		logx.String("priority", j.Priority().String()), logx.String("schedule", sched.String()))
	return id, nil
}

// Deregister removes a registration. A tick already in progress still
// dispatches from the snapshot it holds.
func (s *Scheduler) Deregister(id string) bool {
	e, err := s.reg.Get(id)
	if err != nil {
		return false
	}
	if !s.reg.Deregister(id) {
		return false
	}
	s.ledger.Forget(id)
	if s.eng != nil {
		s.eng.Forget(id)
	}
	s.log.Info("job.deregistered", logx.Job(e.Name()), logx.String("id", id))
	return true
}

func (s *Scheduler) Registry() *registry.Registry { return s.reg }

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Location is the timezone schedules are evaluated in.
func (s *Scheduler) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Location
}

// SetInterval changes the cadence; the loop picks it up at its next wait.
func (s *Scheduler) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.cfg.Interval = d
	s.mu.Unlock()
}

// Start runs the ticker loop until Stop or ctx ends. In pool mode the
// engine is started too.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.started = true
	s.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log))
	sup := s.sup
	cfg := s.cfg
	s.mu.Unlock()

	if cfg.Dispatch == DispatchPool {
		s.eng.Start(ctx)
	}
	sup.GoRestart("ticker", s.loop, rtsup.WithPublishFirstError(true))
	s.log.Info("scheduler.started", logx.Duration("interval", cfg.Interval), logx.String("dispatch", string(cfg.Dispatch)),
		logx.String("tz", cfg.Location.String()), logx.Int("jobs", s.reg.Len()))
	return nil
}

// Stop ends the loop at the next tick boundary. A tick in progress finishes
// its dispatch; running jobs are not interrupted. Stop is terminal and
// returns ctx's error if a tick is still dispatching when ctx ends.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	s.state = StateStopped
	sup := s.sup
	s.mu.Unlock()

	var err error
	if sup != nil {
		sup.Cancel()
		if werr := sup.Wait(ctx); errors.Is(werr, context.DeadlineExceeded) || errors.Is(werr, context.Canceled) {
			err = werr
		}
	}
	if err == nil {
		err = s.waitTick(ctx)
	}

	if s.eng != nil {
		if eerr := s.eng.Stop(ctx); eerr != nil && err == nil {
			err = eerr
		}
	}
	s.log.Info("scheduler.stopped", logx.Err(err))
	return err
}

// waitTick blocks until no tick holds tickMu or ctx ends. On timeout the
// helper goroutine exits once the hung tick returns.
func (s *Scheduler) waitTick(ctx context.Context) error {
	idle := make(chan struct{})
	go func() {
		s.tickMu.Lock()
		s.tickMu.Unlock()
		close(idle)
	}()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		s.log.Warn("scheduler.stop_timeout", logx.Err(ctx.Err()))
		return ctx.Err()
	}
}

func (s *Scheduler) loop(ctx context.Context) error {
	// A canceled start context ends the scheduler just like Stop.
	defer func() {
		if ctx.Err() == nil {
			return
		}
		s.mu.Lock()
		s.state = StateStopped
		s.mu.Unlock()
	}()
	for {
		s.mu.Lock()
		interval, loc := s.cfg.Interval, s.cfg.Location
		s.mu.Unlock()

		now := s.clk.Now()
		wait := clock.NextBoundary(now.In(loc), interval).Sub(now)
		if wait <= 0 {
			wait = interval
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		s.Tick(ctx)
	}
}
