// Package app wires config, logging, storage, the scheduler and alerting
// into one process and keeps them in sync with config reloads.
package app

import (
	"context"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"jobrunner/internal/alert"
	"jobrunner/internal/clock"
	"jobrunner/internal/config"
	"jobrunner/internal/engine"
	"jobrunner/internal/eventbus"
	rtsup "jobrunner/internal/runtime/supervisor"
	"jobrunner/internal/scheduler"
	"jobrunner/internal/storage"
	logx "jobrunner/pkg/logx"
)

type options struct {
	log    logx.Logger
	hasLog bool
	clk    clock.Clock
	sender alert.Sender
}

type Option func(*options)

// WithLogger replaces the config-driven logging service.
func WithLogger(l logx.Logger) Option {
	return func(o *options) { o.log, o.hasLog = l, true }
}

func WithClock(c clock.Clock) Option { return func(o *options) { o.clk = c } }

// WithAlertSender replaces the Telegram sender.
func WithAlertSender(s alert.Sender) Option { return func(o *options) { o.sender = s } }

type App struct {
	cfgm *config.ConfigManager

	log   logx.Logger
	logs  *logx.Service
	bus   *eventbus.MemBus
	store storage.Store

	eng    *engine.Service
	sched  *scheduler.Scheduler
	alerts *alert.Service

	sup *rtsup.Supervisor

	jobsMu sync.Mutex
	jobs   map[string]managedJob

	// applied is only touched by New and the reload loop.
	applied *config.Config
}

// NewFromFile loads and validates the config at path, then builds the app.
func NewFromFile(path string, opts ...Option) (*App, error) {
	cfgm := config.NewConfigManager(path)
	if _, err := cfgm.Load(); err != nil {
		return nil, err
	}
	return New(cfgm, opts...)
}

// New builds every component from the committed config and registers the
// configured jobs. Nothing runs until Start or RunOnce.
func New(cfgm *config.ConfigManager, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	cfg := cfgm.Get()
	if cfg == nil {
		var err error
		if cfg, err = cfgm.Load(); err != nil {
			return nil, err
		}
	}

	a := &App{cfgm: cfgm, jobs: map[string]managedJob{}, applied: cfg, bus: eventbus.New()}
	if o.hasLog {
		a.log = o.log
	} else {
		a.logs, a.log = logx.New(mapLogConfig(cfg))
	}
	cfgm.SetLogger(a.log)
	a.log = a.log.With(logx.Comp("app"))

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}

	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, a.log)
		if err != nil {
			return nil, err
		}
		a.store = st
		a.log.Info("storage.enabled", logx.String("driver", sc.Driver))
	}

	schedOpts := []scheduler.Option{scheduler.WithLogger(a.log), scheduler.WithBus(a.bus)}
	if o.clk != nil {
		schedOpts = append(schedOpts, scheduler.WithClock(o.clk))
	}
	if schedCfg.Dispatch == scheduler.DispatchPool {
		engCfg, err := mapEngineConfig(cfg)
		if err != nil {
			a.closeStore()
			return nil, err
		}
		a.eng = engine.New(engCfg, a.log, a.bus)
		schedOpts = append(schedOpts, scheduler.WithEngine(a.eng))
	}
	if a.sched, err = scheduler.New(schedCfg, schedOpts...); err != nil {
		a.closeStore()
		return nil, err
	}

	alertCfg, tg, err := mapAlertConfig(cfg)
	if err != nil {
		a.closeStore()
		return nil, err
	}
	var sender alert.Sender = o.sender
	if sender == nil && tg != nil && tg.Enabled {
		ts, err := alert.NewTelegram(tg.Token, tg.ChatID, tg.ThreadID)
		if err != nil {
			a.closeStore()
			return nil, err
		}
		sender = ts
	}
	a.alerts = alert.New(alertCfg, sender, a.log, a.bus, a.store)

	if _, _, _, err := a.reconcile(cfg.Jobs); err != nil {
		a.closeStore()
		return nil, err
	}
	return a, nil
}

func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }

func (a *App) Store() storage.Store { return a.store }

func (a *App) Bus() *eventbus.MemBus { return a.bus }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	sctx := a.sup.Context()

	if a.store != nil {
		events, unsub := a.bus.SubscribeTypes(256, "job.")
		rec := &recorder{store: a.store, log: a.log}
		a.sup.Go("history", func(c context.Context) error {
			defer unsub()
			return rec.loop(c, events)
		})
	}

	a.alerts.Start(sctx)
	if err := a.sched.Start(sctx); err != nil {
		a.sup.Cancel()
		return err
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go("systemd.watchdog", a.watchdogLoop)

	a.sdNotify(daemon.SdNotifyReady)
	a.sdStatus()
	a.log.Info("app.started", logx.Int("jobs", a.sched.Registry().Len()), logx.String("config", a.cfgm.Path()))
	return nil
}

// RunOnce evaluates a single tick at the current instant, waits for what it
// dispatched and records the outcomes. In pool mode, job failures observed
// on the bus are added to the returned Failures.
func (a *App) RunOnce(ctx context.Context) (scheduler.TickEvent, error) {
	events, unsub := a.bus.SubscribeTypes(256, "job.")
	defer unsub()

	if a.eng != nil {
		a.eng.Start(ctx)
	}
	ev := a.sched.Tick(ctx)
	if a.eng != nil {
		for _, f := range ev.Fired {
			for a.eng.Busy(f.RegistrationID) {
				select {
				case <-ctx.Done():
					return ev, ctx.Err()
				case <-time.After(10 * time.Millisecond):
				}
			}
		}
		if err := a.eng.Stop(ctx); err != nil {
			return ev, err
		}
	}
	var rec *recorder
	if a.store != nil {
		rec = &recorder{store: a.store, log: a.log}
	}
	for {
		select {
		case e := <-events:
			if rec != nil {
				rec.handle(ctx, e)
			}
			// Sequential dispatch already reports failures in the tick.
			if a.eng == nil {
				continue
			}
			if je, ok := e.Data.(engine.JobEvent); ok && (e.Type == eventbus.JobFailed || e.Type == eventbus.JobDropped) {
				ev.Failures = append(ev.Failures, scheduler.Failure{RegistrationID: je.RegistrationID, JobName: je.Name, Slot: je.Slot, Error: je.Error})
			}
		default:
			return ev, nil
		}
	}
}

// Stop shuts down in dependency order: the scheduler (letting running jobs
// finish), alerting, background loops, then storage and logging. It is also
// the cleanup after RunOnce.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("app.stopping", logx.String("reason", string(reason)))
	if a.sup != nil {
		a.sdNotify(daemon.SdNotifyStopping)
	}

	a.step(ctx, "scheduler", 10*time.Second, a.sched.Stop)
	a.step(ctx, "alerts", 2*time.Second, a.alerts.Stop)
	if a.sup != nil {
		a.sup.Cancel()
		a.step(ctx, "supervisor", 3*time.Second, a.sup.Wait)
		for _, t := range a.sup.Snapshot() {
			if t.Restarts > 0 || t.Panics > 0 {
				a.log.Warn("app.task_unstable", logx.String("task", t.Name), logx.Uint64("restarts", t.Restarts), logx.Uint64("panics", t.Panics), logx.String("last_err", t.LastErr))
			}
		}
	}
	a.closeStore()

	a.log.Info("app.stopped")
	if a.logs != nil {
		return a.logs.Close()
	}
	return nil
}

// step runs one shutdown step bounded by max, never extending ctx's deadline.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	sctx, cancel := context.WithTimeout(ctx, max)
	defer cancel()
	if err := fn(sctx); err != nil {
		a.log.Warn("app.stop_step_failed", logx.String("step", name), logx.Duration("took", time.Since(start)), logx.Err(err))
		return
	}
	a.log.Debug("app.stop_step_done", logx.String("step", name), logx.Duration("took", time.Since(start)))
}

func (a *App) closeStore() {
	if a.store == nil {
		return
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("storage.close_failed", logx.Err(err))
	}
	a.store = nil
}
