package scheduler

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"jobrunner/internal/engine"
	"jobrunner/internal/eventbus"
	"jobrunner/internal/job"
	"jobrunner/internal/registry"
	logx "jobrunner/pkg/logx"
)

// pruneEvery bounds how often the ledger is swept.
const pruneEvery = time.Hour

type due struct {
	entry *registry.Entry
	slot  string
}

// Tick runs one evaluation cycle at the clock's current instant and returns
// what happened. The loop calls it on every boundary; tests and `run --once`
// call it directly.
func (s *Scheduler) Tick(ctx context.Context) TickEvent {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	s.mu.Lock()
	cfg := s.cfg
	prev := s.lastNow
	if s.state != StateStopped {
		s.state = StateTicking
	}
	s.mu.Unlock()

	started := time.Now()
	now := s.clk.Now().In(cfg.Location)
	ev := TickEvent{TickInstant: now}

	if !prev.IsZero() && now.Before(prev) {
		ev.ClockRegression = true
		s.log.Warn("clock.regression_detected", logx.Time("previous", prev), logx.Time("now", now),
			logx.Duration("delta", prev.Sub(now)))
	}

	// Snapshot is immutable; concurrent (de)registration applies next tick.
	var pending []due
	for _, e := range s.reg.Snapshot() {
		if !e.Schedule.ShouldRun(now) {
			continue
		}
		slot := e.Schedule.SlotKey(now)
		// Marked before execution so a slow or failing run cannot re-fire
		// the same slot on the next tick.
		if !s.ledger.MarkIfNew(e.ID, slot, now) {
			continue
		}
		pending = append(pending, due{entry: e, slot: slot})
	}
	ev.DueCount = len(pending)

	if cfg.Dispatch == DispatchPool {
		s.dispatchPool(&ev, pending)
	} else {
		s.dispatchSequential(ctx, cfg, &ev, pending)
	}
	ev.FiredCount = len(ev.Fired)

	if now.Sub(s.lastPruneAt()) >= pruneEvery || now.Before(s.lastPruneAt()) {
		if n := s.ledger.Prune(now); n > 0 {
			s.log.Debug("ledger.pruned", logx.Int("removed", n), logx.Int("size", s.ledger.Len()))
		}
		s.mu.Lock()
		s.lastPrune = now
		s.mu.Unlock()
	}

	ev.Took = time.Since(started)

	s.mu.Lock()
	s.lastNow = now
	s.ticks++
	last := ev
	s.lastTick = &last
	if s.state != StateStopped {
		s.state = StateIdle
	}
	s.mu.Unlock()

	s.report(ev)
	return ev
}

func (s *Scheduler) lastPruneAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPrune
}

func (s *Scheduler) dispatchSequential(ctx context.Context, cfg Config, ev *TickEvent, pending []due) {
	// Jobs outlive the caller's cancellation; only their timeout stops them.
	base := context.WithoutCancel(ctx)
	for _, d := range pending {
		e := d.entry
		ev.Fired = append(ev.Fired, dispatched(d))

		runCtx, cancel := base, context.CancelFunc(func() {})
		if cfg.JobTimeout > 0 {
			runCtx, cancel = context.WithTimeout(base, cfg.JobTimeout)
		}
		begin := time.Now()
		err := job.Run(runCtx, e.Job)
		cancel()

		fields := []logx.Field{logx.Job(e.Name()), logx.Slot(d.slot), logx.Duration("dur", time.Since(begin))}
		if err != nil {
			ev.Failures = append(ev.Failures, Failure{RegistrationID: e.ID, JobName: e.Name(), Slot: d.slot, Error: err.Error(), Err: err})
			s.log.Warn("job.failed", append(fields, logx.Err(err))...)
			s.publishJob(eventbus.JobFailed, e, d.slot, begin, err)
			continue
		}
		s.log.Info("job.finished", fields...)
		s.publishJob(eventbus.JobFinished, e, d.slot, begin, nil)
	}
}

func (s *Scheduler) dispatchPool(ev *TickEvent, pending []due) {
	for _, d := range pending {
		e := d.entry
		j := e.Job
		err := s.eng.Enqueue(engine.Task{
			RegistrationID: e.ID,
			Name:           j.Name(),
			Slot:           d.slot,
			Run:            func(ctx context.Context) error { return job.Run(ctx, j) },
		})
		switch {
		case err == nil:
			ev.Fired = append(ev.Fired, dispatched(d))
		case errors.Is(err, engine.ErrOverlapSkip):
			ev.Skipped = append(ev.Skipped, dispatched(d))
		default:
			ev.Failures = append(ev.Failures, Failure{RegistrationID: e.ID, JobName: e.Name(), Slot: d.slot, Error: err.Error(), Err: err})
			s.log.Warn("job.dispatch_failed", logx.Job(e.Name()), logx.Slot(d.slot), logx.Err(err))
		}
	}
}

func dispatched(d due) Dispatched {
	return Dispatched{RegistrationID: d.entry.ID, JobName: d.entry.Name(), Priority: d.entry.Priority(), Slot: d.slot}
}

// publishJob mirrors the engine's job.* events for sequential dispatch so
// subscribers see the same stream in both modes.
func (s *Scheduler) publishJob(typ string, e *registry.Entry, slot string, begin time.Time, err error) {
	if s.bus == nil {
		return
	}
	je := engine.JobEvent{RegistrationID: e.ID, Name: e.Name(), Slot: slot, Started: begin, Duration: time.Since(begin)}
	if err != nil {
		je.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: je})
}

func (s *Scheduler) report(ev TickEvent) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TickCompleted, Time: ev.TickInstant, Data: ev})
	}
	if ev.DueCount == 0 && !ev.ClockRegression {
		s.log.Trace("tick.completed", logx.Time("at", ev.TickInstant))
		return
	}
	fired := make([]string, 0, len(ev.Fired))
	for _, f := range ev.Fired {
		fired = append(fired, f.JobName)
	}
	s.log.Info("tick.completed",
		logx.Time("at", ev.TickInstant),
		logx.Int("due", ev.DueCount),
		logx.Int("fired", ev.FiredCount),
		logx.Strings("jobs", fired),
		logx.Int("skipped", len(ev.Skipped)),
		logx.Int("failures", len(ev.Failures)),
		logx.Duration("took", ev.Took),
	)
}
