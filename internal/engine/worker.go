package engine

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/cockroachdb/errors"

	"jobrunner/internal/eventbus"
	logx "jobrunner/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedTask) {
	for {
		// A closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qt := <-queue:
			s.inFlight.Add(1)
			s.execOne(qt)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) execOne(qt queuedTask) {
	defer qt.state.release()

	start := time.Now()
	queueDelay := start.Sub(qt.enqueuedAt)
	if queueDelay < 0 {
		queueDelay = 0
	}
	t := qt.task

	s.mu.Lock()
	maxDelay, base := s.cfg.MaxQueueDelay, s.base
	s.mu.Unlock()

	if maxDelay > 0 && queueDelay > maxDelay {
		s.droppedStale.Add(1)
		s.onDropped(start, t, "stale_queue_delay")
		s.record(HistoryItem{ID: t.ID, RegistrationID: t.RegistrationID, Name: t.Name, Slot: t.Slot, Started: start, QueueDelay: queueDelay, Error: "stale_queue_delay"})
		return
	}

	s.log.Debug("job.started", logx.Job(t.Name), logx.Slot(t.Slot), logx.Duration("queue_delay", queueDelay))
	s.publish(eventbus.JobStarted, start, JobEvent{ID: t.ID, RegistrationID: t.RegistrationID, Name: t.Name, Slot: t.Slot, Started: start, QueueDelay: queueDelay})

	if base == nil {
		base = context.Background()
	}
	runCtx, cancel := base, context.CancelFunc(func() {})
	if qt.timeout > 0 {
		runCtx, cancel = context.WithTimeout(base, qt.timeout)
	}
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = errors.Newf("panic: %v", r)
				s.log.Error("job.panic", logx.Job(t.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		return t.Run(runCtx)
	}()
	cancel()

	dur := time.Since(start)
	item := HistoryItem{ID: t.ID, RegistrationID: t.RegistrationID, Name: t.Name, Slot: t.Slot, Started: start, QueueDelay: queueDelay, Duration: dur}
	ev := JobEvent{ID: t.ID, RegistrationID: t.RegistrationID, Name: t.Name, Slot: t.Slot, Started: start, QueueDelay: queueDelay, Duration: dur}
	if err != nil {
		item.Error = err.Error()
		ev.Error = item.Error
		s.log.Warn("job.failed", logx.Job(t.Name), logx.Slot(t.Slot), logx.Err(err), logx.Duration("dur", dur))
		s.publish(eventbus.JobFailed, time.Now(), ev)
	} else {
		if dur >= 750*time.Millisecond {
			s.log.Info("job.finished", logx.Job(t.Name), logx.Slot(t.Slot), logx.Duration("dur", dur))
		} else {
			s.log.Debug("job.finished", logx.Job(t.Name), logx.Slot(t.Slot), logx.Duration("dur", dur))
		}
		s.publish(eventbus.JobFinished, time.Now(), ev)
	}
	s.record(item)
}
