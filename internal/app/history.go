package app

import (
	"context"
	"time"

	"jobrunner/internal/engine"
	"jobrunner/internal/eventbus"
	"jobrunner/internal/storage"
	logx "jobrunner/pkg/logx"
)

// recorder persists job outcomes from the bus as run history.
type recorder struct {
	store storage.Store
	log   logx.Logger
}

func runStatus(typ string) (string, bool) {
	switch typ {
	case eventbus.JobFinished:
		return storage.StatusOK, true
	case eventbus.JobFailed:
		return storage.StatusFailed, true
	case eventbus.JobOverlapSkipped:
		return storage.StatusSkipped, true
	case eventbus.JobDropped:
		return storage.StatusDropped, true
	}
	return "", false
}

func (r *recorder) handle(ctx context.Context, e eventbus.Event) {
	status, ok := runStatus(e.Type)
	if !ok {
		return
	}
	je, ok := e.Data.(engine.JobEvent)
	if !ok {
		return
	}
	at := je.Started
	if at.IsZero() {
		at = e.Time
	}
	rec := storage.RunRecord{
		At:             at,
		RegistrationID: je.RegistrationID,
		Job:            je.Name,
		Slot:           je.Slot,
		Status:         status,
		TookMS:         je.Duration.Milliseconds(),
		QueueDelayMS:   je.QueueDelay.Milliseconds(),
	}
	if status != storage.StatusOK {
		rec.Error = je.Error
	}
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := r.store.AppendRun(wctx, rec); err != nil {
		r.log.Warn("history.append_failed", logx.Job(je.Name), logx.Err(err))
	}
}

func (r *recorder) loop(ctx context.Context, events <-chan eventbus.Event) error {
	for {
		select {
		case <-ctx.Done():
			r.drain(context.WithoutCancel(ctx), events)
			return ctx.Err()
		case e, ok := <-events:
			if !ok {
				return nil
			}
			r.handle(ctx, e)
		}
	}
}

// drain handles whatever is already buffered.
func (r *recorder) drain(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case e, ok := <-events:
			if !ok {
				return
			}
			r.handle(ctx, e)
		default:
			return
		}
	}
}
