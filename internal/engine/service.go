package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"jobrunner/internal/eventbus"
	rtsup "jobrunner/internal/runtime/supervisor"
	logx "jobrunner/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Service is a fixed-size worker pool with a bounded, non-blocking queue.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	q        chan queuedTask
	base     context.Context
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopping bool

	stateMu sync.Mutex
	states  map[string]*RunState

	hmu     sync.Mutex
	history []HistoryItem

	idSeq    atomic.Uint64
	inFlight atomic.Int32

	dropped          atomic.Uint64
	droppedQueueFull atomic.Uint64
	droppedStale     atomic.Uint64
	overlapSkipped   atomic.Uint64

	lastQueueFullWarnAt atomic.Int64
	lastStaleWarnAt     atomic.Int64
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
	timeout    time.Duration
	state      *RunState
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	return &Service{
		cfg:    cfg.withDefaults(),
		log:    log.With(logx.Comp("engine")),
		bus:    bus,
		states: make(map[string]*RunState),
	}
}

// Start launches the workers. Jobs run with a context derived from ctx that
// is not canceled when ctx is; Stop lets in-flight jobs finish.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	s.q = make(chan queuedTask, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopping = false
	s.base = context.WithoutCancel(ctx)
	s.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log))
	sup, stopCh, queue := s.sup, s.stopCh, s.q
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.worker(c, stopCh, queue)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("engine.started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop stops accepting tasks, drops what is still queued and waits for
// running jobs to return (bounded by ctx).
func (s *Service) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil || s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	close(s.stopCh)
	sup, q := s.sup, s.q
	s.mu.Unlock()

	sup.Cancel()
	err := sup.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.log.Warn("engine.stop_timeout", logx.Err(err), logx.Int("in_flight", int(s.inFlight.Load())))
		return err
	}

drain:
	for {
		select {
		case qt := <-q:
			qt.state.release()
			s.onDropped(time.Now(), qt.task, "stopped")
		default:
			break drain
		}
	}

	s.mu.Lock()
	s.q, s.stopCh, s.sup, s.stopping = nil, nil, nil, false
	s.mu.Unlock()
	s.log.Info("engine.stopped")
	return nil
}

// Enqueue offers t to the pool without blocking.
func (s *Service) Enqueue(t Task) error {
	if t.Run == nil {
		return errors.New("task Run is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return errors.New("task Name is required")
	}
	now := time.Now()
	if t.ID == "" {
		t.ID = fmt.Sprintf("run-%x-%x", now.UnixNano(), s.idSeq.Add(1))
	}

	s.mu.Lock()
	cfg, q, stopping := s.cfg, s.q, s.stopping
	s.mu.Unlock()
	if q == nil || stopping {
		return ErrStopped
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}

	st := s.stateFor(t.RegistrationID, t.Name)
	if !st.tryAcquire() {
		s.overlapSkipped.Add(1)
		s.publish(eventbus.JobOverlapSkipped, now, JobEvent{ID: t.ID, RegistrationID: t.RegistrationID, Name: t.Name, Slot: t.Slot, Started: now, Error: "overlap_skip"})
		s.log.Info("job.overlap_skipped", logx.Job(t.Name), logx.Slot(t.Slot))
		return ErrOverlapSkip
	}

	select {
	case q <- queuedTask{task: t, enqueuedAt: now, timeout: timeout, state: st}:
		return nil
	default:
		st.release()
		s.droppedQueueFull.Add(1)
		s.onDropped(now, t, "queue_full")
		return ErrQueueFull
	}
}

// Busy reports whether a task for the registration is queued or running.
func (s *Service) Busy(registrationID string) bool {
	s.stateMu.Lock()
	st := s.states[registrationID]
	s.stateMu.Unlock()
	return st != nil && st.busy()
}

// Forget drops the overlap state of a deregistered id.
func (s *Service) Forget(registrationID string) {
	s.stateMu.Lock()
	delete(s.states, registrationID)
	s.stateMu.Unlock()
}

// Idle reports whether nothing is queued or running.
func (s *Service) Idle() bool {
	s.mu.Lock()
	q := s.q
	s.mu.Unlock()
	return (q == nil || len(q) == 0) && s.inFlight.Load() == 0
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg, q, running := s.cfg, s.q, s.stopCh != nil && !s.stopping
	s.mu.Unlock()

	snap := Snapshot{
		Running:          running,
		Workers:          cfg.Workers,
		InFlight:         int(s.inFlight.Load()),
		Timeout:          cfg.DefaultTimeout,
		Dropped:          s.dropped.Load(),
		DroppedQueueFull: s.droppedQueueFull.Load(),
		DroppedStale:     s.droppedStale.Load(),
		OverlapSkipped:   s.overlapSkipped.Load(),
	}
	if q != nil {
		snap.QueueLen, snap.QueueCap = len(q), cap(q)
	}
	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

func (s *Service) stateFor(registrationID, name string) *RunState {
	key := strings.TrimSpace(registrationID)
	if key == "" {
		key = "name:" + name
	}
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	st := s.states[key]
	if st == nil {
		st = &RunState{}
		s.states[key] = st
	}
	return st
}

func (s *Service) record(item HistoryItem) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}

func (s *Service) publish(typ string, at time.Time, ev JobEvent) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: at, Data: ev})
	}
}

func shouldWarn(last *atomic.Int64, now time.Time) bool {
	prev := last.Load()
	n := now.UnixNano()
	if prev != 0 && n-prev < int64(warnThrottleEvery) {
		return false
	}
	return last.CompareAndSwap(prev, n)
}

func (s *Service) onDropped(now time.Time, t Task, reason string) {
	s.dropped.Add(1)
	s.publish(eventbus.JobDropped, now, JobEvent{ID: t.ID, RegistrationID: t.RegistrationID, Name: t.Name, Slot: t.Slot, Started: now, Error: reason})
	switch reason {
	case "queue_full":
		if !shouldWarn(&s.lastQueueFullWarnAt, now) {
			return
		}
	case "stale_queue_delay":
		if !shouldWarn(&s.lastStaleWarnAt, now) {
			return
		}
	}
	s.log.Warn("job.dropped", logx.Job(t.Name), logx.Slot(t.Slot), logx.String("reason", reason),
		logx.Uint64("dropped", s.dropped.Load()))
}
