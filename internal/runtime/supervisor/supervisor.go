// Package supervisor owns the long-lived goroutines of a component: each
// runs under a shared context, panics become errors, and loops started with
// GoRestart come back after a failure.
package supervisor

import (
	"cmp"
	"context"
	"math/rand/v2"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	logx "jobrunner/pkg/logx"
)

// A restarted task whose last run lasted this long starts over at the
// minimum backoff.
const healthyRun = 30 * time.Second

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	wg       sync.WaitGroup
	waitOnce sync.Once
	waited   chan struct{}

	mu    sync.Mutex
	err   error
	tasks map[string]*TaskStats
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the shared context on the first fatal task error.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

// TaskStats counts what happened to one named task.
type TaskStats struct {
	Name     string
	Running  int
	Runs     uint64
	Restarts uint64
	Panics   uint64
	LastErr  string
}

func NewSupervisor(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		log:    logx.Nop(),
		waited: make(chan struct{}),
		tasks:  map[string]*TaskStats{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Err is the first recorded task error.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Active is the number of tasks currently inside fn.
func (s *Supervisor) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tasks {
		n += t.Running
	}
	return n
}

// Snapshot returns per-task counters sorted by name.
func (s *Supervisor) Snapshot() []TaskStats {
	s.mu.Lock()
	out := make([]TaskStats, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, *t)
	}
	s.mu.Unlock()
	slices.SortFunc(out, func(a, b TaskStats) int { return cmp.Compare(a.Name, b.Name) })
	return out
}

// Go runs fn once. An error other than cancellation, or a panic, is fatal.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.call(name, fn, false); err != nil {
			s.fail(errors.Wrap(err, name))
		}
	}()
}

type restartPolicy struct {
	min, max    time.Duration
	maxRestarts int
	record      bool
}

type RestartOption func(*restartPolicy)

// WithRestartBackoff bounds the doubling delay between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if min > 0 {
			p.min = min
		}
		if max > 0 {
			p.max = max
		}
	}
}

// WithMaxRestarts makes the task fatal after n restarts. n <= 0 means never.
func WithMaxRestarts(n int) RestartOption { return func(p *restartPolicy) { p.maxRestarts = n } }

// WithPublishFirstError records a failure as the supervisor error even
// though the task is restarted.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.record = enabled }
}

// GoRestart runs fn until it returns nil or the context ends, restarting it
// after an error or panic.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	p := restartPolicy{min: 250 * time.Millisecond, max: 30 * time.Second}
	for _, o := range opts {
		o(&p)
	}
	p.max = max(p.max, p.min)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		delay := p.min
		for restarts := 0; ; restarts++ {
			began := time.Now()
			err := s.call(name, fn, restarts > 0)
			if err == nil || s.ctx.Err() != nil {
				return
			}
			if p.record {
				s.record(errors.Wrap(err, name))
			}
			if p.maxRestarts > 0 && restarts >= p.maxRestarts {
				s.log.Error("goroutine.gave_up", logx.String("name", name), logx.Int("restarts", restarts), logx.Err(err))
				s.fail(errors.Wrap(err, name))
				return
			}
			if time.Since(began) >= healthyRun {
				delay = p.min
			}
			wait := delay + rand.N(delay/5+1)
			s.log.Warn("goroutine.restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(wait):
			}
			delay = min(2*delay, p.max)
		}
	}()
}

// call runs fn with bookkeeping. Cancellation is not an error.
func (s *Supervisor) call(name string, fn func(ctx context.Context) error, restart bool) (err error) {
	s.mu.Lock()
	t := s.tasks[name]
	if t == nil {
		t = &TaskStats{Name: name}
		s.tasks[name] = t
	}
	t.Runs++
	t.Running++
	if restart {
		t.Restarts++
	}
	s.mu.Unlock()

	panicked := false
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			err = errors.Newf("panic in %s: %v", name, r)
			s.log.Error("goroutine.panic", logx.String("name", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		s.mu.Lock()
		t.Running--
		if panicked {
			t.Panics++
		}
		if err != nil {
			t.LastErr = err.Error()
		}
		s.mu.Unlock()
	}()
	return fn(s.ctx)
}

// Stop cancels the context and waits for every task.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every task returned or ctx ends.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.waitOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.waited)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.waited:
		return s.Err()
	}
}

func (s *Supervisor) fail(err error) {
	s.record(err)
	if s.cancelOnErr {
		s.cancel()
	}
}

func (s *Supervisor) record(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}
