package job

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sony/gobreaker"
)

// BreakerPolicy configures WithBreaker.
type BreakerPolicy struct {
	// TripFailures is the number of consecutive failures that opens the circuit.
	TripFailures uint32
	// OpenTimeout is how long the circuit stays open before a trial run.
	OpenTimeout time.Duration
	// OnStateChange is optional.
	OnStateChange func(name string, from, to gobreaker.State)
}

// ErrCircuitOpen is returned (wrapped) when the breaker rejects a run.
var ErrCircuitOpen = errors.New("job skipped: circuit breaker open")

type breakerJob struct {
	Job
	cb *gobreaker.CircuitBreaker
}

// WithBreaker wraps j with a consecutive-failure circuit breaker. While the
// circuit is open Execute fails fast with ErrCircuitOpen, which still counts
// as a failed occurrence for the tick that dispatched it.
func WithBreaker(j Job, p BreakerPolicy) Job {
	trip := p.TripFailures
	if trip == 0 {
		trip = 5
	}
	timeout := p.OpenTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	st := gobreaker.Settings{
		Name:        j.Name(),
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= trip
		},
		IsSuccessful: func(err error) bool {
			// A cancelled run says nothing about the downstream's health.
			return err == nil || errors.Is(err, context.Canceled)
		},
	}
	if p.OnStateChange != nil {
		st.OnStateChange = p.OnStateChange
	}
	return &breakerJob{Job: j, cb: gobreaker.NewCircuitBreaker(st)}
}

func (b *breakerJob) Execute(ctx context.Context) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.Job.Execute(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return errors.Mark(errors.Wrap(err, b.Name()), ErrCircuitOpen)
	}
	return err
}

// State reports the breaker state of a job built by WithBreaker.
// ok is false for any other job.
func State(j Job) (gobreaker.State, bool) {
	if b, ok := j.(*breakerJob); ok {
		return b.cb.State(), true
	}
	return gobreaker.StateClosed, false
}

type timeoutJob struct {
	Job
	d time.Duration
}

// WithTimeout bounds each Execute of j by d. d <= 0 returns j unchanged.
func WithTimeout(j Job, d time.Duration) Job {
	if d <= 0 {
		return j
	}
	return &timeoutJob{Job: j, d: d}
}

func (t *timeoutJob) Execute(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return t.Job.Execute(ctx)
}
