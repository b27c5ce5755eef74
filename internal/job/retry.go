package job

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// NoRetry marks an error as non-retryable.
//
// Jobs can wrap validation errors or other permanent failures with NoRetry so
// a WithRetry wrapper gives up immediately.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// RetryPolicy configures WithRetry. Zero fields fall back to defaults.
type RetryPolicy struct {
	Max      int           // extra attempts after the first one
	Base     time.Duration // first backoff, doubled per attempt
	MaxDelay time.Duration
	Jitter   float64 // 0.2 = 20%
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Max < 0 {
		p.Max = 0
	}
	if p.Base <= 0 {
		p.Base = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 15 * time.Second
	}
	if p.Jitter <= 0 {
		p.Jitter = 0.2
	}
	return p
}

type retryJob struct {
	Job
	policy RetryPolicy

	mu  sync.Mutex
	rng *rand.Rand
}

// WithRetry wraps j so a failed Execute is retried up to policy.Max times with
// jittered exponential backoff. Errors marked with NoRetry stop immediately.
// The waits honour ctx, so the job's timeout bounds the total time spent.
func WithRetry(j Job, policy RetryPolicy) Job {
	return &retryJob{
		Job:    j,
		policy: policy.withDefaults(),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (r *retryJob) Execute(ctx context.Context) error {
	var err error
	for attempt := 1; attempt <= 1+r.policy.Max; attempt++ {
		err = r.Job.Execute(ctx)
		if err == nil {
			return nil
		}
		var nr noRetryError
		if errors.As(err, &nr) {
			return nr.err
		}
		if attempt > r.policy.Max {
			break
		}

		tmr := time.NewTimer(r.delay(attempt))
		select {
		case <-ctx.Done():
			tmr.Stop()
			return errors.Wrapf(err, "retry aborted after %d attempts", attempt)
		case <-tmr.C:
		}
	}
	return errors.Wrapf(err, "gave up after %d attempts", 1+r.policy.Max)
}

func (r *retryJob) delay(retry int) time.Duration {
	r.mu.Lock()
	f := r.rng.Float64()
	r.mu.Unlock()
	return backoffDelay(r.policy, retry, f)
}

// backoffDelay doubles Base per retry, caps at MaxDelay and applies jitter
// using f in [0,1).
func backoffDelay(p RetryPolicy, retry int, f float64) time.Duration {
	d := p.Base
	for i := 1; i < retry; i++ {
		d *= 2
		if d > p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if p.Jitter > 0 {
		d = time.Duration(float64(d) * (1 + (f*2-1)*p.Jitter))
		if d < 0 {
			d = 0
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}
