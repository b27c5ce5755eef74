package job

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePriority(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want Priority
		err  bool
	}{
		{in: "high", want: PriorityHigh},
		{in: " LOW ", want: PriorityLow},
		{in: "", want: PriorityMedium},
		{in: "urgent", err: true},
	}
	for _, tt := range tests {
		got, err := ParsePriority(tt.in)
		if tt.err {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
	assert.Less(t, PriorityHigh.Rank(), PriorityMedium.Rank())
	assert.Less(t, PriorityMedium.Rank(), PriorityLow.Rank())
}

func TestValidate(t *testing.T) {
	t.Parallel()
	assert.ErrorIs(t, Validate(nil), ErrNilJob)
	assert.ErrorIs(t, Validate(Func("  ", PriorityHigh, nil)), ErrEmptyName)
	assert.Error(t, Validate(Func("x", Priority(9), nil)))
	assert.NoError(t, Validate(Func("x", PriorityLow, nil)))
}

func TestRunWrapsFailuresAndPanics(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")

	err := Run(context.Background(), Func("email", PriorityHigh, func(context.Context) error { return boom }))
	var ee *ExecutionError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, "email", ee.Job)
	assert.ErrorIs(t, err, boom)

	err = Run(context.Background(), Func("backup", PriorityLow, func(context.Context) error { panic("disk gone") }))
	require.ErrorAs(t, err, &ee)
	assert.Contains(t, err.Error(), "disk gone")

	assert.NoError(t, Run(context.Background(), Func("ok", PriorityLow, nil)))
}

func TestWithRetry(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	j := WithRetry(Func("flaky", PriorityMedium, func(context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}), RetryPolicy{Max: 3, Base: time.Millisecond, MaxDelay: 2 * time.Millisecond})

	require.NoError(t, j.Execute(context.Background()))
	assert.EqualValues(t, 3, calls.Load())
	assert.Equal(t, "flaky", j.Name())
	assert.Equal(t, PriorityMedium, j.Priority())
}

func TestWithRetryGivesUp(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	boom := errors.New("boom")
	j := WithRetry(Func("bad", PriorityLow, func(context.Context) error {
		calls.Add(1)
		return boom
	}), RetryPolicy{Max: 2, Base: time.Millisecond, MaxDelay: time.Millisecond})

	err := j.Execute(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.EqualValues(t, 3, calls.Load())
}

func TestWithRetryHonoursNoRetry(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	bad := errors.New("bad input")
	j := WithRetry(Func("strict", PriorityLow, func(context.Context) error {
		calls.Add(1)
		return NoRetry(bad)
	}), RetryPolicy{Max: 5, Base: time.Millisecond})

	err := j.Execute(context.Background())
	assert.ErrorIs(t, err, bad)
	assert.False(t, IsNoRetry(err))
	assert.EqualValues(t, 1, calls.Load())
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()
	p := RetryPolicy{Base: 100 * time.Millisecond, MaxDelay: time.Second, Jitter: 0.2}

	// f=0.5 means zero jitter.
	assert.Equal(t, 100*time.Millisecond, backoffDelay(p, 1, 0.5))
	assert.Equal(t, 200*time.Millisecond, backoffDelay(p, 2, 0.5))
	assert.Equal(t, 400*time.Millisecond, backoffDelay(p, 3, 0.5))
	assert.Equal(t, time.Second, backoffDelay(p, 10, 0.5))
	assert.Equal(t, time.Second, backoffDelay(p, 10, 0.99))
	assert.Equal(t, 80*time.Millisecond, backoffDelay(p, 1, 0))
}

func TestWithBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	j := WithBreaker(Func("smtp", PriorityHigh, func(context.Context) error {
		calls.Add(1)
		return errors.New("connection refused")
	}), BreakerPolicy{TripFailures: 2, OpenTimeout: time.Hour})

	for i := 0; i < 2; i++ {
		err := j.Execute(context.Background())
		require.Error(t, err)
		assert.False(t, errors.Is(err, ErrCircuitOpen))
	}
	st, ok := State(j)
	require.True(t, ok)
	assert.Equal(t, gobreaker.StateOpen, st)

	err := j.Execute(context.Background())
	assert.True(t, errors.Is(err, ErrCircuitOpen))
	assert.EqualValues(t, 2, calls.Load())
}

func TestWithTimeout(t *testing.T) {
	t.Parallel()
	j := WithTimeout(Func("slow", PriorityLow, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}), 10*time.Millisecond)

	err := j.Execute(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	plain := Func("plain", PriorityLow, nil)
	assert.Same(t, plain, WithTimeout(plain, 0))
}
