package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobrunner/internal/eventbus"
	logx "jobrunner/pkg/logx"
)

func startEngine(t *testing.T, cfg Config, bus eventbus.Bus) *Service {
	t.Helper()
	s := New(cfg, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func TestEnqueueRunsTask(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.SubscribeTypes(16, "job.")
	defer unsub()
	s := startEngine(t, Config{Workers: 2}, bus)

	var ran atomic.Bool
	require.NoError(t, s.Enqueue(Task{RegistrationID: "r1", Name: "email", Slot: "s1", Run: func(context.Context) error {
		ran.Store(true)
		return nil
	}}))

	require.Eventually(t, func() bool { return ran.Load() && s.Idle() }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, eventbus.JobStarted, (<-events).Type)
	require.Eventually(t, func() bool { return len(events) > 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, eventbus.JobFinished, (<-events).Type)
	assert.Len(t, s.Snapshot().History, 1)
}

func TestOverlapSkipWhileInFlight(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	skipped, unsub := bus.SubscribeTypes(4, eventbus.JobOverlapSkipped)
	defer unsub()
	s := startEngine(t, Config{Workers: 2}, bus)

	release := make(chan struct{})
	started := make(chan struct{})
	slow := Task{RegistrationID: "r1", Name: "backup", Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}
	require.NoError(t, s.Enqueue(slow))
	<-started
	assert.True(t, s.Busy("r1"))

	err := s.Enqueue(Task{RegistrationID: "r1", Name: "backup", Slot: "next", Run: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrOverlapSkip)
	require.Len(t, skipped, 1)
	ev := (<-skipped).Data.(JobEvent)
	assert.Equal(t, "next", ev.Slot)

	// A different registration is unaffected.
	require.NoError(t, s.Enqueue(Task{RegistrationID: "r2", Name: "backup", Run: func(context.Context) error { return nil }}))

	close(release)
	require.Eventually(t, func() bool { return !s.Busy("r1") }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.Enqueue(Task{RegistrationID: "r1", Name: "backup", Run: func(context.Context) error { return nil }}))
	assert.EqualValues(t, 1, s.Snapshot().OverlapSkipped)
}

func TestFailureAndPanicAreIsolated(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	failed, unsub := bus.SubscribeTypes(4, eventbus.JobFailed)
	defer unsub()
	s := startEngine(t, Config{Workers: 1}, bus)

	require.NoError(t, s.Enqueue(Task{RegistrationID: "a", Name: "a", Run: func(context.Context) error { return errors.New("boom") }}))
	require.NoError(t, s.Enqueue(Task{RegistrationID: "b", Name: "b", Run: func(context.Context) error { panic("bad") }}))
	var ok atomic.Bool
	require.NoError(t, s.Enqueue(Task{RegistrationID: "c", Name: "c", Run: func(context.Context) error { ok.Store(true); return nil }}))

	require.Eventually(t, func() bool { return ok.Load() && s.Idle() }, 2*time.Second, 5*time.Millisecond)
	require.Len(t, failed, 2)
	assert.Contains(t, (<-failed).Data.(JobEvent).Error, "boom")
	assert.Contains(t, (<-failed).Data.(JobEvent).Error, "panic: bad")
}

func TestQueueFull(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, QueueSize: 1}, nil)

	block := make(chan struct{})
	defer close(block)
	started := make(chan struct{})
	require.NoError(t, s.Enqueue(Task{RegistrationID: "1", Name: "1", Run: func(context.Context) error { close(started); <-block; return nil }}))
	<-started
	require.NoError(t, s.Enqueue(Task{RegistrationID: "2", Name: "2", Run: func(context.Context) error { return nil }}))

	err := s.Enqueue(Task{RegistrationID: "3", Name: "3", Run: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.False(t, s.Busy("3"))
	assert.EqualValues(t, 1, s.Snapshot().DroppedQueueFull)
}

func TestTimeoutAndStopDoesNotCancelRunningJob(t *testing.T) {
	t.Parallel()
	s := New(Config{Workers: 1, DefaultTimeout: 20 * time.Millisecond}, logx.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)

	result := make(chan error, 1)
	started := make(chan struct{})
	require.NoError(t, s.Enqueue(Task{RegistrationID: "r", Name: "slow", Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		result <- ctx.Err()
		return ctx.Err()
	}}))
	<-started
	// Cancelling the parent must not reach the job; only its own timeout does.
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	require.NoError(t, s.Stop(stopCtx))
	assert.ErrorIs(t, <-result, context.DeadlineExceeded)

	assert.ErrorIs(t, s.Enqueue(Task{Name: "late", Run: func(context.Context) error { return nil }}), ErrStopped)
}
