package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobrunner/internal/clock"
	"jobrunner/internal/config"
	"jobrunner/internal/engine"
	"jobrunner/internal/eventbus"
	"jobrunner/internal/storage"
	logx "jobrunner/pkg/logx"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	p := filepath.Join(dir, "jobrunner.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func appConfig(dir, dispatch string) string {
	return fmt.Sprintf(`
scheduler:
  interval: 1m
  timezone: UTC
  dispatch: %s
storage:
  driver: file
  path: %s
jobs:
  - name: ok
    schedule: "daily:9"
    kind: command
    command: {argv: ["true"]}
  - name: broken
    priority: high
    schedule: "daily:9"
    kind: command
    command: {argv: ["false"]}
  - name: later
    schedule: "daily:10"
    kind: command
    command: {argv: ["true"]}
`, dispatch, filepath.Join(dir, "state"))
}

func newTestApp(t *testing.T, body string, at time.Time) *App {
	t.Helper()
	path := writeConfig(t, t.TempDir(), body)
	a, err := NewFromFile(path, WithLogger(logx.Nop()), WithClock(clock.NewFake(at)))
	require.NoError(t, err)
	return a
}

func TestRunOnceRecordsHistory(t *testing.T) {
	t.Parallel()
	for _, dispatch := range []string{"sequential", "pool"} {
		t.Run(dispatch, func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			a := newTestApp(t, appConfig(dir, dispatch), time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC))
			ctx := context.Background()

			ev, err := a.RunOnce(ctx)
			require.NoError(t, err)
			assert.Equal(t, 2, ev.DueCount)
			assert.Equal(t, 2, ev.FiredCount)

			runs, err := a.Store().RecentRuns(ctx, 10)
			require.NoError(t, err)
			require.Len(t, runs, 2)
			byJob := map[string]storage.RunRecord{}
			for _, r := range runs {
				byJob[r.Job] = r
			}
			assert.Equal(t, storage.StatusOK, byJob["ok"].Status)
			assert.Equal(t, storage.StatusFailed, byJob["broken"].Status)
			assert.NotEmpty(t, byJob["broken"].Error)
			assert.Equal(t, "2026-10-19", byJob["ok"].Slot)

			require.NoError(t, a.Stop(ctx, StopOnceDone))
		})
	}
}

func TestRunOnceSameSlotFiresOnce(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	a := newTestApp(t, appConfig(dir, "sequential"), time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC))
	ctx := context.Background()
	defer func() { _ = a.Stop(ctx, StopOnceDone) }()

	first, err := a.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, first.FiredCount)

	second, err := a.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, second.DueCount)
}

func TestReconcileKeepsUnchangedJobs(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	a := newTestApp(t, appConfig(dir, "sequential"), time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC))
	defer func() { _ = a.Stop(context.Background(), StopOnceDone) }()

	require.Len(t, a.jobs, 3)
	okID := a.jobs["ok"].id
	laterID := a.jobs["later"].id

	jobs := append([]config.JobConfig(nil), a.applied.Jobs...)
	jobs[2].Schedule = "daily:11"
	jobs = append(jobs[1:], config.JobConfig{
		Name: "fresh", Schedule: "hourly", Kind: config.KindCommand,
		Command: &config.CommandJob{Argv: []string{"true"}},
	})

	added, removed, kept, err := a.reconcile(jobs)
	require.NoError(t, err)
	assert.Equal(t, 2, added, "later re-registered, fresh new")
	assert.Equal(t, 2, removed, "ok dropped, later replaced")
	assert.Equal(t, 1, kept)

	assert.NotContains(t, a.jobs, "ok")
	assert.NotEqual(t, laterID, a.jobs["later"].id)
	assert.Equal(t, 3, a.sched.Registry().Len())
	_, err = a.sched.Registry().Get(okID)
	assert.Error(t, err)
}

func TestApplyConfigReconcilesAndPublishes(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	a := newTestApp(t, appConfig(dir, "sequential"), time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC))
	defer func() { _ = a.Stop(context.Background(), StopOnceDone) }()

	events, unsub := a.Bus().SubscribeTypes(4, eventbus.ConfigReloaded)
	defer unsub()

	next, err := config.Decode("c.yaml", []byte(appConfig(dir, "sequential")))
	require.NoError(t, err)
	next.Scheduler.Interval = "5m"
	next.Jobs = next.Jobs[:1]
	a.applyConfig(next)

	assert.Equal(t, 1, a.sched.Registry().Len())
	assert.Same(t, next, a.applied)
	select {
	case e := <-events:
		assert.Equal(t, []string{"jobs", "scheduler"}, e.Data, "sections are sorted")
	default:
		t.Fatal("config.reloaded not published")
	}

	// Re-applying the same config is a no-op.
	a.applyConfig(next)
	select {
	case <-events:
		t.Fatal("unexpected config.reloaded")
	default:
	}
}

func TestRestartSections(t *testing.T) {
	t.Parallel()
	old := &config.Config{Scheduler: config.SchedulerConfig{Timezone: "UTC", Interval: "1m"}}
	next := &config.Config{
		Scheduler: config.SchedulerConfig{Timezone: "utc", Interval: "5m", Dispatch: "pool"},
		Engine:    &config.EngineConfig{Workers: 2},
		Alerts:    &config.AlertsConfig{Telegram: &config.TelegramAlerts{Enabled: true, Token: "t", ChatID: 1}},
	}
	assert.Equal(t, []string{"scheduler.dispatch", "engine", "alerts.telegram"}, restartSections(old, next))
	assert.Empty(t, restartSections(nil, next))
	assert.Empty(t, restartSections(next, next))
}

func TestBuildJobWrappers(t *testing.T) {
	t.Parallel()
	jc := config.JobConfig{
		Name: " flaky ", Priority: "low", Schedule: "hourly", Kind: config.KindCommand,
		Timeout: "1s",
		Retry:   &config.RetryConfig{Max: 2, Base: "1ms", MaxDelay: "2ms"},
		Breaker: &config.BreakerConfig{TripFailures: 3, OpenTimeout: "1m"},
		Command: &config.CommandJob{Argv: []string{"false"}},
	}
	j, sched, err := buildJob(jc, time.UTC, logx.Nop())
	require.NoError(t, err)
	assert.Equal(t, "flaky", j.Name())
	assert.Equal(t, "hourly", sched.String())
	assert.Error(t, j.Execute(context.Background()))

	_, _, err = buildJob(config.JobConfig{Name: "x", Schedule: "hourly", Kind: "ftp"}, time.UTC, logx.Nop())
	assert.ErrorContains(t, err, "unknown kind")

	_, _, err = buildJob(config.JobConfig{Name: "x", Schedule: "daily:99", Kind: config.KindCommand}, time.UTC, logx.Nop())
	assert.Error(t, err)
}

func TestMapping(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Scheduler: config.SchedulerConfig{Timezone: "UTC", Dispatch: "pool", JobTimeout: "30s"},
		Engine:    &config.EngineConfig{Workers: 3},
		Storage:   &config.StorageConfig{Driver: "SQLite", Path: "x.db"},
		Alerts:    &config.AlertsConfig{Telegram: &config.TelegramAlerts{Enabled: true, RetryMax: 2}},
	}

	sc, err := mapSchedulerConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultInterval, sc.Interval)
	assert.Equal(t, config.DefaultLedgerHorizon, sc.LedgerHorizon)
	assert.Equal(t, time.UTC, sc.Location)

	ec, err := mapEngineConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 3, ec.Workers)
	assert.Equal(t, 30*time.Second, ec.DefaultTimeout, "falls back to scheduler.job_timeout")

	st, enabled, err := mapStorageConfig(cfg)
	require.NoError(t, err)
	assert.True(t, enabled)
	assert.Equal(t, storage.Config{Driver: "sqlite", Path: "x.db", BusyTimeout: time.Second}, st)

	_, enabled, err = mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "none"}})
	require.NoError(t, err)
	assert.False(t, enabled)

	ac, tg, err := mapAlertConfig(cfg)
	require.NoError(t, err)
	require.NotNil(t, tg)
	assert.True(t, ac.Enabled)
	assert.Equal(t, 30*time.Minute, ac.DedupWindow)
	assert.Equal(t, 2, ac.RetryMax)
}

func TestRecorderHandle(t *testing.T) {
	t.Parallel()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "s")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	r := &recorder{store: st, log: logx.Nop()}
	ctx := context.Background()
	at := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)

	r.handle(ctx, eventbus.Event{Type: eventbus.JobStarted, Data: engine.JobEvent{Name: "a"}})
	r.handle(ctx, eventbus.Event{Type: eventbus.JobFinished, Data: "not a job event"})
	r.handle(ctx, eventbus.Event{Type: eventbus.JobOverlapSkipped, Time: at, Data: engine.JobEvent{Name: "a", Slot: "s1", Error: "busy"}})
	r.handle(ctx, eventbus.Event{Type: eventbus.JobFinished, Data: engine.JobEvent{Name: "a", Slot: "s2", Started: at, Duration: 1500 * time.Millisecond}})

	runs, err := st.RecentRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, storage.StatusOK, runs[0].Status)
	assert.Equal(t, int64(1500), runs[0].TookMS)
	assert.Empty(t, runs[0].Error)
	assert.Equal(t, storage.StatusSkipped, runs[1].Status)
	assert.Equal(t, "busy", runs[1].Error)
	assert.True(t, at.Equal(runs[1].At))
}

func TestStopWithoutStart(t *testing.T) {
	t.Parallel()
	a := newTestApp(t, appConfig(t.TempDir(), "pool"), time.Now())
	assert.NoError(t, a.Stop(context.Background(), StopSignal))
	assert.NoError(t, a.Err())
	select {
	case <-a.Done():
	default:
		t.Fatal("Done should be closed when never started")
	}
}
