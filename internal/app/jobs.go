package app

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sony/gobreaker"

	"jobrunner/internal/config"
	"jobrunner/internal/job"
	"jobrunner/internal/job/builtin"
	"jobrunner/internal/schedule"
	logx "jobrunner/pkg/logx"
)

// managedJob is a config-declared registration.
type managedJob struct {
	id   string
	hash uint64
}

// buildJob turns one config entry into a job and its schedule. Wrappers
// apply inside out: per-attempt timeout, retry, breaker. The breaker sees
// one result per occurrence.
func buildJob(jc config.JobConfig, loc *time.Location, log logx.Logger) (job.Job, schedule.Schedule, error) {
	name := strings.TrimSpace(jc.Name)
	prio, err := job.ParsePriority(jc.Priority)
	if err != nil {
		return nil, nil, err
	}
	sched, err := schedule.Parse(jc.Schedule, loc)
	if err != nil {
		return nil, nil, err
	}

	var j job.Job
	switch strings.ToLower(strings.TrimSpace(jc.Kind)) {
	case config.KindEmail:
		if jc.Email == nil {
			return nil, nil, errors.New("email block is required")
		}
		j, err = builtin.NewEmail(name, prio, jc.Email.Builtin())
	case config.KindBackup:
		if jc.Backup == nil {
			return nil, nil, errors.New("backup block is required")
		}
		j, err = builtin.NewBackup(name, prio, jc.Backup.Builtin())
	case config.KindCommand:
		if jc.Command == nil {
			return nil, nil, errors.New("command block is required")
		}
		j, err = builtin.NewCommand(name, prio, jc.Command.Builtin())
	case config.KindUnit:
		if jc.Unit == nil {
			return nil, nil, errors.New("unit block is required")
		}
		j, err = builtin.NewUnit(name, prio, jc.Unit.Builtin())
	default:
		return nil, nil, errors.Newf("unknown kind %q", jc.Kind)
	}
	if err != nil {
		return nil, nil, err
	}

	timeout, err := config.ParseDurationField("timeout", jc.Timeout)
	if err != nil {
		return nil, nil, err
	}
	j = job.WithTimeout(j, timeout)

	if r := jc.Retry; r != nil && r.Max > 0 {
		base, err := config.ParseDurationField("retry.base", r.Base)
		if err != nil {
			return nil, nil, err
		}
		maxDelay, err := config.ParseDurationField("retry.max_delay", r.MaxDelay)
		if err != nil {
			return nil, nil, err
		}
		j = job.WithRetry(j, job.RetryPolicy{Max: r.Max, Base: base, MaxDelay: maxDelay})
	}

	if b := jc.Breaker; b != nil {
		open, err := config.ParseDurationField("breaker.open_timeout", b.OpenTimeout)
		if err != nil {
			return nil, nil, err
		}
		j = job.WithBreaker(j, job.BreakerPolicy{
			TripFailures: b.TripFailures,
			OpenTimeout:  open,
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn("job.breaker_state", logx.Job(name), logx.String("from", from.String()), logx.String("to", to.String()))
			},
		})
	}
	return j, sched, nil
}

// reconcile makes the registry match jobs. Entries whose config is unchanged
// keep their registration id and therefore their fired-slot history;
// changed entries are re-registered and may fire again in the current slot.
func (a *App) reconcile(jobs []config.JobConfig) (added, removed, kept int, err error) {
	a.jobsMu.Lock()
	defer a.jobsMu.Unlock()

	loc := a.sched.Location()
	want := make(map[string]config.JobConfig, len(jobs))
	for _, jc := range jobs {
		want[strings.TrimSpace(jc.Name)] = jc
	}

	for name, mj := range a.jobs {
		jc, ok := want[name]
		if ok && config.HashJob(jc) == mj.hash {
			continue
		}
		a.sched.Deregister(mj.id)
		delete(a.jobs, name)
		removed++
	}

	var errs error
	for _, jc := range jobs {
		name := strings.TrimSpace(jc.Name)
		if _, ok := a.jobs[name]; ok {
			kept++
			continue
		}
		j, sched, berr := buildJob(jc, loc, a.log)
		if berr != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(berr, "job %s", name))
			continue
		}
		id, rerr := a.sched.Register(j, sched)
		if rerr != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(rerr, "job %s", name))
			continue
		}
		a.jobs[name] = managedJob{id: id, hash: config.HashJob(jc)}
		added++
	}
	return added, removed, kept, errs
}
