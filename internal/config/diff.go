package config

import (
	"reflect"
	"sort"
	"strings"

	logx "jobrunner/pkg/logx"
)

// JobChanges lists job names by what a reload does to them.
type JobChanges struct {
	Added   []string
	Removed []string
	Changed []string
}

func (c JobChanges) Empty() bool { return len(c.Added)+len(c.Removed)+len(c.Changed) == 0 }

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never secrets like tokens or SMTP
// passwords), and (3) what happens to each job.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, JobChanges) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		s := newCfg.Scheduler
		attrs = append(attrs,
			logx.String("scheduler.interval", strings.TrimSpace(s.Interval)),
			logx.String("scheduler.timezone", strings.TrimSpace(s.Timezone)),
			logx.String("scheduler.dispatch", strings.TrimSpace(s.Dispatch)),
		)
	}

	oE, nE := derefEngine(oldCfg.Engine), derefEngine(newCfg.Engine)
	if oE != nE {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.Int("engine.workers", nE.Workers),
			logx.Int("engine.queue_size", nE.QueueSize),
			logx.String("engine.default_timeout", strings.TrimSpace(nE.DefaultTimeout)),
		)
	}

	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		)
	}

	oT, nT := derefTelegram(oldCfg.Alerts), derefTelegram(newCfg.Alerts)
	if oT != nT {
		changed = append(changed, "alerts")
		attrs = append(attrs,
			logx.Bool("alerts.telegram.enabled", nT.Enabled),
			logx.Bool("alerts.telegram.token_set", strings.TrimSpace(nT.Token) != ""),
			logx.Int64("alerts.telegram.chat_id", nT.ChatID),
		)
	}

	jobs := DiffJobs(oldCfg.Jobs, newCfg.Jobs)
	if !jobs.Empty() {
		changed = append(changed, "jobs")
		attrs = append(attrs,
			logx.Strings("jobs.added", jobs.Added),
			logx.Strings("jobs.removed", jobs.Removed),
			logx.Strings("jobs.changed", jobs.Changed),
		)
	}

	sort.Strings(changed)
	return changed, attrs, jobs
}

// DiffJobs compares job lists by name.
func DiffJobs(oldJobs, newJobs []JobConfig) JobChanges {
	oldM := indexJobs(oldJobs)
	newM := indexJobs(newJobs)

	var out JobChanges
	for name, n := range newM {
		o, ok := oldM[name]
		switch {
		case !ok:
			out.Added = append(out.Added, name)
		case !reflect.DeepEqual(o, n):
			out.Changed = append(out.Changed, name)
		}
	}
	for name := range oldM {
		if _, ok := newM[name]; !ok {
			out.Removed = append(out.Removed, name)
		}
	}
	sort.Strings(out.Added)
	sort.Strings(out.Removed)
	sort.Strings(out.Changed)
	return out
}

func indexJobs(jobs []JobConfig) map[string]JobConfig {
	m := make(map[string]JobConfig, len(jobs))
	for _, j := range jobs {
		m[strings.TrimSpace(j.Name)] = j
	}
	return m
}

func derefEngine(e *EngineConfig) EngineConfig {
	if e == nil {
		return EngineConfig{}
	}
	return *e
}

func derefTelegram(a *AlertsConfig) TelegramAlerts {
	if a == nil || a.Telegram == nil {
		return TelegramAlerts{}
	}
	return *a.Telegram
}
