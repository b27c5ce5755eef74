package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"jobrunner/internal/job"
	"jobrunner/internal/job/builtin"
	"jobrunner/internal/schedule"
	"jobrunner/internal/storage"
	logx "jobrunner/pkg/logx"
)

var ErrInvalid = errors.New("invalid config")

const (
	DefaultInterval      = time.Minute
	DefaultLedgerHorizon = 8 * 24 * time.Hour
	maxInterval          = time.Hour
)

// Validate reports every problem it finds, not just the first one.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.Wrap(ErrInvalid, "config is nil")
	}
	var problems []string
	add := func(format string, args ...any) { problems = append(problems, fmt.Sprintf(format, args...)) }

	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		add("logging.level: unknown level %q", lvl)
	}

	sc := cfg.Scheduler
	if iv, err := ParseDurationOrDefault("scheduler.interval", sc.Interval, DefaultInterval); err != nil {
		add("%v", err)
	} else if err := checkInterval(iv); err != nil {
		add("scheduler.interval: %v", err)
	}
	loc, err := LoadLocation(sc.Timezone)
	if err != nil {
		add("scheduler.timezone: %v", err)
		loc = time.UTC
	}
	switch strings.ToLower(strings.TrimSpace(sc.Dispatch)) {
	case "", "sequential", "pool":
	default:
		add("scheduler.dispatch: want sequential|pool, got %q", sc.Dispatch)
	}
	if _, err := ParseDurationField("scheduler.ledger_horizon", sc.LedgerHorizon); err != nil {
		add("%v", err)
	}
	if _, err := ParseDurationField("scheduler.job_timeout", sc.JobTimeout); err != nil {
		add("%v", err)
	}

	if e := cfg.Engine; e != nil {
		if e.Workers < 0 || e.QueueSize < 0 || e.HistorySize < 0 {
			add("engine: workers, queue_size and history_size must be >= 0")
		}
		if _, err := ParseDurationField("engine.default_timeout", e.DefaultTimeout); err != nil {
			add("%v", err)
		}
		if _, err := ParseDurationField("engine.max_queue_delay", e.MaxQueueDelay); err != nil {
			add("%v", err)
		}
	}

	if s := cfg.Storage; s != nil {
		if !storage.ValidDriver(s.Driver) {
			add("storage.driver: unknown driver %q", s.Driver)
		} else if d := strings.ToLower(strings.TrimSpace(s.Driver)); d != "" && d != "none" && strings.TrimSpace(s.Path) == "" {
			add("storage.path: required for driver %q", d)
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			add("%v", err)
		}
	}

	if a := cfg.Alerts; a != nil && a.Telegram != nil && a.Telegram.Enabled {
		tg := a.Telegram
		if strings.TrimSpace(tg.Token) == "" {
			add("alerts.telegram.token: required when enabled")
		}
		if tg.ChatID == 0 {
			add("alerts.telegram.chat_id: required when enabled")
		}
		if tg.RatePerSec < 0 || tg.RetryMax < 0 {
			add("alerts.telegram: rate_per_sec and retry_max must be >= 0")
		}
		if _, err := ParseDurationField("alerts.telegram.dedup_window", tg.DedupWindow); err != nil {
			add("%v", err)
		}
	}

	seen := map[string]int{}
	for i, j := range cfg.Jobs {
		path := fmt.Sprintf("jobs[%d]", i)
		name := strings.TrimSpace(j.Name)
		if name == "" {
			add("%s.name: required", path)
		} else {
			path = fmt.Sprintf("jobs[%s]", name)
			if prev, dup := seen[name]; dup {
				add("%s: duplicate name (also jobs[%d])", path, prev)
			}
			seen[name] = i
		}
		for _, p := range validateJob(j, loc) {
			add("%s.%s", path, p)
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return errors.Wrapf(ErrInvalid, "%d problem(s): %s", len(problems), strings.Join(problems, "; "))
}

func validateJob(j JobConfig, loc *time.Location) []string {
	var out []string
	if _, err := job.ParsePriority(j.Priority); err != nil {
		out = append(out, fmt.Sprintf("priority: %v", err))
	}
	if strings.TrimSpace(j.Schedule) == "" {
		out = append(out, "schedule: required")
	} else if _, err := schedule.Parse(j.Schedule, loc); err != nil {
		out = append(out, fmt.Sprintf("schedule: %v", err))
	}
	if _, err := ParseDurationField("timeout", j.Timeout); err != nil {
		out = append(out, err.Error())
	}
	if r := j.Retry; r != nil {
		if r.Max < 0 {
			out = append(out, "retry.max: must be >= 0")
		}
		if _, err := ParseDurationField("retry.base", r.Base); err != nil {
			out = append(out, err.Error())
		}
		if _, err := ParseDurationField("retry.max_delay", r.MaxDelay); err != nil {
			out = append(out, err.Error())
		}
	}
	if b := j.Breaker; b != nil {
		if _, err := ParseDurationField("breaker.open_timeout", b.OpenTimeout); err != nil {
			out = append(out, err.Error())
		}
	}

	blocks := 0
	for _, set := range []bool{j.Email != nil, j.Backup != nil, j.Command != nil, j.Unit != nil} {
		if set {
			blocks++
		}
	}
	if blocks > 1 {
		out = append(out, "only the block matching kind may be set")
	}

	var kindErr error
	switch strings.ToLower(strings.TrimSpace(j.Kind)) {
	case KindEmail:
		if j.Email == nil {
			kindErr = errors.New("email block is required")
		} else {
			kindErr = j.Email.Builtin().Validate()
		}
	case KindBackup:
		if j.Backup == nil {
			kindErr = errors.New("backup block is required")
		} else {
			kindErr = j.Backup.Builtin().Validate()
		}
	case KindCommand:
		if j.Command == nil {
			kindErr = errors.New("command block is required")
		} else {
			kindErr = j.Command.Builtin().Validate()
		}
	case KindUnit:
		if j.Unit == nil {
			kindErr = errors.New("unit block is required")
		} else {
			kindErr = j.Unit.Builtin().Validate()
		}
	case "":
		kindErr = errors.New("required")
	default:
		kindErr = errors.Newf("unknown kind %q (want email|backup|command|unit)", j.Kind)
	}
	if kindErr != nil {
		out = append(out, fmt.Sprintf("kind: %v", kindErr))
	}
	return out
}

// checkInterval keeps ticks aligned to the same wall-clock instants every day.
func checkInterval(d time.Duration) error {
	switch {
	case d <= 0:
		return errors.New("must be > 0")
	case d > maxInterval:
		return errors.Newf("must be <= %s", maxInterval)
	case (24*time.Hour)%d != 0:
		return errors.Newf("%s does not divide 24h", d)
	}
	return nil
}

// LoadLocation resolves a timezone name; "" and "Local" mean the host zone.
func LoadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.EqualFold(name, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, errors.Wrapf(err, "unknown timezone %q", name)
	}
	return loc, nil
}

func (e *EmailJob) Builtin() builtin.EmailConfig {
	return builtin.EmailConfig{
		Host: e.Host, Port: e.Port, Username: e.Username, Password: e.Password,
		From: e.From, To: e.To, Subject: e.Subject, Body: e.Body,
	}
}

func (b *BackupJob) Builtin() builtin.BackupConfig {
	return builtin.BackupConfig{Source: b.Source, Dest: b.Dest, Prefix: b.Prefix, Keep: b.Keep}
}

func (c *CommandJob) Builtin() builtin.CommandConfig {
	return builtin.CommandConfig{Argv: c.Argv, Dir: c.Dir, Env: c.Env}
}

func (u *UnitJob) Builtin() builtin.UnitConfig {
	return builtin.UnitConfig{Unit: u.Name, Action: u.Action, Mode: u.Mode}
}
