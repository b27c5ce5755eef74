package config

// Config is the whole runtime configuration. It is loaded from JSON or YAML
// and decoded strictly: unknown keys are errors.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`

	// Engine controls the worker pool used by dispatch "pool".
	Engine *EngineConfig `json:"engine,omitempty"`

	Storage *StorageConfig `json:"storage,omitempty"`
	Alerts  *AlertsConfig  `json:"alerts,omitempty"`
	Jobs    []JobConfig    `json:"jobs"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the ticker.
//
// Defaults (when fields are omitted/zero):
//   - interval: "60s" (must divide 24h, at most 1h)
//   - timezone: local
//   - dispatch: "sequential"
//   - ledger_horizon: "192h"
//   - job_timeout: "0s" (disabled)
type SchedulerConfig struct {
	Interval      string `json:"interval,omitempty"`
	Timezone      string `json:"timezone,omitempty"`
	Dispatch      string `json:"dispatch,omitempty"`
	LedgerHorizon string `json:"ledger_horizon,omitempty"`
	JobTimeout    string `json:"job_timeout,omitempty"`
}

// EngineConfig controls the execution pool.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 64
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
type EngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./var/jobrunner.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type AlertsConfig struct {
	Telegram *TelegramAlerts `json:"telegram,omitempty"`
}

// TelegramAlerts forwards job failures to a chat. The token is never logged.
type TelegramAlerts struct {
	Enabled     bool    `json:"enabled"`
	Token       string  `json:"token"`
	ChatID      int64   `json:"chat_id"`
	ThreadID    int     `json:"thread_id,omitempty"`
	RatePerSec  float64 `json:"rate_per_sec,omitempty"`
	RetryMax    int     `json:"retry_max,omitempty"`
	DedupWindow string  `json:"dedup_window,omitempty"`
}

// JobConfig declares one registration. Exactly the block matching Kind is
// read; the others must be absent.
type JobConfig struct {
	Name     string `json:"name"`
	Priority string `json:"priority,omitempty"`
	Schedule string `json:"schedule"`
	Kind     string `json:"kind"`
	Timeout  string `json:"timeout,omitempty"`

	Retry   *RetryConfig   `json:"retry,omitempty"`
	Breaker *BreakerConfig `json:"breaker,omitempty"`

	Email   *EmailJob   `json:"email,omitempty"`
	Backup  *BackupJob  `json:"backup,omitempty"`
	Command *CommandJob `json:"command,omitempty"`
	Unit    *UnitJob    `json:"unit,omitempty"`
}

// Job kinds.
const (
	KindEmail   = "email"
	KindBackup  = "backup"
	KindCommand = "command"
	KindUnit    = "unit"
)

type RetryConfig struct {
	Max      int    `json:"max"`
	Base     string `json:"base,omitempty"`
	MaxDelay string `json:"max_delay,omitempty"`
}

type BreakerConfig struct {
	TripFailures uint32 `json:"trip_failures,omitempty"`
	OpenTimeout  string `json:"open_timeout,omitempty"`
}

type EmailJob struct {
	Host     string   `json:"host"`
	Port     int      `json:"port,omitempty"`
	Username string   `json:"username,omitempty"`
	Password string   `json:"password,omitempty"`
	From     string   `json:"from"`
	To       []string `json:"to"`
	Subject  string   `json:"subject,omitempty"`
	Body     string   `json:"body,omitempty"`
}

type BackupJob struct {
	Source string `json:"source"`
	Dest   string `json:"dest"`
	Prefix string `json:"prefix,omitempty"`
	Keep   int    `json:"keep,omitempty"`
}

type CommandJob struct {
	Argv []string `json:"argv"`
	Dir  string   `json:"dir,omitempty"`
	Env  []string `json:"env,omitempty"`
}

// UnitJob acts on a systemd unit. A bare name gets the ".service" suffix.
type UnitJob struct {
	Name   string `json:"name"`
	Action string `json:"action"`
	Mode   string `json:"mode,omitempty"`
}
