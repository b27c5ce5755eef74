package app

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"jobrunner/internal/alert"
	"jobrunner/internal/config"
	"jobrunner/internal/engine"
	"jobrunner/internal/scheduler"
	"jobrunner/internal/storage"
	logx "jobrunner/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	interval, err := config.ParseDurationOrDefault("scheduler.interval", sc.Interval, config.DefaultInterval)
	if err != nil {
		return scheduler.Config{}, err
	}
	loc, err := config.LoadLocation(sc.Timezone)
	if err != nil {
		return scheduler.Config{}, errors.Wrap(err, "scheduler.timezone")
	}
	dispatch, err := scheduler.ParseDispatch(sc.Dispatch)
	if err != nil {
		return scheduler.Config{}, errors.Wrap(err, "scheduler.dispatch")
	}
	horizon, err := config.ParseDurationOrDefault("scheduler.ledger_horizon", sc.LedgerHorizon, config.DefaultLedgerHorizon)
	if err != nil {
		return scheduler.Config{}, err
	}
	jobTimeout, err := config.ParseDurationField("scheduler.job_timeout", sc.JobTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Interval:      interval,
		Location:      loc,
		Dispatch:      dispatch,
		LedgerHorizon: horizon,
		JobTimeout:    jobTimeout,
	}, nil
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	var ec config.EngineConfig
	if cfg.Engine != nil {
		ec = *cfg.Engine
	}
	defTimeout, err := config.ParseDurationField("engine.default_timeout", ec.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	// The global job timeout applies to pool dispatch too unless the engine sets its own.
	if defTimeout == 0 {
		if defTimeout, err = config.ParseDurationField("scheduler.job_timeout", cfg.Scheduler.JobTimeout); err != nil {
			return engine.Config{}, err
		}
	}
	maxQueueDelay, err := config.ParseDurationField("engine.max_queue_delay", ec.MaxQueueDelay)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Workers:        ec.Workers,
		QueueSize:      ec.QueueSize,
		DefaultTimeout: defTimeout,
		MaxQueueDelay:  maxQueueDelay,
		HistorySize:    ec.HistorySize,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		return storage.Config{}, false, errors.Newf("storage.path is required when storage.driver=%s", driver)
	}
	switch driver {
	case "file":
		return storage.Config{Driver: driver, Path: path}, true, nil
	case "sqlite", "sqlite3":
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, errors.Newf("unknown storage.driver: %s", sc.Driver)
	}
}

// mapAlertConfig returns the pipeline config and the Telegram section (nil
// when alerts are not configured).
func mapAlertConfig(cfg *config.Config) (alert.Config, *config.TelegramAlerts, error) {
	if cfg.Alerts == nil || cfg.Alerts.Telegram == nil {
		return alert.Config{}, nil, nil
	}
	tg := cfg.Alerts.Telegram
	window, err := config.ParseDurationOrDefault("alerts.telegram.dedup_window", tg.DedupWindow, 30*time.Minute)
	if err != nil {
		return alert.Config{}, nil, err
	}
	return alert.Config{
		Enabled:     tg.Enabled,
		RatePerSec:  tg.RatePerSec,
		RetryMax:    tg.RetryMax,
		DedupWindow: window,
	}, tg, nil
}
