package app

import (
	"context"
	"slices"
	"strings"
	"time"

	"jobrunner/internal/config"
	"jobrunner/internal/eventbus"
	logx "jobrunner/pkg/logx"
)

// reloadLoop applies published configs. Bursts are coalesced: only the
// newest pending config is applied.
func (a *App) reloadLoop(ctx context.Context, updates <-chan *config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-updates:
			if !ok {
				return
			}
		coalesce:
			for {
				select {
				case next, ok := <-updates:
					if !ok {
						break coalesce
					}
					cfg = next
				default:
					break coalesce
				}
			}
			a.applyConfig(cfg)
		}
	}
}

// applyConfig applies the parts of cfg that can change at runtime. Timezone,
// dispatch mode, engine sizing and storage are fixed for the life of the
// process; changing them only logs a warning.
func (a *App) applyConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	start := time.Now()
	old := a.applied
	sections, attrs, jobs := config.SummarizeConfigChange(old, cfg)
	if len(sections) == 0 {
		return
	}

	if a.logs != nil && slices.Contains(sections, "logging") {
		a.logs.Apply(mapLogConfig(cfg))
	}

	if slices.Contains(sections, "scheduler") {
		if iv, err := config.ParseDurationOrDefault("scheduler.interval", cfg.Scheduler.Interval, config.DefaultInterval); err == nil {
			a.sched.SetInterval(iv)
		}
	}
	if restart := restartSections(old, cfg); len(restart) > 0 {
		a.log.Warn("config.restart_required", logx.String("sections", strings.Join(restart, ",")))
	}

	if slices.Contains(sections, "alerts") {
		if ac, _, err := mapAlertConfig(cfg); err != nil {
			a.log.Warn("config.alerts_invalid", logx.Err(err))
		} else {
			a.alerts.Apply(ac)
		}
	}

	var added, removed, kept int
	if !jobs.Empty() {
		var err error
		added, removed, kept, err = a.reconcile(cfg.Jobs)
		if err != nil {
			a.log.Error("config.jobs_failed", logx.Err(err))
		}
	}

	a.applied = cfg
	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Time: time.Now(), Data: sections})

	attrs = append(attrs,
		logx.String("sections", strings.Join(sections, ",")),
		logx.Int("jobs_added", added),
		logx.Int("jobs_removed", removed),
		logx.Int("jobs_kept", kept),
		logx.Duration("took", time.Since(start)),
	)
	a.log.Info("config.reloaded", attrs...)
	a.sdStatus()
}

// restartSections lists settings that differ but are only read at startup.
func restartSections(old, cfg *config.Config) []string {
	if old == nil {
		return nil
	}
	var out []string
	if !strings.EqualFold(strings.TrimSpace(old.Scheduler.Timezone), strings.TrimSpace(cfg.Scheduler.Timezone)) {
		out = append(out, "scheduler.timezone")
	}
	if !strings.EqualFold(strings.TrimSpace(old.Scheduler.Dispatch), strings.TrimSpace(cfg.Scheduler.Dispatch)) {
		out = append(out, "scheduler.dispatch")
	}
	if old.Scheduler.LedgerHorizon != cfg.Scheduler.LedgerHorizon || old.Scheduler.JobTimeout != cfg.Scheduler.JobTimeout {
		out = append(out, "scheduler")
	}
	if !equalPtr(old.Engine, cfg.Engine) {
		out = append(out, "engine")
	}
	if !equalPtr(old.Storage, cfg.Storage) {
		out = append(out, "storage")
	}
	oT, nT := telegramOf(old), telegramOf(cfg)
	if oT.Token != nT.Token || oT.ChatID != nT.ChatID || oT.ThreadID != nT.ThreadID || (!oT.Enabled && nT.Enabled) {
		out = append(out, "alerts.telegram")
	}
	return out
}

func equalPtr[T comparable](a, b *T) bool {
	switch {
	case a == nil && b == nil:
		return true
	case a == nil || b == nil:
		return false
	}
	return *a == *b
}

func telegramOf(cfg *config.Config) config.TelegramAlerts {
	if cfg.Alerts == nil || cfg.Alerts.Telegram == nil {
		return config.TelegramAlerts{}
	}
	return *cfg.Alerts.Telegram
}
