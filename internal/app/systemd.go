package app

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "jobrunner/pkg/logx"
)

// sdNotify is a no-op outside systemd (NOTIFY_SOCKET unset).
func (a *App) sdNotify(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		a.log.Debug("systemd.notify_failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		a.log.Debug("systemd.notified", logx.String("state", state))
	}
}

func (a *App) sdStatus() {
	snap := a.sched.Snapshot()
	a.sdNotify(fmt.Sprintf("STATUS=%s, %d jobs, %d ticks", snap.State, len(snap.Registrations), snap.Ticks))
}

// watchdogLoop pings the systemd watchdog at half its interval. It returns
// nil right away when WatchdogSec is not configured.
func (a *App) watchdogLoop(ctx context.Context) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return nil
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	a.log.Info("systemd.watchdog_enabled", logx.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			a.sdNotify(daemon.SdNotifyWatchdog)
			a.sdStatus()
		}
	}
}
