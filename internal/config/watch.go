package config

import (
	"context"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"

	logx "jobrunner/pkg/logx"
)

const (
	reloadDebounce = 250 * time.Millisecond
	watchRetryMin  = 250 * time.Millisecond
	watchRetryMax  = 5 * time.Second
)

// Watch reloads the file on change until ctx ends. It watches the parent
// directory, since editors replace files by rename, and debounces bursts of
// events into one Reload. A failed or broken watcher is recreated with
// jittered backoff. Rejected configs are logged and never committed.
func (m *ConfigManager) Watch(ctx context.Context) error {
	dir, file := filepath.Dir(m.path), filepath.Base(m.path)
	retry := watchRetryMin

	for {
		w, err := newDirWatcher(dir)
		if err != nil {
			m.log.Warn("config.watch_failed", logx.String("dir", dir), logx.Err(err))
		} else {
			retry = watchRetryMin
			m.log.Debug("config.watch_started", logx.String("dir", dir), logx.String("file", file))
			if m.watchLoop(ctx, w, file) {
				return nil
			}
			m.log.Warn("config.watch_restarting", logx.String("dir", dir))
		}

		wait := retry + rand.N(retry/2+1)
		retry = min(retry*2, watchRetryMax)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func newDirWatcher(dir string) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, err
	}
	return w, nil
}

// watchLoop drains one watcher. It returns true when ctx ended and false
// when the watcher broke and must be recreated.
func (m *ConfigManager) watchLoop(ctx context.Context, w *fsnotify.Watcher, file string) bool {
	defer w.Close()

	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()
	arm := func() { debounce.Reset(reloadDebounce) }

	for {
		select {
		case <-ctx.Done():
			return true
		case <-debounce.C:
			if _, err := m.Reload(ctx); err != nil {
				m.log.Warn("config.rejected", logx.String("path", m.path), logx.Err(err))
			}
		case ev, ok := <-w.Events:
			if !ok {
				return false
			}
			if strings.EqualFold(filepath.Base(ev.Name), file) && ev.Op != 0 {
				arm()
			}
		case err, ok := <-w.Errors:
			switch {
			case !ok, errors.Is(err, fsnotify.ErrClosed):
				return false
			case errors.Is(err, fsnotify.ErrEventOverflow):
				// Events were lost; reload to catch up.
				m.log.Warn("config.watch_overflow", logx.Err(err))
				arm()
			case err != nil:
				m.log.Warn("config.watch_error", logx.Err(err))
			}
		}
	}
}
