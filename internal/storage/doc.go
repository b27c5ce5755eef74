// Package storage persists what the runner produces at runtime: the run
// history shown by `jobrunner history` and alert dedup keys, so a restart
// does not re-send an alert that already went out.
//
// Job and schedule definitions are never stored; they come from config.
package storage
