package storage

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	logx "jobrunner/pkg/logx"
)

// Store is the persistence API used by the app and the alerter.
type Store interface {
	AppendRun(ctx context.Context, r RunRecord) error
	// RecentRuns returns up to limit records, newest first.
	RecentRuns(ctx context.Context, limit int) ([]RunRecord, error)
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	log = log.With(logx.Comp("storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.Newf("unknown storage driver: %s", driver)
	}
}

// ValidDriver reports whether name is accepted by Open.
func ValidDriver(name string) bool {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none", "file", "sqlite", "sqlite3":
		return true
	}
	return false
}
