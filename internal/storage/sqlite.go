package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"

	logx "jobrunner/pkg/logx"
)

//go:embed migrations.sql
var schemaSQL string

const (
	schemaVersion = 1

	// maxRuns caps the run history of every driver.
	maxRuns = 10000

	// Expired dedup keys and surplus runs are removed every pruneEvery writes.
	pruneEvery = 500
)

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	insertRun *sql.Stmt
	selectRun *sql.Stmt
	upsertKey *sql.Stmt
	selectKey *sql.Stmt

	writes atomic.Uint64
}

// sqliteDSN builds a modernc DSN; pragmas go in the DSN so every pooled
// connection gets them.
func sqliteDSN(path string, busy time.Duration) string {
	if busy <= 0 {
		busy = time.Second
	}
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	return "file:" + path + "?" + q.Encode()
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create storage dir")
	}
	db, err := sql.Open("sqlite", sqliteDSN(path, cfg.BusyTimeout))
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s := &sqliteStore{db: db, log: log}
	if err := s.init(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	log.Debug("storage.opened", logx.String("path", path))
	return s, nil
}

func (s *sqliteStore) init(ctx context.Context) error {
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return errors.Wrap(err, "read schema version")
	}
	if version > schemaVersion {
		return errors.Newf("database schema version %d is newer than supported %d", version, schemaVersion)
	}
	if version < schemaVersion {
		if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
			return errors.Wrap(err, "migrate")
		}
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
			return errors.Wrap(err, "migrate")
		}
	}

	prepare := []struct {
		dst   **sql.Stmt
		query string
	}{
		{&s.insertRun, `INSERT INTO runs(at_ms, registration_id, job, slot, status, took_ms, queue_delay_ms, err) VALUES(?,?,?,?,?,?,?,?)`},
		{&s.selectRun, `SELECT at_ms, registration_id, job, slot, status, took_ms, queue_delay_ms, COALESCE(err, '') FROM runs ORDER BY id DESC LIMIT ?`},
		{&s.upsertKey, `INSERT INTO dedup(key, until) VALUES(?,?) ON CONFLICT(key) DO UPDATE SET until = excluded.until`},
		{&s.selectKey, `SELECT until FROM dedup WHERE key = ?`},
	}
	for _, p := range prepare {
		st, err := s.db.PrepareContext(ctx, p.query)
		if err != nil {
			return errors.Wrapf(err, "prepare %q", p.query)
		}
		*p.dst = st
	}
	return nil
}

func (s *sqliteStore) Close() error {
	if s.db == nil {
		return nil
	}
	var err error
	for _, st := range []*sql.Stmt{s.insertRun, s.selectRun, s.upsertKey, s.selectKey} {
		if st != nil {
			err = errors.CombineErrors(err, st.Close())
		}
	}
	err = errors.CombineErrors(err, s.db.Close())
	s.db = nil
	return err
}

func (s *sqliteStore) AppendRun(ctx context.Context, r RunRecord) error {
	if s.db == nil {
		return ErrDisabled
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	var errText any
	if strings.TrimSpace(r.Error) != "" {
		errText = r.Error
	}
	if _, err := s.insertRun.ExecContext(ctx, r.At.UnixMilli(), r.RegistrationID, r.Job, r.Slot, r.Status, r.TookMS, r.QueueDelayMS, errText); err != nil {
		return errors.Wrap(err, "append run")
	}
	s.wrote()
	return nil
}

func (s *sqliteStore) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.selectRun.QueryContext(ctx, limit)
	if err != nil {
		return nil, errors.Wrap(err, "recent runs")
	}
	defer rows.Close()

	out := make([]RunRecord, 0, min(limit, 64))
	for rows.Next() {
		var (
			r    RunRecord
			atMS int64
		)
		if err := rows.Scan(&atMS, &r.RegistrationID, &r.Job, &r.Slot, &r.Status, &r.TookMS, &r.QueueDelayMS, &r.Error); err != nil {
			return nil, err
		}
		r.At = time.UnixMilli(atMS)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if s.db == nil {
		return ErrDisabled
	}
	if key = strings.TrimSpace(key); key == "" {
		return nil
	}
	if _, err := s.upsertKey.ExecContext(ctx, key, until.UnixMilli()); err != nil {
		return errors.Wrap(err, "put dedup")
	}
	s.wrote()
	return nil
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if s.db == nil {
		return time.Time{}, false, ErrDisabled
	}
	var ms int64
	switch err := s.selectKey.QueryRowContext(ctx, strings.TrimSpace(key)).Scan(&ms); {
	case errors.Is(err, sql.ErrNoRows):
		return time.Time{}, false, nil
	case err != nil:
		return time.Time{}, false, errors.Wrap(err, "get dedup")
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) wrote() {
	if s.writes.Add(1)%pruneEvery != 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.prune(ctx, time.Now()); err != nil {
		s.log.Warn("storage.prune_failed", logx.Err(err))
	}
}

// prune deletes expired dedup keys and all but the newest maxRuns runs.
func (s *sqliteStore) prune(ctx context.Context, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	keys, err := tx.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, now.UnixMilli())
	if err != nil {
		return err
	}
	runs, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id <= (SELECT COALESCE(MAX(id), 0) - ? FROM runs)`, maxRuns)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	nk, _ := keys.RowsAffected()
	nr, _ := runs.RowsAffected()
	if nk > 0 || nr > 0 {
		s.log.Debug("storage.pruned", logx.Int64("dedup_keys", nk), logx.Int64("runs", nr))
	}
	return nil
}
