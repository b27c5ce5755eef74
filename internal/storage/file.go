package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	logx "jobrunner/pkg/logx"
)

// dedupCompactAfter is the number of journal lines that triggers folding
// the journal into the snapshot.
const dedupCompactAfter = 1000

// fileStore keeps state in JSON files beside cfg.Path:
//
//	<prefix>.runs.jsonl            run history, one record per line
//	<prefix>.dedup.snapshot.json   alert dedup keys at the last compaction
//	<prefix>.dedup.journal.jsonl   dedup writes since then
//
// The newest maxRuns records are also held in memory, so RecentRuns never
// reads the file. The runs file is rewritten once it holds twice that.
type fileStore struct {
	log logx.Logger
	now func() time.Time

	mu     sync.Mutex
	runs   *jsonlFile
	recent []RunRecord // oldest first

	snapshotPath string
	journal      *jsonlFile
	dedup        map[string]int64 // key -> until (unix ms)
}

type dedupRecord struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create storage dir")
	}
	prefix := strings.TrimSuffix(path, filepath.Ext(path))

	s := &fileStore{
		log:          log,
		now:          time.Now,
		snapshotPath: prefix + ".dedup.snapshot.json",
		dedup:        map[string]int64{},
	}

	runLines, journalLines := 0, 0
	err := readJSONL(prefix+".runs.jsonl", func(r RunRecord) {
		runLines++
		s.keepRecent(r)
	})
	if err != nil {
		return nil, err
	}
	if err := readJSONFile(s.snapshotPath, &s.dedup); err != nil {
		log.Warn("storage.snapshot_unreadable", logx.String("path", s.snapshotPath), logx.Err(err))
	}
	err = readJSONL(prefix+".dedup.journal.jsonl", func(r dedupRecord) {
		journalLines++
		if r.Key != "" {
			s.dedup[r.Key] = r.Until
		}
	})
	if err != nil {
		return nil, err
	}
	s.pruneDedupLocked()

	if s.runs, err = openJSONL(prefix+".runs.jsonl", runLines); err != nil {
		return nil, err
	}
	if s.journal, err = openJSONL(prefix+".dedup.journal.jsonl", journalLines); err != nil {
		_ = s.runs.close()
		return nil, err
	}
	log.Debug("storage.opened", logx.String("prefix", prefix), logx.Int("runs", len(s.recent)), logx.Int("dedup_keys", len(s.dedup)))
	return s, nil
}

func (s *fileStore) keepRecent(r RunRecord) {
	if len(s.recent) == maxRuns {
		copy(s.recent, s.recent[1:])
		s.recent = s.recent[:maxRuns-1]
	}
	s.recent = append(s.recent, r)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.runs != nil {
		err = errors.CombineErrors(err, s.runs.close())
		s.runs = nil
	}
	if s.journal != nil {
		err = errors.CombineErrors(err, s.journal.close())
		s.journal = nil
	}
	return err
}

func (s *fileStore) AppendRun(_ context.Context, r RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runs == nil {
		return ErrDisabled
	}
	if r.At.IsZero() {
		r.At = s.now()
	}
	if err := s.runs.append(r); err != nil {
		return err
	}
	s.keepRecent(r)
	if s.runs.lines >= 2*maxRuns {
		if err := s.runs.rewrite(len(s.recent), func(i int) any { return s.recent[i] }); err != nil {
			s.log.Warn("storage.runs_trim_failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) RecentRuns(_ context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := min(limit, len(s.recent))
	out := make([]RunRecord, 0, n)
	for i := len(s.recent) - 1; i >= len(s.recent)-n; i-- {
		out = append(out, s.recent[i])
	}
	return out, nil
}

func (s *fileStore) PutDedup(_ context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrDisabled
	}
	rec := dedupRecord{Key: key, Until: until.UnixMilli()}
	if err := s.journal.append(rec); err != nil {
		return err
	}
	s.dedup[key] = rec.Until
	if s.journal.lines >= dedupCompactAfter {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("storage.compact_failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.dedup[strings.TrimSpace(key)]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

// compactLocked writes live keys to the snapshot, then empties the journal.
// A crash in between only replays writes the snapshot already holds.
func (s *fileStore) compactLocked() error {
	s.pruneDedupLocked()
	if err := writeJSONFile(s.snapshotPath, s.dedup); err != nil {
		return err
	}
	return s.journal.truncate()
}

func (s *fileStore) pruneDedupLocked() {
	cut := s.now().UnixMilli()
	for k, until := range s.dedup {
		if until < cut {
			delete(s.dedup, k)
		}
	}
}
