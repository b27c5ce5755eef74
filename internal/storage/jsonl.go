package storage

import (
	"bufio"
	"encoding/json"
	"os"

	"github.com/cockroachdb/errors"
)

// jsonlFile is an append-only JSON Lines file that counts its lines.
type jsonlFile struct {
	path  string
	f     *os.File
	lines int
}

// openJSONL opens path for appending; lines is what the caller already read.
func openJSONL(path string, lines int) (*jsonlFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	return &jsonlFile{path: path, f: f, lines: lines}, nil
}

func (j *jsonlFile) append(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := j.f.Write(append(b, '\n')); err != nil {
		return errors.Wrapf(err, "append %s", j.path)
	}
	j.lines++
	return nil
}

// rewrite replaces the file with n records from at, via a temp file and rename.
func (j *jsonlFile) rewrite(n int, at func(i int) any) error {
	tmp := j.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for i := 0; i < n; i++ {
		if err := enc.Encode(at(i)); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, j.path); err != nil {
		return err
	}
	nf, err := os.OpenFile(j.path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	_ = j.f.Close()
	j.f, j.lines = nf, n
	return nil
}

func (j *jsonlFile) truncate() error {
	if err := j.f.Truncate(0); err != nil {
		return err
	}
	j.lines = 0
	return nil
}

func (j *jsonlFile) close() error { return j.f.Close() }

// readJSONL calls fn for every decodable line of path. A missing file is
// empty; undecodable lines (a torn final write) are skipped.
func readJSONL[T any](path string, fn func(T)) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "read %s", path)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var v T
		if json.Unmarshal(sc.Bytes(), &v) == nil {
			fn(v)
		}
	}
	return sc.Err()
}

func readJSONFile(path string, v any) error {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

func writeJSONFile(path string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
