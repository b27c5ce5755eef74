package builtin

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"io"
	"net/smtp"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobrunner/internal/job"
)

func TestEmailSendsMessage(t *testing.T) {
	t.Parallel()
	e, err := NewEmail("report", job.PriorityHigh, EmailConfig{
		Host:    "mail.local",
		From:    "bot@local",
		To:      []string{"ops@local", "dev@local"},
		Subject: "nightly",
		Body:    "all good\nbye",
	})
	require.NoError(t, err)

	var gotAddr string
	var gotTo []string
	var gotMsg []byte
	e.send = func(addr string, _ smtp.Auth, _ string, to []string, msg []byte) error {
		gotAddr, gotTo, gotMsg = addr, to, msg
		return nil
	}
	e.now = func() time.Time { return time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC) }

	require.NoError(t, e.Execute(context.Background()))
	assert.Equal(t, "mail.local:25", gotAddr)
	assert.Equal(t, []string{"ops@local", "dev@local"}, gotTo)
	assert.Contains(t, string(gotMsg), "Subject: nightly\r\n")
	assert.Contains(t, string(gotMsg), "To: ops@local, dev@local\r\n")
	assert.Contains(t, string(gotMsg), "all good\r\nbye")
}

func TestEmailFailureAndCancel(t *testing.T) {
	t.Parallel()
	e, err := NewEmail("report", job.PriorityHigh, EmailConfig{Host: "h", From: "a@b", To: []string{"c@d"}})
	require.NoError(t, err)

	e.send = func(string, smtp.Auth, string, []string, []byte) error { return errors.New("554 rejected") }
	assert.ErrorContains(t, e.Execute(context.Background()), "554 rejected")

	block := make(chan struct{})
	defer close(block)
	e.send = func(string, smtp.Auth, string, []string, []byte) error { <-block; return nil }
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, e.Execute(ctx), context.DeadlineExceeded)
}

func TestEmailConfigValidate(t *testing.T) {
	t.Parallel()
	_, err := NewEmail("x", job.PriorityLow, EmailConfig{From: "a@b", To: []string{"c@d"}})
	assert.Error(t, err)
	_, err = NewEmail("x", job.PriorityLow, EmailConfig{Host: "h", From: "a@b"})
	assert.Error(t, err)
}

func TestBackupArchivesAndRotates(t *testing.T) {
	t.Parallel()
	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "archives")
	require.NoError(t, os.MkdirAll(filepath.Join(src, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("alpha"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "sub", "b.txt"), []byte("beta"), 0o644))

	b, err := NewBackup("backup", job.PriorityLow, BackupConfig{Source: src, Dest: dst, Keep: 2})
	require.NoError(t, err)

	at := time.Date(2026, 10, 19, 2, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		stamp := at.Add(time.Duration(i) * time.Hour)
		b.now = func() time.Time { return stamp }
		require.NoError(t, b.Execute(context.Background()))
	}

	matches, err := filepath.Glob(filepath.Join(dst, "backup-*.tar.gz"))
	require.NoError(t, err)
	sort.Strings(matches)
	require.Len(t, matches, 2)
	assert.Equal(t, "backup-20261019-040000.tar.gz", filepath.Base(matches[1]))

	names := readTar(t, matches[1])
	assert.Equal(t, "alpha", names["a.txt"])
	assert.Equal(t, "beta", names["sub/b.txt"])
}

func TestBackupRejectsDestInsideSource(t *testing.T) {
	t.Parallel()
	src := t.TempDir()
	_, err := NewBackup("b", job.PriorityLow, BackupConfig{Source: src, Dest: filepath.Join(src, "out")})
	assert.Error(t, err)
}

func TestCommand(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("posix shell required")
	}
	ok, err := NewCommand("true", job.PriorityLow, CommandConfig{Argv: []string{"sh", "-c", "exit 0"}})
	require.NoError(t, err)
	assert.NoError(t, ok.Execute(context.Background()))

	bad, err := NewCommand("false", job.PriorityLow, CommandConfig{Argv: []string{"sh", "-c", "echo nope >&2; exit 3"}})
	require.NoError(t, err)
	err = bad.Execute(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")

	missing, err := NewCommand("missing", job.PriorityLow, CommandConfig{Argv: []string{"definitely-not-a-binary-xyz"}})
	require.NoError(t, err)
	assert.True(t, job.IsNoRetry(missing.Execute(context.Background())))

	_, err = NewCommand("empty", job.PriorityLow, CommandConfig{})
	assert.Error(t, err)
}

func readTar(t *testing.T, path string) map[string]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	tr := tar.NewReader(gz)

	out := map[string]string{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		b, err := io.ReadAll(tr)
		require.NoError(t, err)
		out[hdr.Name] = string(b)
	}
	return out
}
