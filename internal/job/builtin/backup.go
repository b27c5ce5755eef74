package builtin

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"jobrunner/internal/job"
)

// BackupConfig archives Source into Dest as <prefix>-<timestamp>.tar.gz and
// keeps at most Keep archives (0 keeps everything).
type BackupConfig struct {
	Source string
	Dest   string
	Prefix string
	Keep   int
}

func (c BackupConfig) Validate() error {
	if strings.TrimSpace(c.Source) == "" {
		return errors.New("backup: source is required")
	}
	if strings.TrimSpace(c.Dest) == "" {
		return errors.New("backup: dest is required")
	}
	if c.Keep < 0 {
		return errors.New("backup: keep must be >= 0")
	}
	src, _ := filepath.Abs(c.Source)
	dst, _ := filepath.Abs(c.Dest)
	if src != "" && (dst == src || strings.HasPrefix(dst, src+string(filepath.Separator))) {
		return errors.Newf("backup: dest %q must not be inside source %q", c.Dest, c.Source)
	}
	return nil
}

const backupStamp = "20060102-150405"

// Backup writes a gzip-compressed tar of a directory.
type Backup struct {
	name string
	prio job.Priority
	cfg  BackupConfig
	now  func() time.Time
}

func NewBackup(name string, prio job.Priority, cfg BackupConfig) (*Backup, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Prefix) == "" {
		cfg.Prefix = "backup"
	}
	return &Backup{name: name, prio: prio, cfg: cfg, now: time.Now}, nil
}

func (b *Backup) Name() string           { return b.name }
func (b *Backup) Priority() job.Priority { return b.prio }

func (b *Backup) Execute(ctx context.Context) error {
	if err := os.MkdirAll(b.cfg.Dest, 0o755); err != nil {
		return errors.Wrap(err, "create backup dir")
	}
	final := filepath.Join(b.cfg.Dest, b.cfg.Prefix+"-"+b.now().UTC().Format(backupStamp)+".tar.gz")
	tmp := final + ".tmp"

	if err := b.write(ctx, tmp); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrap(err, "finalize archive")
	}
	return b.rotate()
}

func (b *Backup) write(ctx context.Context, path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "create archive")
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	root := filepath.Clean(b.cfg.Source)
	walkErr := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil || rel == "." {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() && !info.IsDir() {
			return nil
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		src, err := os.Open(p)
		if err != nil {
			return err
		}
		_, err = io.Copy(tw, src)
		src.Close()
		return err
	})
	if walkErr != nil {
		return errors.Wrapf(walkErr, "archive %s", root)
	}
	if err := tw.Close(); err != nil {
		return errors.Wrap(err, "close tar")
	}
	if err := gz.Close(); err != nil {
		return errors.Wrap(err, "close gzip")
	}
	return f.Sync()
}

func (b *Backup) rotate() error {
	if b.cfg.Keep <= 0 {
		return nil
	}
	matches, err := filepath.Glob(filepath.Join(b.cfg.Dest, b.cfg.Prefix+"-*.tar.gz"))
	if err != nil {
		return errors.Wrap(err, "list archives")
	}
	if len(matches) <= b.cfg.Keep {
		return nil
	}
	// Timestamps sort lexically.
	sort.Strings(matches)
	for _, old := range matches[:len(matches)-b.cfg.Keep] {
		if err := os.Remove(old); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "remove old archive %s", filepath.Base(old))
		}
	}
	return nil
}
