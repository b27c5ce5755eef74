package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

const (
	consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"
	defaultLogFile    = "./jobrunner.log"
)

// Service owns the sinks. Apply swaps them while loggers keep working.
type Service struct {
	mu       sync.Mutex
	file     *os.File
	filePath string

	root atomic.Pointer[zerolog.Logger]
}

// New applies cfg and returns the service with its root logger.
func New(cfg Config) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = consoleTimeFormat
	s := &Service{}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// Apply rebuilds the sinks. The log file is reopened only when its path changes.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := ""
	if cfg.File.Enabled {
		if path = strings.TrimSpace(cfg.File.Path); path == "" {
			path = defaultLogFile
		}
	}
	if path != s.filePath {
		s.closeFileLocked()
		if path != "" {
			f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
			if err != nil {
				fmt.Fprintf(os.Stderr, "logx: open %s: %v\n", path, err)
			} else {
				s.file, s.filePath = f, path
			}
		}
	}

	var sinks []io.Writer
	if s.file != nil {
		sinks = append(sinks, zerolog.SyncWriter(s.file))
	}
	if cfg.Console || len(sinks) == 0 {
		sinks = append(sinks, consoleWriter(os.Stdout))
	}
	zl := zerolog.New(zerolog.MultiLevelWriter(sinks...)).Level(ParseLevel(cfg.Level, LevelInfo)).With().Timestamp().Logger()
	s.root.Store(&zl)
}

func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeFileLocked()
}

func (s *Service) closeFileLocked() error {
	f := s.file
	s.file, s.filePath = nil, ""
	if f == nil {
		return nil
	}
	return f.Close()
}

func consoleWriter(w io.Writer) io.Writer {
	cw := zerolog.ConsoleWriter{Out: w, TimeFormat: consoleTimeFormat}
	cw.FormatCaller = func(i any) string {
		s, _ := i.(string)
		return s
	}
	return cw
}

// ParseLevel maps a config level to zerolog, accepting "warning" for warn.
// Unknown or empty names yield def.
func ParseLevel(name string, def Level) Level {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "warning" {
		name = "warn"
	}
	if name == "" {
		return def
	}
	lvl, err := zerolog.ParseLevel(name)
	if err != nil || lvl == zerolog.NoLevel {
		return def
	}
	return lvl
}

// ValidLevel reports whether name is empty or one of trace, debug, info,
// warn(ing) or error.
func ValidLevel(name string) bool {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}
