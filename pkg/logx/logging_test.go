package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerWritesFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(Comp("test"))

	log.Info("tick.completed", Int("due", 2), Job("backup"), Err(errors.New("boom")), Err(nil))

	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	assert.Equal(t, "tick.completed", m["message"])
	assert.Equal(t, "test", m["comp"])
	assert.EqualValues(t, 2, m["due"])
	assert.Equal(t, "boom", m["err"])
	assert.Equal(t, "backup", m["job"])
	assert.Contains(t, m["caller"], "logging_test.go")
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")

	log.Debug("hidden")
	assert.Zero(t, buf.Len())
	assert.False(t, log.Enabled(LevelDebug))
	assert.True(t, log.Enabled(LevelError))
}

func TestZeroLoggerIsNoop(t *testing.T) {
	var log Logger
	assert.True(t, log.IsZero())
	log.Error("nothing happens")
	assert.False(t, Nop().IsZero())
}

func TestValidLevel(t *testing.T) {
	for _, lvl := range []string{"", "debug", "INFO", "warning"} {
		assert.True(t, ValidLevel(lvl), lvl)
	}
	assert.False(t, ValidLevel("verbose"))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelWarn, ParseLevel("Warning", LevelInfo))
	assert.Equal(t, LevelTrace, ParseLevel(" trace ", LevelInfo))
	assert.Equal(t, LevelInfo, ParseLevel("", LevelInfo))
	assert.Equal(t, LevelDebug, ParseLevel("chatty", LevelDebug))
}

func TestServiceFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.log")
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})

	log.Debug("dropped")
	log.Info("kept", Slot("2026-10-19"))
	first := svc.file

	// Same path keeps the handle; level changes apply to existing loggers.
	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	assert.Same(t, first, svc.file)
	log.Debug("now visible")
	require.NoError(t, svc.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"slot":"2026-10-19"`)
	assert.Contains(t, lines[1], "now visible")
}
