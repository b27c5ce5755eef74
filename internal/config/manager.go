package config

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	logx "jobrunner/pkg/logx"
)

// validateTimeout bounds the validator during a reload.
const validateTimeout = 5 * time.Second

// ConfigManager owns the committed config and publishes validated reloads
// to subscribers.
type ConfigManager struct {
	path string

	cur  atomic.Pointer[Config]
	hash atomic.Uint64

	// reloadMu serializes Reload (the watcher and manual callers).
	reloadMu sync.Mutex

	// subsMu also guards against sending on a channel Unsubscribe closed.
	subsMu sync.Mutex
	subs   map[chan *Config]struct{}

	log       logx.Logger
	validator func(ctx context.Context, cfg *Config) error
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{
		path:      path,
		subs:      map[chan *Config]struct{}{},
		validator: func(_ context.Context, c *Config) error { return Validate(c) },
	}
}

func (m *ConfigManager) Path() string { return m.path }

func (m *ConfigManager) SetLogger(log logx.Logger) { m.log = log.With(logx.Comp("config")) }

// SetValidator replaces the check run before anything is committed; nil
// disables it. The default is Validate.
func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

// Parse reads and strictly decodes the file without committing it.
func (m *ConfigManager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	return Decode(m.path, b)
}

// Load parses, validates and commits the file without notifying subscribers.
func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	if err := m.validate(context.Background(), cfg); err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

// Commit makes cfg current without validating or publishing it.
func (m *ConfigManager) Commit(cfg *Config) {
	m.cur.Store(cfg)
	m.hash.Store(fingerprint(cfg))
}

func (m *ConfigManager) Get() *Config { return m.cur.Load() }

// Reload re-reads the file and, when its content changed and it validates,
// commits and publishes it. It reports whether subscribers were notified.
func (m *ConfigManager) Reload(ctx context.Context) (bool, error) {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()

	cfg, err := m.Parse()
	if err != nil {
		return false, err
	}
	h := fingerprint(cfg)
	if h != 0 && h == m.hash.Load() {
		return false, nil
	}
	if err := m.validate(ctx, cfg); err != nil {
		return false, err
	}
	m.Commit(cfg)
	n := m.publish(cfg)
	m.log.Debug("config.published", logx.String("path", m.path), logx.Uint64("hash", h), logx.Int("subscribers", n))
	return true, nil
}

func (m *ConfigManager) validate(ctx context.Context, cfg *Config) error {
	if m.validator == nil {
		return nil
	}
	vctx, cancel := context.WithTimeout(ctx, validateTimeout)
	defer cancel()
	return m.validator(vctx, cfg)
}

// Subscribe returns a channel that receives every published config.
func (m *ConfigManager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, max(buffer, 1))
	m.subsMu.Lock()
	m.subs[ch] = struct{}{}
	m.subsMu.Unlock()
	return ch
}

// Unsubscribe removes and closes ch. Unknown channels are ignored.
func (m *ConfigManager) Unsubscribe(ch chan *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	if _, ok := m.subs[ch]; ok {
		delete(m.subs, ch)
		close(ch)
	}
}

// publish never blocks: a full subscriber loses its oldest pending config,
// since only the newest one matters.
func (m *ConfigManager) publish(cfg *Config) int {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for ch := range m.subs {
		for {
			select {
			case ch <- cfg:
			default:
				select {
				case <-ch:
					m.log.Debug("config.update_superseded", logx.Int("queue_cap", cap(ch)))
				default:
				}
				continue
			}
			break
		}
	}
	return len(m.subs)
}

func fingerprint(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}
