package config

import (
	"context"
	"os"
	"sync"

	"github.com/cespare/xxhash/v2"
	json "github.com/goccy/go-json"

	logx "reportbot/pkg/logx"
)

// ConfigManager loads the config file, applies environment overrides and
// republishes validated changes while the file is edited.
type ConfigManager struct {
	path string
	log  logx.Logger

	mu   sync.RWMutex
	cfg  *Config
	hash uint64 // of cfg; one save often yields several fs events

	subsMu sync.Mutex
	subs   []chan *Config
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{path: path}
}

func (m *ConfigManager) SetLogger(log logx.Logger) { m.log = log.With(logx.String("comp", "config")) }

// Parse reads the file strictly (unknown fields are errors) and overlays
// environment overrides. Nothing is committed.
func (m *ConfigManager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	return decode(m.path, b)
}

// Load parses, validates and commits the config.
func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	m.commit(cfg, fingerprint(cfg))
	return cfg, nil
}

func (m *ConfigManager) commit(cfg *Config, hash uint64) {
	m.mu.Lock()
	m.cfg, m.hash = cfg, hash
	m.mu.Unlock()
}

// Get returns the last committed config. Callers must not mutate it.
func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Subscribe returns a channel that receives every committed reload.
func (m *ConfigManager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, max(buffer, 1))
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

// Unsubscribe closes ch. Unknown channels are ignored.
func (m *ConfigManager) Unsubscribe(ch chan *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s != ch {
			continue
		}
		m.subs = append(m.subs[:i], m.subs[i+1:]...)
		close(ch)
		return
	}
}

// publish never blocks; a slow subscriber sees only the newest config.
func (m *ConfigManager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		if !offerLatest(ch, cfg) {
			m.log.Debug("config update dropped (subscriber slow)", logx.Int("queue_cap", cap(ch)))
		}
	}
}

// offerLatest sends cfg, evicting one stale pending value if ch is full.
func offerLatest(ch chan *Config, cfg *Config) bool {
	select {
	case ch <- cfg:
		return true
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- cfg:
		return true
	default:
		return false
	}
}

// fingerprint is 0 when cfg cannot be encoded, which never matches.
func fingerprint(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	return xxhash.Sum64(b)
}

// reload is the debounced body of Watch.
func (m *ConfigManager) reload(ctx context.Context) {
	l := m.log.With(logx.String("path", m.path))
	cfg, err := m.Parse()
	if err != nil {
		l.Warn("config parse failed", logx.Err(err))
		return
	}
	h := fingerprint(cfg)
	m.mu.RLock()
	same := h != 0 && h == m.hash
	m.mu.RUnlock()
	if same {
		l.Debug("config unchanged; skipping publish")
		return
	}
	if err := ctx.Err(); err != nil {
		return
	}
	if err := Validate(cfg); err != nil {
		l.Warn("config rejected", logx.Err(err))
		return
	}
	m.commit(cfg, h)
	m.publish(cfg)
	l.Debug("config published", logx.Uint64("hash", h))
}
