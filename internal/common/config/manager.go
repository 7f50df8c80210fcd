package config

import (
	"sync"
)

// Manager holds the current configuration snapshot and supports runtime
// reload. A failed reload keeps the previous snapshot intact.
type Manager struct {
	mu   sync.RWMutex
	cfg  *Config
	path string
}

// NewManager wraps an already-loaded configuration. The path is re-read on
// every Reload; an empty path re-runs the default location search.
func NewManager(cfg *Config, path string) *Manager {
	return &Manager{cfg: cfg, path: path}
}

// Current returns the active configuration snapshot. Callers must treat the
// returned value as read-only.
func (m *Manager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Reload re-reads the configuration from disk and swaps the snapshot on
// success. On any load or validation error the previous snapshot stays
// active and the error is returned.
func (m *Manager) Reload() (*Config, error) {
	cfg, err := LoadWithPath(m.path)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()

	return cfg, nil
}
