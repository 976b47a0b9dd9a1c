package config

import "sync"

// Manager holds the current configuration for a running process and
// reloads it from disk on demand. It replaces the module-level settings
// cache of earlier releases: callers receive a Manager explicitly and
// ask it for the current snapshot.
type Manager struct {
	path string

	mu  sync.RWMutex
	cfg Config
}

// NewManager loads the file at path (with env overlay) and returns a
// manager serving that snapshot.
func NewManager(path string) *Manager {
	m := &Manager{path: path}
	m.cfg = m.read()
	return m
}

func (m *Manager) read() Config {
	cfg := Load(m.path)
	FromEnv(&cfg)
	cfg.normalize()
	return cfg
}

// Current returns the configuration snapshot.
func (m *Manager) Current() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Reload re-reads the file and env overlay, replacing the snapshot.
func (m *Manager) Reload() Config {
	cfg := m.read()
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
	return cfg
}
