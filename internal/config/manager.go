package config

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// ChangeHandler is invoked after a successful reload with old and new config.
type ChangeHandler func(old, new *Config)

// Manager owns the live configuration, reloading it when the backing file
// changes. Reads are cheap; callers should not cache the returned pointer
// across reload boundaries.
type Manager struct {
	mu       sync.RWMutex
	cfg      *Config
	path     string
	lastMod  time.Time
	handlers []ChangeHandler
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewManager loads the initial configuration and, when path is non-empty,
// starts watching it for changes.
func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		cfg:    cfg,
		path:   path,
		stopCh: make(chan struct{}),
	}
	if path != "" {
		m.startWatcher()
	}
	return m, nil
}

// Get returns the current configuration snapshot.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// OnChange registers a handler called after each successful reload.
func (m *Manager) OnChange(h ChangeHandler) {
	if h == nil {
		return
	}
	m.mu.Lock()
	m.handlers = append(m.handlers, h)
	m.mu.Unlock()
}

// Close stops the file watcher.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *Manager) reload() {
	cfg, err := Load(m.path)
	if err != nil {
		log.WithError(err).WithField("path", m.path).Warn("failed to reload config")
		return
	}

	m.mu.Lock()
	old := m.cfg
	m.cfg = cfg
	handlers := append([]ChangeHandler(nil), m.handlers...)
	m.mu.Unlock()

	logChanges(old, cfg)
	for _, h := range handlers {
		h(old, cfg)
	}
}

func logChanges(old, new *Config) {
	if old.APIURL != new.APIURL {
		log.WithFields(log.Fields{"field": "api_url", "old": old.APIURL, "new": new.APIURL}).Info("config changed")
	}
	if old.AuthHeader != new.AuthHeader {
		log.WithFields(log.Fields{"field": "auth_header", "old": old.AuthHeader, "new": new.AuthHeader}).Info("config changed")
	}
	if old.Debug != new.Debug {
		log.WithFields(log.Fields{"field": "debug", "old": old.Debug, "new": new.Debug}).Info("config changed")
	}
	if (old.APIToken == "") != (new.APIToken == "") {
		log.WithField("field", "api_token").Info("config changed")
	}
	if old.RefreshInterval != new.RefreshInterval {
		log.WithFields(log.Fields{"field": "refresh_interval", "old": old.RefreshInterval, "new": new.RefreshInterval}).Info("config changed")
	}
}
