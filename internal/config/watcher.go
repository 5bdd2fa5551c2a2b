package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

func (m *Manager) startWatcher() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.WithError(err).Warn("failed to create file watcher, falling back to polling")
		m.startPollingWatcher()
		return
	}

	if err := watcher.Add(m.path); err != nil {
		log.WithError(err).WithField("path", m.path).Warn("failed to watch config file, falling back to polling")
		watcher.Close()
		m.startPollingWatcher()
		return
	}

	// Also watch the directory to catch atomic writes (rename operations).
	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		log.WithError(err).WithField("dir", filepath.Dir(m.path)).Warn("failed to watch config directory")
	}

	log.WithField("path", m.path).Info("config watcher started using fsnotify")

	go func() {
		defer watcher.Close()

		// Debounce to avoid multiple reloads on rapid successive writes.
		var debounce *time.Timer
		const debounceDelay = 100 * time.Millisecond

		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name == m.path && (event.Op&fsnotify.Write != 0 || event.Op&fsnotify.Create != 0) {
					if debounce != nil {
						debounce.Stop()
					}
					debounce = time.AfterFunc(debounceDelay, m.checkAndReload)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("config watcher error")
			case <-m.stopCh:
				if debounce != nil {
					debounce.Stop()
				}
				return
			}
		}
	}()
}

// startPollingWatcher is the fallback when fsnotify is unavailable.
func (m *Manager) startPollingWatcher() {
	ticker := time.NewTicker(5 * time.Second)
	log.WithField("interval", "5s").Info("config watcher started using polling")

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.checkAndReload()
			case <-m.stopCh:
				return
			}
		}
	}()
}

func (m *Manager) checkAndReload() {
	if m.path == "" {
		return
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return
	}
	m.mu.Lock()
	stale := info.ModTime().After(m.lastMod)
	if stale {
		m.lastMod = info.ModTime()
	}
	m.mu.Unlock()
	if stale {
		m.reload()
	}
}
