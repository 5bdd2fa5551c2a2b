package auth

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"digma-core-go/internal/events"

	log "github.com/sirupsen/logrus"
)

const holderDebounceInterval = 200 * time.Millisecond

type accountsFile struct {
	Accounts  []*Account `json:"accounts"`
	CurrentID string     `json:"currentId,omitempty"`
}

// DefaultAccountHolder holds at most one current account reference, persists
// the known accounts plus the current selection, and fires a debounced
// account.changed event when the selection mutates. Rapid successive changes
// (delete+create during a re-login) coalesce into one notification.
type DefaultAccountHolder struct {
	mu       sync.RWMutex
	accounts map[string]*Account
	current  *Account
	path     string
	hub      events.Publisher

	notifyCh chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewDefaultAccountHolder loads the accounts file at path (absent file means
// no accounts) and starts the debounced notification loop.
func NewDefaultAccountHolder(path string, hub events.Publisher) (*DefaultAccountHolder, error) {
	h := &DefaultAccountHolder{
		accounts: make(map[string]*Account),
		path:     path,
		hub:      hub,
		notifyCh: make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
	if err := h.load(); err != nil {
		return nil, err
	}
	go h.notifyLoop()
	return h, nil
}

func (h *DefaultAccountHolder) load() error {
	data, err := os.ReadFile(h.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var file accountsFile
	if err := json.Unmarshal(data, &file); err != nil {
		// A corrupt accounts file must not wedge startup; start empty and
		// let the silent-login path rebuild it.
		log.WithError(err).WithField("path", h.path).Warn("accounts file corrupt, starting empty")
		return nil
	}
	for _, acc := range file.Accounts {
		h.accounts[acc.ID] = acc
	}
	if file.CurrentID != "" {
		h.current = h.accounts[file.CurrentID]
	}
	return nil
}

func (h *DefaultAccountHolder) persistLocked() {
	file := accountsFile{}
	for _, acc := range h.accounts {
		file.Accounts = append(file.Accounts, acc)
	}
	if h.current != nil {
		file.CurrentID = h.current.ID
	}
	data, err := json.MarshalIndent(&file, "", "  ")
	if err != nil {
		log.WithError(err).Error("failed to marshal accounts file")
		return
	}
	if err := os.MkdirAll(filepath.Dir(h.path), 0o700); err != nil {
		log.WithError(err).WithField("path", h.path).Warn("failed to create accounts directory")
		return
	}
	tmp := h.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		log.WithError(err).WithField("path", h.path).Warn("failed to write accounts file")
		return
	}
	if err := os.Rename(tmp, h.path); err != nil {
		log.WithError(err).WithField("path", h.path).Warn("failed to replace accounts file")
	}
}

// Current returns the current account, or nil when none is selected.
func (h *DefaultAccountHolder) Current() *Account {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// SetCurrent registers acc (if new) and makes it current.
func (h *DefaultAccountHolder) SetCurrent(acc *Account) {
	h.mu.Lock()
	h.accounts[acc.ID] = acc
	h.current = acc
	h.persistLocked()
	h.mu.Unlock()
	h.requestNotify()
}

// ClearCurrent removes the current account entirely (account deletion, not
// just deselection).
func (h *DefaultAccountHolder) ClearCurrent() {
	h.mu.Lock()
	if h.current != nil {
		delete(h.accounts, h.current.ID)
		h.current = nil
		h.persistLocked()
	}
	h.mu.Unlock()
	h.requestNotify()
}

// Close stops the notification loop.
func (h *DefaultAccountHolder) Close() {
	h.stopOnce.Do(func() { close(h.stopCh) })
}

func (h *DefaultAccountHolder) requestNotify() {
	select {
	case h.notifyCh <- struct{}{}:
	default:
	}
}

func (h *DefaultAccountHolder) notifyLoop() {
	var timer *time.Timer
	var timerCh <-chan time.Time
	for {
		select {
		case <-h.stopCh:
			if timer != nil {
				timer.Stop()
			}
			return
		case <-h.notifyCh:
			if timer == nil {
				timer = time.NewTimer(holderDebounceInterval)
				timerCh = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(holderDebounceInterval)
			}
		case <-timerCh:
			if h.hub != nil {
				h.hub.Publish(context.Background(), events.TopicAccountChanged, h.Current(), nil)
			}
			timerCh = nil
			timer.Stop()
			timer = nil
		}
	}
}
