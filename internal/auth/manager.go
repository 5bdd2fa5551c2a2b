package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"digma-core-go/internal/apierrors"
	"digma-core-go/internal/events"
	"digma-core-go/internal/logging"
	"digma-core-go/internal/telemetry"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// ManagerOptions wires an AuthManager. API, Holder, Store and Cache are
// required; the rest default sensibly.
type ManagerOptions struct {
	API      *AuthAPIClient
	Holder   *DefaultAccountHolder
	Store    CredentialsStore
	Cache    *CredentialsCache
	Hub      events.Publisher
	Reporter *telemetry.Reporter

	RefreshGuard time.Duration
	StoreTimeout time.Duration
	Now          func() time.Time
}

// AuthManager orchestrates login handler selection, serializes every mutation
// of the Account+Credentials+Cache triple under one mutex, and coalesces
// concurrent refresh attempts so only one network call happens under
// contention.
type AuthManager struct {
	api      *AuthAPIClient
	holder   *DefaultAccountHolder
	store    CredentialsStore
	cache    *CredentialsCache
	hub      events.Publisher
	reporter *telemetry.Reporter

	refreshGuard time.Duration
	storeTimeout time.Duration
	now          func() time.Time

	// accountMu guards the Account+Credentials+Cache triple. Handlers run
	// entirely inside it so check-then-refresh is atomic.
	accountMu sync.Mutex

	group singleflight.Group

	handlerMu sync.Mutex
	handler   LoginHandler

	connected atomic.Bool
}

// NewAuthManager builds an AuthManager from opts.
func NewAuthManager(opts ManagerOptions) (*AuthManager, error) {
	if opts.API == nil || opts.Holder == nil || opts.Store == nil || opts.Cache == nil {
		return nil, errors.New("auth: API, Holder, Store and Cache are required")
	}
	m := &AuthManager{
		api:          opts.API,
		holder:       opts.Holder,
		store:        opts.Store,
		cache:        opts.Cache,
		hub:          opts.Hub,
		reporter:     opts.Reporter,
		refreshGuard: opts.RefreshGuard,
		storeTimeout: opts.StoreTimeout,
		now:          opts.Now,
	}
	if m.refreshGuard <= 0 {
		m.refreshGuard = 30 * time.Second
	}
	if m.storeTimeout <= 0 {
		m.storeTimeout = 3 * time.Second
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m, nil
}

// Connected reports whether the last backend interaction succeeded. The host
// UI uses this for its "not connected" indicator.
func (m *AuthManager) Connected() bool { return m.connected.Load() }

// LoginOrRefresh brings the session into an authenticated state. It returns
// false on failure; errors never escape (they are logged and, except for
// connection errors, telemetry-reported).
func (m *AuthManager) LoginOrRefresh(ctx context.Context, onAuthError bool) bool {
	return m.loginOrRefresh(ctx, onAuthError, true)
}

// BackgroundLoginOrRefresh behaves like LoginOrRefresh but never flips the
// connection state on failure. Background refresh loops use it so a transient
// hiccup does not surface as "connection lost" in the UI.
func (m *AuthManager) BackgroundLoginOrRefresh(ctx context.Context) bool {
	return m.loginOrRefresh(ctx, false, false)
}

func (m *AuthManager) loginOrRefresh(ctx context.Context, onAuthError, markConnectionLost bool) bool {
	key := fmt.Sprintf("login-or-refresh:%t", onAuthError)
	_, err, _ := m.group.Do(key, func() (any, error) {
		spanCtx, span := telemetry.StartSpan(ctx, "auth", "login-or-refresh")
		defer span.End()

		handler := m.ensureHandler(spanCtx, markConnectionLost)

		m.accountMu.Lock()
		defer m.accountMu.Unlock()
		return nil, handler.LoginOrRefresh(spanCtx, onAuthError)
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			log.WithError(err).Debug("login-or-refresh cancelled")
			return false
		}
		log.WithError(err).Warn("login-or-refresh failed")
		if m.reporter != nil {
			m.reporter.ReportError(ctx, "auth.login-or-refresh", err, nil)
		}
		if markConnectionLost && apierrors.IsConnection(err) {
			m.setConnected(false)
		}
		return false
	}
	m.setConnected(true)
	return true
}

// Logout deletes the current account and its credentials. The cache mirror is
// cleared even when the store deletion fails.
func (m *AuthManager) Logout(ctx context.Context) bool {
	m.accountMu.Lock()
	defer m.accountMu.Unlock()

	if err := m.DeleteCurrent(ctx); err != nil {
		log.WithError(err).Warn("logout failed")
		if m.reporter != nil {
			m.reporter.ReportError(ctx, "auth.logout", err, nil)
		}
		return false
	}
	return true
}

// WithAuth performs one synchronous LoginOrRefresh and wraps client in the
// re-authenticating decorator.
func (m *AuthManager) WithAuth(ctx context.Context, client AnalyticsClient) AnalyticsClient {
	m.LoginOrRefresh(ctx, false)
	return newReauthClient(client, m)
}

// StartPeriodicRefresh proactively refreshes credentials that are inside the
// refresh-ahead window. It blocks until ctx is cancelled; callers run it on
// its own goroutine.
func (m *AuthManager) StartPeriodicRefresh(ctx context.Context, interval, ahead time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if m.shouldRefreshAhead(ahead) {
				m.BackgroundLoginOrRefresh(ctx)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (m *AuthManager) shouldRefreshAhead(ahead time.Duration) bool {
	_, creds, ok := m.cache.Get()
	if !ok {
		// No mirrored credentials: either centralized mode (nothing to do)
		// or no session yet (first LoginOrRefresh will handle it).
		return m.holder.Current() != nil
	}
	if creds.ExpiresAt.IsZero() {
		return false
	}
	return m.now().Add(ahead).After(creds.ExpiresAt)
}

// ensureHandler returns the cached login handler, constructing one if needed.
// A NoOp handler is never cached so the next call retries construction.
func (m *AuthManager) ensureHandler(ctx context.Context, markConnectionLost bool) LoginHandler {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()

	if m.handler != nil {
		return m.handler
	}
	handler := m.createLoginHandler(ctx, markConnectionLost)
	if _, noop := handler.(*NoOpLoginHandler); !noop {
		m.handler = handler
	}
	return handler
}

// InvalidateHandler drops the cached handler so the next operation re-queries
// the deployment mode. Called when the backend URL changes.
func (m *AuthManager) InvalidateHandler() {
	m.handlerMu.Lock()
	m.handler = nil
	m.handlerMu.Unlock()
}

func (m *AuthManager) createLoginHandler(ctx context.Context, markConnectionLost bool) LoginHandler {
	about, err := m.api.About(ctx)
	if err != nil {
		if apierrors.IsClientReplaced(err) {
			// Transient swap of the underlying client; stay quiet.
			return &NoOpLoginHandler{Reason: err}
		}
		log.WithError(err).Warn("could not determine deployment mode")
		if markConnectionLost && apierrors.IsConnection(err) {
			m.setConnected(false)
		}
		return &NoOpLoginHandler{Reason: err}
	}

	if about.IsCentralized != nil && *about.IsCentralized {
		log.Debug("backend reports centralized deployment")
		return &CentralizedLoginHandler{state: m}
	}
	log.Debug("backend reports local deployment")
	return &LocalLoginHandler{
		state:        m,
		api:          m.api,
		refreshGuard: m.refreshGuard,
		now:          m.now,
	}
}

func (m *AuthManager) setConnected(v bool) {
	if m.connected.Swap(v) != v {
		log.WithField("connected", v).Info("backend connection state changed")
		if m.hub != nil {
			m.hub.Publish(context.Background(), events.TopicConnectionChanged, v, nil)
		}
	}
}

// --- accountState implementation ---
//
// All methods below are invoked with accountMu held (by loginOrRefresh or
// Logout). They keep the holder, the store and the cache mirror consistent as
// one atomic unit.

// Current returns the current account.
func (m *AuthManager) Current() *Account { return m.holder.Current() }

// FindCredentials looks up the current account's credentials with a bounded
// timeout; a timeout is treated as not-found so time-critical paths fall
// through to the corrective silent login instead of blocking.
func (m *AuthManager) FindCredentials(ctx context.Context) (*Credentials, error) {
	acc := m.holder.Current()
	if acc == nil {
		return nil, apierrors.ErrCredentialsNotFound
	}
	lookupCtx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()

	creds, err := m.store.Find(lookupCtx, acc.ID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			log.WithField("account_id", acc.ID).Warn("credentials lookup timed out, treating as absent")
			return nil, apierrors.ErrCredentialsNotFound
		}
		return nil, err
	}
	return creds, nil
}

// ReplaceAccount installs a freshly logged-in account: previous account (if
// different) is removed, the store is updated first, then holder and cache
// together.
func (m *AuthManager) ReplaceAccount(ctx context.Context, acc *Account, creds *Credentials) error {
	if prev := m.holder.Current(); prev != nil && prev.ID != acc.ID {
		if err := m.store.Remove(ctx, prev.ID); err != nil {
			log.WithError(err).WithField("account_id", prev.ID).Warn("failed to remove previous credentials")
		}
	}
	if err := m.store.Update(ctx, acc.ID, creds); err != nil {
		return fmt.Errorf("persist credentials: %w", err)
	}
	m.holder.SetCurrent(acc)
	m.cache.Set(acc.ID, creds)
	logging.WithAccount(acc.ID, acc.ServerURL, nil).Info("account created")
	return nil
}

// UpdateCredentials replaces the current account's credentials wholesale.
func (m *AuthManager) UpdateCredentials(ctx context.Context, creds *Credentials) error {
	acc := m.holder.Current()
	if acc == nil {
		return errors.New("no current account")
	}
	if err := m.store.Update(ctx, acc.ID, creds); err != nil {
		return fmt.Errorf("persist credentials: %w", err)
	}
	m.cache.Set(acc.ID, creds)
	log.WithField("account_id", acc.ID).Debug("credentials refreshed")
	return nil
}

// DeleteCurrent removes the current account and its credentials. The cache
// mirror is cleared unconditionally, even when the store deletion fails.
func (m *AuthManager) DeleteCurrent(ctx context.Context) error {
	defer m.cache.Clear()

	acc := m.holder.Current()
	if acc == nil {
		return nil
	}
	err := m.store.Remove(ctx, acc.ID)
	m.holder.ClearCurrent()
	if err != nil {
		return fmt.Errorf("remove credentials: %w", err)
	}
	log.WithField("account_id", acc.ID).Info("account deleted")
	return nil
}
