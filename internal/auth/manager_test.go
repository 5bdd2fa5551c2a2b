package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeBackend simulates the authentication-relevant surface of the analytics
// backend and counts the calls it receives.
type fakeBackend struct {
	srv *httptest.Server

	centralized    *bool
	loginCalls     atomic.Int32
	refreshCalls   atomic.Int32
	refreshDelay   time.Duration
	tokenSeq       atomic.Int32
	omitExpiration bool
}

func newFakeBackend(t *testing.T, centralized *bool) *fakeBackend {
	t.Helper()
	b := &fakeBackend{centralized: centralized}
	mux := http.NewServeMux()
	mux.HandleFunc(aboutPath, func(w http.ResponseWriter, r *http.Request) {
		if b.centralized == nil {
			w.Write([]byte(`{"applicationVersion":"test"}`))
			return
		}
		if *b.centralized {
			w.Write([]byte(`{"applicationVersion":"test","isCentralize":true}`))
		} else {
			w.Write([]byte(`{"applicationVersion":"test","isCentralize":false}`))
		}
	})
	mux.HandleFunc(loginPath, func(w http.ResponseWriter, r *http.Request) {
		b.loginCalls.Add(1)
		b.writeTokens(w)
	})
	mux.HandleFunc(refreshPath, func(w http.ResponseWriter, r *http.Request) {
		b.refreshCalls.Add(1)
		if b.refreshDelay > 0 {
			time.Sleep(b.refreshDelay)
		}
		b.writeTokens(w)
	})
	b.srv = httptest.NewServer(mux)
	t.Cleanup(b.srv.Close)
	return b
}

func (b *fakeBackend) writeTokens(w http.ResponseWriter) {
	n := strconv.Itoa(int(b.tokenSeq.Add(1)))
	if b.omitExpiration {
		w.Write([]byte(`{"userId":"u-1","accessToken":"at-` + n + `","refreshToken":"rt-` + n + `"}`))
		return
	}
	expiry := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	w.Write([]byte(`{"userId":"u-1","accessToken":"at-` + n + `","refreshToken":"rt-` + n + `","expiration":"` + expiry + `"}`))
}

type fixture struct {
	mgr    *AuthManager
	holder *DefaultAccountHolder
	store  CredentialsStore
	cache  *CredentialsCache
}

func newFixture(t *testing.T, backendURL string, store CredentialsStore) *fixture {
	t.Helper()
	dir := t.TempDir()
	holder, err := NewDefaultAccountHolder(filepath.Join(dir, "accounts.json"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(holder.Close)
	if store == nil {
		store = NewFileCredentialsStore(dir, "test-secret")
	}
	cache := NewCredentialsCache()
	mgr, err := NewAuthManager(ManagerOptions{
		API:          NewAuthAPIClient(backendURL, 2*time.Second),
		Holder:       holder,
		Store:        store,
		Cache:        cache,
		RefreshGuard: 30 * time.Second,
		StoreTimeout: time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{mgr: mgr, holder: holder, store: store, cache: cache}
}

func TestLoginOrRefresh_SilentLoginLocalMode(t *testing.T) {
	backend := newFakeBackend(t, boolPtr(false))
	f := newFixture(t, backend.srv.URL, nil)
	ctx := context.Background()

	if !f.mgr.LoginOrRefresh(ctx, false) {
		t.Fatal("expected silent login to succeed")
	}
	if n := backend.loginCalls.Load(); n != 1 {
		t.Errorf("expected one login call, got %d", n)
	}

	acc := f.holder.Current()
	if acc == nil {
		t.Fatal("expected account after silent login")
	}
	if acc.ServerURL != backend.srv.URL {
		t.Errorf("account url mismatch: %q", acc.ServerURL)
	}
	if acc.Name != localLoginUser {
		t.Errorf("account name mismatch: %q", acc.Name)
	}

	stored, err := f.store.Find(ctx, acc.ID)
	if err != nil {
		t.Fatalf("credentials not stored: %v", err)
	}
	cacheID, cached, ok := f.cache.Get()
	if !ok || cacheID != acc.ID || cached.AccessToken != stored.AccessToken {
		t.Error("cache mirror out of sync with store")
	}
	if !f.mgr.Connected() {
		t.Error("expected connected state after success")
	}
}

func TestLoginOrRefresh_CentralizedDeletesLingeringAccount(t *testing.T) {
	backend := newFakeBackend(t, boolPtr(true))
	f := newFixture(t, backend.srv.URL, nil)
	ctx := context.Background()

	// A previous local session left an account behind.
	acc := &Account{ID: "old", Name: "old", ServerURL: "https://elsewhere", CreatedAt: time.Now()}
	if err := f.store.Update(ctx, acc.ID, testCreds(time.Now())); err != nil {
		t.Fatal(err)
	}
	f.holder.SetCurrent(acc)
	f.cache.Set(acc.ID, testCreds(time.Now()))

	if !f.mgr.LoginOrRefresh(ctx, false) {
		t.Fatal("expected centralized login-or-refresh to succeed")
	}
	if f.holder.Current() != nil {
		t.Error("lingering account should have been deleted")
	}
	if _, _, ok := f.cache.Get(); ok {
		t.Error("cache mirror should be cleared")
	}
	if _, err := f.store.Find(ctx, "old"); err == nil {
		t.Error("stored credentials should be removed")
	}
	if n := backend.loginCalls.Load(); n != 0 {
		t.Errorf("centralized mode must not login, got %d calls", n)
	}
}

func TestLoginOrRefresh_GuardSkipsFreshCredentials(t *testing.T) {
	backend := newFakeBackend(t, boolPtr(false))
	f := newFixture(t, backend.srv.URL, nil)
	ctx := context.Background()

	if !f.mgr.LoginOrRefresh(ctx, false) {
		t.Fatal("setup login failed")
	}
	// Credentials were issued moments ago, well inside the guard window.
	if !f.mgr.LoginOrRefresh(ctx, true) {
		t.Fatal("expected guarded call to succeed")
	}
	if n := backend.refreshCalls.Load(); n != 0 {
		t.Errorf("guard should have suppressed the refresh, got %d calls", n)
	}
}

func TestLoginOrRefresh_AuthErrorPastGuardRefreshes(t *testing.T) {
	backend := newFakeBackend(t, boolPtr(false))
	f := newFixture(t, backend.srv.URL, nil)
	ctx := context.Background()

	if !f.mgr.LoginOrRefresh(ctx, false) {
		t.Fatal("setup login failed")
	}
	// Age the stored credentials past the guard window while keeping them valid.
	aged := &Credentials{
		AccessToken:  "at-old",
		RefreshToken: "rt-old",
		TokenType:    "Bearer",
		IssuedAt:     time.Now().Add(-time.Minute),
		ExpiresAt:    time.Now().Add(time.Hour),
	}
	f.mgr.accountMu.Lock()
	if err := f.mgr.UpdateCredentials(ctx, aged); err != nil {
		f.mgr.accountMu.Unlock()
		t.Fatal(err)
	}
	f.mgr.accountMu.Unlock()

	if !f.mgr.LoginOrRefresh(ctx, true) {
		t.Fatal("expected forced refresh to succeed")
	}
	if n := backend.refreshCalls.Load(); n != 1 {
		t.Errorf("expected exactly one refresh call, got %d", n)
	}
}

func TestLoginOrRefresh_ExpiredTokenRefreshes(t *testing.T) {
	backend := newFakeBackend(t, boolPtr(false))
	f := newFixture(t, backend.srv.URL, nil)
	ctx := context.Background()

	if !f.mgr.LoginOrRefresh(ctx, false) {
		t.Fatal("setup login failed")
	}
	expired := &Credentials{
		AccessToken:  "at-old",
		RefreshToken: "rt-old",
		TokenType:    "Bearer",
		IssuedAt:     time.Now().Add(-2 * time.Hour),
		ExpiresAt:    time.Now().Add(-time.Hour),
	}
	f.mgr.accountMu.Lock()
	if err := f.mgr.UpdateCredentials(ctx, expired); err != nil {
		f.mgr.accountMu.Unlock()
		t.Fatal(err)
	}
	f.mgr.accountMu.Unlock()

	if !f.mgr.LoginOrRefresh(ctx, false) {
		t.Fatal("expected refresh of expired token to succeed")
	}
	if n := backend.refreshCalls.Load(); n != 1 {
		t.Errorf("expected exactly one refresh call, got %d", n)
	}
}

func TestLoginOrRefresh_ConcurrentCallersSingleRefresh(t *testing.T) {
	backend := newFakeBackend(t, boolPtr(false))
	backend.refreshDelay = 100 * time.Millisecond
	f := newFixture(t, backend.srv.URL, nil)
	ctx := context.Background()

	if !f.mgr.LoginOrRefresh(ctx, false) {
		t.Fatal("setup login failed")
	}
	aged := &Credentials{
		AccessToken:  "at-old",
		RefreshToken: "rt-old",
		TokenType:    "Bearer",
		IssuedAt:     time.Now().Add(-time.Minute),
		ExpiresAt:    time.Now().Add(time.Hour),
	}
	f.mgr.accountMu.Lock()
	if err := f.mgr.UpdateCredentials(ctx, aged); err != nil {
		f.mgr.accountMu.Unlock()
		t.Fatal(err)
	}
	f.mgr.accountMu.Unlock()

	const n = 10
	var wg sync.WaitGroup
	results := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = f.mgr.LoginOrRefresh(ctx, true)
		}(i)
	}
	wg.Wait()

	for i, ok := range results {
		if !ok {
			t.Errorf("caller %d failed", i)
		}
	}
	if calls := backend.refreshCalls.Load(); calls != 1 {
		t.Errorf("expected exactly one network refresh under contention, got %d", calls)
	}
}

func TestSessionTriple_NeverMismatched(t *testing.T) {
	backend := newFakeBackend(t, boolPtr(false))
	f := newFixture(t, backend.srv.URL, nil)
	ctx := context.Background()

	stop := make(chan struct{})
	var violations atomic.Int32
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			f.mgr.accountMu.Lock()
			acc := f.holder.Current()
			cacheID, _, ok := f.cache.Get()
			f.mgr.accountMu.Unlock()
			if ok && (acc == nil || acc.ID != cacheID) {
				violations.Add(1)
			}
		}
	}()

	for i := 0; i < 20; i++ {
		if !f.mgr.LoginOrRefresh(ctx, false) {
			t.Fatal("login failed")
		}
		if !f.mgr.Logout(ctx) {
			t.Fatal("logout failed")
		}
	}
	close(stop)
	wg.Wait()

	if v := violations.Load(); v != 0 {
		t.Fatalf("observed %d mismatched account/cache states", v)
	}
}

// failingRemoveStore wraps a real store but fails every Remove.
type failingRemoveStore struct {
	CredentialsStore
}

func (s *failingRemoveStore) Remove(context.Context, string) error {
	return errors.New("disk on fire")
}

func TestLogout_ClearsCacheEvenWhenStoreFails(t *testing.T) {
	backend := newFakeBackend(t, boolPtr(false))
	dir := t.TempDir()
	store := &failingRemoveStore{CredentialsStore: NewFileCredentialsStore(dir, "s")}
	f := newFixture(t, backend.srv.URL, store)
	ctx := context.Background()

	if !f.mgr.LoginOrRefresh(ctx, false) {
		t.Fatal("setup login failed")
	}
	if ok := f.mgr.Logout(ctx); ok {
		t.Error("logout should report failure when the store deletion fails")
	}
	if _, _, ok := f.cache.Get(); ok {
		t.Error("cache mirror must be cleared even when the store deletion fails")
	}
}

func TestLoginOrRefresh_UnreachableBackendIsNoOpHandler(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	f := newFixture(t, url, nil)
	if f.mgr.LoginOrRefresh(context.Background(), false) {
		t.Fatal("expected failure against unreachable backend")
	}
	if f.holder.Current() != nil {
		t.Error("NoOp handler must not mutate state")
	}
}

func TestLoginOrRefresh_ServerURLChangeTriggersRelogin(t *testing.T) {
	backend := newFakeBackend(t, boolPtr(false))
	f := newFixture(t, backend.srv.URL, nil)
	ctx := context.Background()

	// Account created against a different backend URL.
	acc := &Account{ID: "stale", Name: localLoginUser, ServerURL: "https://old-backend", CreatedAt: time.Now()}
	if err := f.store.Update(ctx, acc.ID, testCreds(time.Now())); err != nil {
		t.Fatal(err)
	}
	f.holder.SetCurrent(acc)

	if !f.mgr.LoginOrRefresh(ctx, false) {
		t.Fatal("expected relogin to succeed")
	}
	if n := backend.loginCalls.Load(); n != 1 {
		t.Errorf("expected one fresh login, got %d", n)
	}
	cur := f.holder.Current()
	if cur == nil || cur.ID == "stale" {
		t.Error("stale account should have been replaced")
	}
	if _, err := f.store.Find(ctx, "stale"); err == nil {
		t.Error("stale credentials should have been removed")
	}
}

func TestLoginOrRefresh_RetargetedClientHitsNewBackend(t *testing.T) {
	first := newFakeBackend(t, boolPtr(false))
	second := newFakeBackend(t, boolPtr(false))
	f := newFixture(t, first.srv.URL, nil)
	ctx := context.Background()

	if !f.mgr.LoginOrRefresh(ctx, false) {
		t.Fatal("expected login against the first backend")
	}
	if n := first.loginCalls.Load(); n != 1 {
		t.Fatalf("expected one login on the first backend, got %d", n)
	}

	// Config hot reload path: retarget the client, drop the cached handler.
	f.mgr.api.SetBaseURL(second.srv.URL)
	f.mgr.InvalidateHandler()

	if !f.mgr.LoginOrRefresh(ctx, false) {
		t.Fatal("expected login against the second backend")
	}
	if n := second.loginCalls.Load(); n != 1 {
		t.Errorf("expected one login on the second backend, got %d", n)
	}
	if n := first.loginCalls.Load(); n != 1 {
		t.Errorf("first backend must not be contacted again, got %d logins", n)
	}
	cur := f.holder.Current()
	if cur == nil || cur.ServerURL != second.srv.URL {
		t.Errorf("account should follow the new backend URL, got %+v", cur)
	}
}

func TestLoginOrRefresh_MissingExpirationStaysValid(t *testing.T) {
	backend := newFakeBackend(t, boolPtr(false))
	backend.omitExpiration = true
	f := newFixture(t, backend.srv.URL, nil)
	ctx := context.Background()

	if !f.mgr.LoginOrRefresh(ctx, false) {
		t.Fatal("expected silent login to succeed")
	}
	_, cached, ok := f.cache.Get()
	if !ok || !cached.Valid(time.Now()) {
		t.Fatal("credentials without expiration must count as valid")
	}

	// Tokens the backend never dated stay live until rejected; repeated calls
	// must not refresh on every pass.
	for i := 0; i < 3; i++ {
		if !f.mgr.LoginOrRefresh(ctx, false) {
			t.Fatal("expected no-op login-or-refresh to succeed")
		}
	}
	if n := backend.refreshCalls.Load(); n != 0 {
		t.Errorf("expected no refresh calls, got %d", n)
	}
	if n := backend.loginCalls.Load(); n != 1 {
		t.Errorf("expected exactly one login, got %d", n)
	}
}
