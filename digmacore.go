package digmacore

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"digma-core-go/internal/auth"
	"digma-core-go/internal/config"
	"digma-core-go/internal/discovery"
	"digma-core-go/internal/events"
	"digma-core-go/internal/logging"
	"digma-core-go/internal/models"
	"digma-core-go/internal/telemetry"

	log "github.com/sirupsen/logrus"
)

// Re-exported types forming the public API surface.
type (
	Config            = config.Config
	Host              = discovery.Host
	Provider          = discovery.Provider
	Candidate         = discovery.Candidate
	FileSnapshot      = discovery.FileSnapshot
	AnalyticsClient   = auth.AnalyticsClient
	TokenProvider     = auth.TokenProvider
	TelemetrySink     = telemetry.Sink
	FileDiscoveryInfo = models.FileDiscoveryInfo
	MethodInfo        = models.MethodInfo
	SpanInfo          = models.SpanInfo
	EndpointInfo      = models.EndpointInfo
	Insight           = models.Insight
	Event             = events.Event
)

// Event topics the host publishes and subscribes on the core hub.
const (
	TopicIndexingPaused    = events.TopicIndexingPaused
	TopicIndexingResumed   = events.TopicIndexingResumed
	TopicRefreshStarted    = events.TopicRefreshStarted
	TopicRefreshFinished   = events.TopicRefreshFinished
	TopicAccountChanged    = events.TopicAccountChanged
	TopicConnectionChanged = events.TopicConnectionChanged
	TopicFileChanged       = events.TopicFileChanged
)

// DefaultConfig returns the production default configuration.
func DefaultConfig() *Config { return config.Default() }

// LoadConfig loads configuration from a YAML file with environment overrides.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// Collaborators are the host-supplied boundary objects.
type Collaborators struct {
	// Host provides project membership, file state, readiness, the bulk seed
	// scan and the periodic maintenance hook.
	Host Host
	// Provider produces the discovery result for one file.
	Provider Provider
	// Analytics is the raw backend client; the core wraps it so every call
	// re-authenticates transparently.
	Analytics AnalyticsClient
	// Telemetry receives error reports. Optional; nil means log-only.
	Telemetry TelemetrySink
}

// Core wires the authentication state machine and the discovery pipeline
// together and owns their lifecycles.
type Core struct {
	cfg    *Config
	collab Collaborators

	cfgManager *config.Manager
	hub        *events.Hub
	reporter   *telemetry.Reporter
	api        *auth.AuthAPIClient
	holder     *auth.DefaultAccountHolder
	store      auth.CredentialsStore
	cache      *auth.CredentialsCache
	authMgr    *auth.AuthManager
	tokens     TokenProvider
	jobs       *discovery.JobManager
	sink       *deferredSink

	runCancel         context.CancelFunc
	telemetryShutdown func(context.Context) error
	started           bool
	startMu           sync.Mutex
	closeOnce         sync.Once
}

// New builds a Core from cfg and the host collaborators. cfg may be partially
// populated; zero values take production defaults.
func New(cfg *Config, collab Collaborators) (*Core, error) {
	if collab.Host == nil || collab.Provider == nil || collab.Analytics == nil {
		return nil, errors.New("digmacore: Host, Provider and Analytics collaborators are required")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.Normalize()
	if err := logging.Setup(cfg); err != nil {
		return nil, err
	}

	hub := events.NewHub()
	reporter := telemetry.NewReporter(collab.Telemetry)

	accountsDir := cfg.AccountsDir
	if accountsDir == "" {
		accountsDir = "."
	}
	holder, err := auth.NewDefaultAccountHolder(filepath.Join(accountsDir, "accounts.json"), hub)
	if err != nil {
		return nil, err
	}
	store := auth.NewFileCredentialsStore(accountsDir, cfg.EncryptionSecret)
	cache := auth.NewCredentialsCache()
	api := auth.NewAuthAPIClient(cfg.APIURL, cfg.RequestTimeout.Std())

	authMgr, err := auth.NewAuthManager(auth.ManagerOptions{
		API:          api,
		Holder:       holder,
		Store:        store,
		Cache:        cache,
		Hub:          hub,
		Reporter:     reporter,
		RefreshGuard: cfg.RefreshGuard.Std(),
		StoreTimeout: cfg.StoreTimeout.Std(),
	})
	if err != nil {
		holder.Close()
		return nil, err
	}

	var tokens TokenProvider
	if cfg.APIToken != "" {
		tokens = &auth.StaticTokenProvider{Header: cfg.AuthHeader, Value: cfg.APIToken}
	} else {
		tokens = &auth.AccountTokenProvider{Header: cfg.AuthHeader, Cache: cache}
	}

	sink := &deferredSink{}
	jobs, err := discovery.NewJobManager(discovery.JobManagerOptions{
		Host:            collab.Host,
		Provider:        collab.Provider,
		Sink:            sink,
		Hub:             hub,
		Reporter:        reporter,
		RestartDebounce: cfg.RestartDebounce.Std(),
		WatchdogTimeout: cfg.WatchdogTimeout.Std(),
		CandidateDelay:  cfg.CandidateDelay.Std(),
		MaintainEvery:   cfg.MaintainEvery.Std(),
		MonitorInterval: cfg.MonitorInterval.Std(),
		RetryBudget:     cfg.RetryBudget,
		FailureCacheCap: cfg.FailureCacheCap,
	})
	if err != nil {
		holder.Close()
		return nil, err
	}

	return &Core{
		cfg:      cfg,
		collab:   collab,
		hub:      hub,
		reporter: reporter,
		api:      api,
		holder:   holder,
		store:    store,
		cache:    cache,
		authMgr:  authMgr,
		tokens:   tokens,
		jobs:     jobs,
		sink:     sink,
	}, nil
}

// NewFromFile builds a Core from a YAML config file and keeps watching it:
// log level changes apply live, and a backend URL change invalidates the
// cached login handler so the next operation re-queries the deployment mode.
func NewFromFile(path string, collab Collaborators) (*Core, error) {
	mgr, err := config.NewManager(path)
	if err != nil {
		return nil, err
	}
	core, err := New(mgr.Get(), collab)
	if err != nil {
		mgr.Close()
		return nil, err
	}
	core.cfgManager = mgr
	mgr.OnChange(func(old, cur *config.Config) {
		if err := logging.Setup(cur); err != nil {
			log.WithError(err).Warn("log reconfiguration failed")
		}
		if old.APIURL != cur.APIURL {
			core.api.SetBaseURL(cur.APIURL)
			core.authMgr.InvalidateHandler()
		}
	})
	return core, nil
}

// Start performs the initial login-or-refresh, wraps the analytics client and
// launches the discovery pipeline plus the optional proactive refresh loop.
func (c *Core) Start(ctx context.Context) error {
	c.startMu.Lock()
	defer c.startMu.Unlock()
	if c.started {
		return errors.New("digmacore: already started")
	}
	c.started = true

	runCtx, cancel := context.WithCancel(ctx)
	c.runCancel = cancel

	shutdown, err := telemetry.InitTracing(runCtx)
	if err != nil {
		log.WithError(err).Warn("tracing unavailable")
	}
	c.telemetryShutdown = shutdown

	c.sink.set(c.authMgr.WithAuth(runCtx, c.collab.Analytics))

	if interval := c.cfg.RefreshInterval.Std(); interval > 0 {
		go c.authMgr.StartPeriodicRefresh(runCtx, interval, c.cfg.RefreshAhead.Std())
	}

	c.jobs.Start(runCtx)
	log.Info("digma core started")
	return nil
}

// Close shuts everything down. Safe to call more than once.
func (c *Core) Close() {
	c.closeOnce.Do(func() {
		c.jobs.Dispose()
		if c.runCancel != nil {
			c.runCancel()
		}
		c.holder.Close()
		if c.cfgManager != nil {
			c.cfgManager.Close()
		}
		if c.telemetryShutdown != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := c.telemetryShutdown(ctx); err != nil {
				log.WithError(err).Debug("tracing shutdown failed")
			}
		}
		log.Info("digma core closed")
	})
}

// Auth exposes the session manager (login, logout, connection state).
func (c *Core) Auth() *auth.AuthManager { return c.authMgr }

// Jobs exposes the discovery job manager (stop/restart, candidates).
func (c *Core) Jobs() *discovery.JobManager { return c.jobs }

// Hub is the event bus shared between the host and the core.
func (c *Core) Hub() *events.Hub { return c.hub }

// TokenProvider returns the strategy for the outgoing auth header.
func (c *Core) TokenProvider() TokenProvider { return c.tokens }

// Analytics returns the re-authenticating analytics client. Nil before Start.
func (c *Core) Analytics() AnalyticsClient { return c.sink.get() }

// Connected reports whether the last backend interaction succeeded.
func (c *Core) Connected() bool { return c.authMgr.Connected() }

// deferredSink bridges the job manager (built at New) to the wrapped
// analytics client (built at Start, because wrapping performs the initial
// synchronous login).
type deferredSink struct {
	mu     sync.RWMutex
	client AnalyticsClient
}

func (s *deferredSink) set(client AnalyticsClient) {
	s.mu.Lock()
	s.client = client
	s.mu.Unlock()
}

func (s *deferredSink) get() AnalyticsClient {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client
}

func (s *deferredSink) Deliver(ctx context.Context, info *FileDiscoveryInfo) error {
	client := s.get()
	if client == nil {
		return errors.New("analytics client not ready")
	}
	return client.SendFileDiscovery(ctx, info)
}
