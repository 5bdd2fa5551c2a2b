package discovery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"digma-core-go/internal/events"
	"digma-core-go/internal/models"
)

type fakeHost struct {
	ready     atomic.Bool
	missing   sync.Map
	outside   sync.Map
	seeds     []Candidate
	seedCalls atomic.Int32
	maintains atomic.Int32
}

func newFakeHost(seeds ...Candidate) *fakeHost {
	h := &fakeHost{seeds: seeds}
	h.ready.Store(true)
	return h
}

func (h *fakeHost) Ready() bool { return h.ready.Load() }

func (h *fakeHost) InProject(fileURL string) bool {
	_, out := h.outside.Load(fileURL)
	return !out
}

func (h *fakeHost) Exists(fileURL string) bool {
	_, miss := h.missing.Load(fileURL)
	return !miss
}

func (h *fakeHost) Snapshot(string) (FileSnapshot, error) {
	return FileSnapshot{ModStamp: 1, Length: 1, Valid: true, PSIStamp: 1, GlobalModCount: 1}, nil
}

func (h *fakeHost) SeedCandidates(context.Context) ([]Candidate, error) {
	h.seedCalls.Add(1)
	return h.seeds, nil
}

func (h *fakeHost) Maintain(context.Context) error {
	h.maintains.Add(1)
	return nil
}

type fakeProvider struct {
	fn    func(ctx context.Context, fileURL string) (*models.FileDiscoveryInfo, error)
	calls atomic.Int32
}

func (p *fakeProvider) Discover(ctx context.Context, fileURL string) (*models.FileDiscoveryInfo, error) {
	p.calls.Add(1)
	if p.fn != nil {
		return p.fn(ctx, fileURL)
	}
	return &models.FileDiscoveryInfo{
		FileURL: fileURL,
		Methods: []models.MethodInfo{{ID: fileURL + "#m", Name: "m"}},
	}, nil
}

type fakeSink struct {
	mu        sync.Mutex
	delivered []*models.FileDiscoveryInfo
}

func (s *fakeSink) Deliver(_ context.Context, info *models.FileDiscoveryInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered = append(s.delivered, info)
	return nil
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.delivered)
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestJobManager(t *testing.T, host *fakeHost, provider *fakeProvider, sink *fakeSink, tweak func(*JobManagerOptions)) *JobManager {
	t.Helper()
	opts := JobManagerOptions{
		Host:            host,
		Provider:        provider,
		Sink:            sink,
		RestartDebounce: 25 * time.Millisecond,
		WatchdogTimeout: time.Hour,
		CandidateDelay:  10 * time.Millisecond,
		MaintainEvery:   10 * time.Millisecond,
		MonitorInterval: 5 * time.Millisecond,
		IdleWait:        5 * time.Millisecond,
	}
	if tweak != nil {
		tweak(&opts)
	}
	jm, err := NewJobManager(opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(jm.Dispose)
	return jm
}

func TestJobManager_PipelineDeliversDiscovery(t *testing.T) {
	host := newFakeHost(Candidate{FileURL: "file://a"}, Candidate{FileURL: "file://b"})
	provider := &fakeProvider{}
	sink := &fakeSink{}
	jm := newTestJobManager(t, host, provider, sink, nil)

	jm.Start(context.Background())
	waitUntil(t, "both discoveries delivered", func() bool { return sink.count() == 2 })
	waitUntil(t, "queue drained", func() bool { return jm.Queue().Len() == 0 })
	if n := host.seedCalls.Load(); n != 1 {
		t.Errorf("expected one seed pass, got %d", n)
	}
}

func TestJobManager_StartupRunsOncePerLifetime(t *testing.T) {
	host := newFakeHost(Candidate{FileURL: "file://a"})
	provider := &fakeProvider{}
	sink := &fakeSink{}
	jm := newTestJobManager(t, host, provider, sink, nil)

	jm.Start(context.Background())
	waitUntil(t, "first delivery", func() bool { return sink.count() == 1 })

	jm.Stop("test pause")
	waitUntil(t, "jobs stopped", func() bool { return !jm.Running() })
	jm.RestartWithDelay(10 * time.Millisecond)
	waitUntil(t, "jobs restarted", func() bool { return jm.Running() })

	time.Sleep(50 * time.Millisecond)
	if n := host.seedCalls.Load(); n != 1 {
		t.Errorf("successful seed must not rerun on restart, got %d passes", n)
	}
}

func TestJobManager_StopStartCounterPairs(t *testing.T) {
	host := newFakeHost()
	jm := newTestJobManager(t, host, &fakeProvider{}, &fakeSink{}, nil)

	jm.Start(context.Background())
	waitUntil(t, "jobs running", func() bool { return jm.Running() })

	jm.Stop("A")
	jm.Stop("B")
	waitUntil(t, "counter at 2", func() bool { return jm.StopCount() == 2 && !jm.Running() })

	jm.RestartWithDelay(10 * time.Millisecond)
	waitUntil(t, "counter at 1", func() bool { return jm.StopCount() == 1 })
	time.Sleep(80 * time.Millisecond)
	if jm.Running() {
		t.Fatal("jobs must stay stopped while a stop is outstanding")
	}

	jm.RestartWithDelay(10 * time.Millisecond)
	waitUntil(t, "jobs restarted", func() bool { return jm.Running() })
	if jm.StopCount() != 0 {
		t.Errorf("counter should be back at zero, got %d", jm.StopCount())
	}
}

func TestJobManager_WatchdogForcesRestart(t *testing.T) {
	host := newFakeHost()
	jm := newTestJobManager(t, host, &fakeProvider{}, &fakeSink{}, func(o *JobManagerOptions) {
		o.WatchdogTimeout = 40 * time.Millisecond
	})

	jm.Start(context.Background())
	waitUntil(t, "jobs running", func() bool { return jm.Running() })

	jm.Stop("never matched")
	waitUntil(t, "jobs stopped", func() bool { return !jm.Running() })

	waitUntil(t, "watchdog restart", func() bool { return jm.Running() })
	if jm.StopCount() != 0 {
		t.Errorf("watchdog must reset the counter, got %d", jm.StopCount())
	}

	// A properly paired stop/start still works after the forced reset.
	jm.Stop("paired")
	waitUntil(t, "jobs stopped again", func() bool { return !jm.Running() })
	jm.RestartWithDelay(10 * time.Millisecond)
	waitUntil(t, "jobs running again", func() bool { return jm.Running() })
}

func TestJobManager_RetryBudgetGivesUpPermanently(t *testing.T) {
	host := newFakeHost()
	provider := &fakeProvider{
		fn: func(context.Context, string) (*models.FileDiscoveryInfo, error) {
			return nil, errors.New("discovery keeps failing")
		},
	}
	jm := newTestJobManager(t, host, provider, &fakeSink{}, func(o *JobManagerOptions) {
		o.RetryBudget = 2
	})

	jm.Start(context.Background())
	waitUntil(t, "jobs running", func() bool { return jm.Running() })

	jm.AddCandidate("file://bad")
	waitUntil(t, "budget exhausted", func() bool { return jm.Failures().Exhausted("file://bad") })
	waitUntil(t, "file evicted", func() bool { return !jm.Queue().Contains("file://bad") })

	calls := provider.calls.Load()
	jm.AddCandidate("file://bad")
	time.Sleep(60 * time.Millisecond)
	if jm.Queue().Contains("file://bad") {
		t.Error("exhausted file must not re-enter the queue")
	}
	if provider.calls.Load() != calls {
		t.Error("exhausted file must not be discovered again")
	}
}

func TestJobManager_IrrelevantCandidatesDropped(t *testing.T) {
	host := newFakeHost(Candidate{FileURL: "file://deleted"}, Candidate{FileURL: "file://outside"})
	host.missing.Store("file://deleted", true)
	host.outside.Store("file://outside", true)
	provider := &fakeProvider{}
	sink := &fakeSink{}
	jm := newTestJobManager(t, host, provider, sink, nil)

	jm.Start(context.Background())
	waitUntil(t, "queue drained", func() bool { return jm.Queue().Len() == 0 })
	if provider.calls.Load() != 0 {
		t.Error("irrelevant candidates must not reach the provider")
	}
	if sink.count() != 0 {
		t.Error("nothing should be delivered")
	}
}

func TestJobManager_LifecycleEventsPauseAndResume(t *testing.T) {
	hub := events.NewHub()
	host := newFakeHost()
	sink := &fakeSink{}
	jm := newTestJobManager(t, host, &fakeProvider{}, sink, func(o *JobManagerOptions) {
		o.Hub = hub
	})

	jm.Start(context.Background())
	waitUntil(t, "jobs running", func() bool { return jm.Running() })

	hub.Publish(context.Background(), events.TopicIndexingPaused, nil, nil)
	waitUntil(t, "paused by event", func() bool { return !jm.Running() })

	hub.Publish(context.Background(), events.TopicIndexingResumed, nil, nil)
	waitUntil(t, "resumed by event", func() bool { return jm.Running() })

	hub.Publish(context.Background(), events.TopicFileChanged, "file://x", nil)
	waitUntil(t, "changed file discovered", func() bool { return sink.count() == 1 })
}

func TestJobManager_HostNotReadyDefersLaunch(t *testing.T) {
	host := newFakeHost()
	host.ready.Store(false)
	jm := newTestJobManager(t, host, &fakeProvider{}, &fakeSink{}, nil)

	jm.Start(context.Background())
	time.Sleep(60 * time.Millisecond)
	if jm.Running() {
		t.Fatal("jobs must not launch while the host is not ready")
	}

	host.ready.Store(true)
	waitUntil(t, "launch once ready", func() bool { return jm.Running() })
}

func TestJobManager_DisposeIsFinal(t *testing.T) {
	host := newFakeHost()
	jm := newTestJobManager(t, host, &fakeProvider{}, &fakeSink{}, nil)

	jm.Start(context.Background())
	waitUntil(t, "jobs running", func() bool { return jm.Running() })

	jm.Dispose()
	if jm.Running() {
		t.Error("disposed manager must not be running")
	}
	jm.AddCandidate("file://late")
	time.Sleep(30 * time.Millisecond)
	if jm.Queue().Contains("file://late") {
		t.Error("disposed manager must ignore new candidates")
	}
}

func TestJobManager_DisposeBeforeStart(t *testing.T) {
	jm := newTestJobManager(t, newFakeHost(), &fakeProvider{}, &fakeSink{}, nil)

	done := make(chan struct{})
	go func() {
		jm.Dispose()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Dispose blocked on a consumer that never ran")
	}

	// A late Start on a disposed manager must be a no-op.
	jm.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	if jm.Running() {
		t.Error("disposed manager must not launch jobs")
	}
}
