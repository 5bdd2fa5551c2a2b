package discovery

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"digma-core-go/internal/events"
	"digma-core-go/internal/logging"
	"digma-core-go/internal/models"
	"digma-core-go/internal/telemetry"

	log "github.com/sirupsen/logrus"
)

// Job names used with the task runner.
const (
	jobStartup     = "discovery.startup"
	jobProcessing  = "discovery.processing"
	jobMaintenance = "discovery.maintenance"
)

type commandKind int

const (
	cmdStop commandKind = iota
	cmdRestart
	cmdDispose
	cmdWatchdog
	cmdLaunch
)

type command struct {
	kind   commandKind
	reason string
	delay  time.Duration
}

// JobManagerOptions wires a JobManager. Host, Provider and Sink are required.
type JobManagerOptions struct {
	Host     Host
	Provider Provider
	Sink     Sink
	Hub      *events.Hub
	Reporter *telemetry.Reporter

	RestartDebounce time.Duration // quiet period before jobs relaunch
	WatchdogTimeout time.Duration // unmatched-stop force reset window
	CandidateDelay  time.Duration // delay before a changed file enters the queue
	MaintainEvery   time.Duration // maintenance job interval
	MonitorInterval time.Duration // drift poll period
	IdleWait        time.Duration // processing loop sleep on empty queue
	RetryBudget     int
	FailureCacheCap int
}

// JobManager owns the discovery pipeline lifecycle. All mutating commands
// (Stop, RestartWithDelay, Dispose) flow through one ordered queue consumed
// by a single goroutine, which removes the need for locking around job
// transitions; only the outstanding-stop counter is touched from arbitrary
// goroutines, atomically.
//
// The counter exists because several independent host subsystems pause
// discovery concurrently (dumb mode, bulk refresh) and each sends its own
// resume later. A boolean would let one early resume cancel another
// subsystem's still-active pause; the counter makes stop/start commutative.
type JobManager struct {
	host     Host
	provider Provider
	sink     Sink
	hub      *events.Hub
	reporter *telemetry.Reporter

	queue    *Queue
	failures *FailureTracker
	monitor  *FileMonitor
	runner   *TaskRunner

	restartDebounce time.Duration
	watchdogTimeout time.Duration
	candidateDelay  time.Duration
	maintainEvery   time.Duration
	idleWait        time.Duration

	// stopCount is the net number of Stop commands not yet matched by a
	// restart. Jobs may only launch while it is zero. Mutated only on the
	// consumer goroutine; atomic for external readers.
	stopCount atomic.Int64

	startupDone atomic.Bool
	running     atomic.Bool
	started     atomic.Bool
	disposed    atomic.Bool

	cmdMu   sync.Mutex
	cmdList []command
	cmdSig  chan struct{}

	timerMu sync.Mutex
	pending map[*time.Timer]struct{}

	rootCtx    context.Context
	rootCancel context.CancelFunc

	// consumer-goroutine state, never touched elsewhere
	jobsCancel   context.CancelFunc
	restartTimer *time.Timer
	consumerDone chan struct{}

	unsubscribe []func()
}

func NewJobManager(opts JobManagerOptions) (*JobManager, error) {
	if opts.RestartDebounce <= 0 {
		opts.RestartDebounce = 10 * time.Second
	}
	if opts.WatchdogTimeout <= 0 {
		opts.WatchdogTimeout = 5 * time.Minute
	}
	if opts.CandidateDelay <= 0 {
		opts.CandidateDelay = 5 * time.Second
	}
	if opts.MaintainEvery <= 0 {
		opts.MaintainEvery = time.Minute
	}
	if opts.IdleWait <= 0 {
		opts.IdleWait = 500 * time.Millisecond
	}
	if opts.RetryBudget <= 0 {
		opts.RetryBudget = 5
	}
	if opts.FailureCacheCap <= 0 {
		opts.FailureCacheCap = 1000
	}

	failures, err := NewFailureTracker(opts.FailureCacheCap, opts.RetryBudget)
	if err != nil {
		return nil, err
	}
	return &JobManager{
		host:            opts.Host,
		provider:        opts.Provider,
		sink:            opts.Sink,
		hub:             opts.Hub,
		reporter:        opts.Reporter,
		queue:           NewQueue(),
		failures:        failures,
		monitor:         NewFileMonitor(opts.Host.Snapshot, opts.MonitorInterval),
		restartDebounce: opts.RestartDebounce,
		watchdogTimeout: opts.WatchdogTimeout,
		candidateDelay:  opts.CandidateDelay,
		maintainEvery:   opts.MaintainEvery,
		idleWait:        opts.IdleWait,
		cmdSig:          make(chan struct{}, 1),
		pending:         make(map[*time.Timer]struct{}),
		consumerDone:    make(chan struct{}),
	}, nil
}

// Start launches the command consumer and the initial job set. The host
// lifecycle topics are subscribed as stop/start pairs. A second Start, or a
// Start after Dispose, is ignored.
func (m *JobManager) Start(ctx context.Context) {
	if m.disposed.Load() || m.started.Swap(true) {
		return
	}
	m.rootCtx, m.rootCancel = context.WithCancel(ctx)
	m.runner = NewTaskRunner(m.rootCtx)

	if m.hub != nil {
		m.unsubscribe = append(m.unsubscribe,
			m.hub.Subscribe(events.TopicIndexingPaused, func(context.Context, events.Event) {
				m.Stop("indexing paused")
			}),
			m.hub.Subscribe(events.TopicIndexingResumed, func(context.Context, events.Event) {
				m.RestartWithDelay(m.restartDebounce)
			}),
			m.hub.Subscribe(events.TopicRefreshStarted, func(context.Context, events.Event) {
				m.Stop("bulk refresh in progress")
			}),
			m.hub.Subscribe(events.TopicRefreshFinished, func(context.Context, events.Event) {
				m.RestartWithDelay(m.restartDebounce)
			}),
			m.hub.Subscribe(events.TopicFileChanged, func(_ context.Context, ev events.Event) {
				if fileURL, ok := ev.Payload.(string); ok {
					m.AddCandidate(fileURL)
				}
			}),
		)
	}

	go m.consume()
	m.enqueue(command{kind: cmdLaunch})
}

// Stop requests a pause of all jobs. Every Stop must eventually be matched by
// one RestartWithDelay; the watchdog covers callers that never do.
func (m *JobManager) Stop(reason string) {
	if m.disposed.Load() {
		return
	}
	m.enqueue(command{kind: cmdStop, reason: reason})
}

// RestartWithDelay matches one outstanding Stop, or, when none is
// outstanding, schedules a fresh restart. Jobs relaunch only after the
// debounce quiet period with the counter at zero and the host ready.
func (m *JobManager) RestartWithDelay(delay time.Duration) {
	if m.disposed.Load() {
		return
	}
	if delay <= 0 {
		delay = m.restartDebounce
	}
	m.enqueue(command{kind: cmdRestart, delay: delay})
}

// Dispose shuts the manager down permanently and waits for the jobs to exit.
// Safe to call before Start; only a started consumer is waited for.
func (m *JobManager) Dispose() {
	if m.disposed.Swap(true) {
		return
	}
	if m.started.Load() {
		m.enqueue(command{kind: cmdDispose})
		<-m.consumerDone
	}
	for _, unsub := range m.unsubscribe {
		unsub()
	}
	m.stopPendingTimers()
	if m.runner != nil {
		m.runner.StopAll()
		m.runner.Wait()
	}
	if m.rootCancel != nil {
		m.rootCancel()
	}
}

// Running reports whether the job set is currently active.
func (m *JobManager) Running() bool { return m.running.Load() }

// StopCount returns the outstanding-stop counter.
func (m *JobManager) StopCount() int64 { return m.stopCount.Load() }

// Queue exposes the candidate queue.
func (m *JobManager) Queue() *Queue { return m.queue }

// Failures exposes the failure tracker.
func (m *JobManager) Failures() *FailureTracker { return m.failures }

// AddCandidate schedules fileURL for discovery after the settle delay, so the
// host's own indexing of the file finishes first. Files that burned their
// retry budget are ignored for good.
func (m *JobManager) AddCandidate(fileURL string) {
	if m.disposed.Load() || m.failures.Exhausted(fileURL) {
		return
	}
	m.addAfter(fileURL, m.candidateDelay)
}

func (m *JobManager) addAfter(fileURL string, delay time.Duration) {
	m.timerMu.Lock()
	defer m.timerMu.Unlock()
	if m.disposed.Load() {
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		m.timerMu.Lock()
		delete(m.pending, timer)
		m.timerMu.Unlock()
		if m.disposed.Load() || m.failures.Exhausted(fileURL) {
			return
		}
		m.queue.Add(Candidate{FileURL: fileURL})
	})
	m.pending[timer] = struct{}{}
}

func (m *JobManager) stopPendingTimers() {
	m.timerMu.Lock()
	defer m.timerMu.Unlock()
	for timer := range m.pending {
		timer.Stop()
	}
	m.pending = make(map[*time.Timer]struct{})
}

// enqueue appends cmd to the ordered command list. Channels are bounded and a
// full buffer would block producers inside event handlers, so ordering lives
// in a slice and the channel only signals the consumer.
func (m *JobManager) enqueue(cmd command) {
	m.cmdMu.Lock()
	m.cmdList = append(m.cmdList, cmd)
	m.cmdMu.Unlock()
	select {
	case m.cmdSig <- struct{}{}:
	default:
	}
}

func (m *JobManager) drainCommands() []command {
	m.cmdMu.Lock()
	cmds := m.cmdList
	m.cmdList = nil
	m.cmdMu.Unlock()
	return cmds
}

func (m *JobManager) consume() {
	defer close(m.consumerDone)
	for {
		select {
		case <-m.cmdSig:
			for _, cmd := range m.drainCommands() {
				if m.apply(cmd) {
					return
				}
			}
		case <-m.rootCtx.Done():
			return
		}
	}
}

// apply processes one command in FIFO order on the consumer goroutine. It
// returns true when the consumer should exit.
func (m *JobManager) apply(cmd command) bool {
	switch cmd.kind {
	case cmdStop:
		n := m.stopCount.Add(1)
		log.WithFields(log.Fields{"reason": cmd.reason, "outstanding": n}).Debug("discovery stop requested")
		m.cancelJobs()
		m.armWatchdog()

	case cmdRestart:
		if m.stopCount.Load() > 0 {
			if m.stopCount.Add(-1) > 0 {
				log.WithField("outstanding", m.stopCount.Load()).Debug("restart deferred, stops still outstanding")
				return false
			}
		}
		m.scheduleLaunch(cmd.delay)

	case cmdWatchdog:
		if n := m.stopCount.Load(); n > 0 {
			log.WithField("outstanding", n).Warn("discovery stalled, forcing counter reset and restart")
			m.stopCount.Store(0)
			m.scheduleLaunch(m.restartDebounce)
		}

	case cmdLaunch:
		if m.stopCount.Load() != 0 || m.running.Load() {
			return false
		}
		if !m.host.Ready() || m.jobsStillWindingDown() {
			// Host mid-reindex or the previous generation has not exited yet;
			// try again after another quiet period.
			m.scheduleLaunch(m.restartDebounce)
			return false
		}
		m.launchJobs()

	case cmdDispose:
		m.cancelJobs()
		if m.restartTimer != nil {
			m.restartTimer.Stop()
		}
		log.Info("discovery job manager disposed")
		return true
	}
	return false
}

func (m *JobManager) cancelJobs() {
	if m.jobsCancel != nil {
		m.jobsCancel()
		m.jobsCancel = nil
	}
	if m.restartTimer != nil {
		m.restartTimer.Stop()
		m.restartTimer = nil
	}
	m.running.Store(false)
}

func (m *JobManager) armWatchdog() {
	time.AfterFunc(m.watchdogTimeout, func() {
		if !m.disposed.Load() {
			m.enqueue(command{kind: cmdWatchdog})
		}
	})
}

// scheduleLaunch coalesces restart bursts: a pending launch timer is replaced
// rather than stacked.
func (m *JobManager) scheduleLaunch(delay time.Duration) {
	if m.restartTimer != nil {
		m.restartTimer.Stop()
	}
	m.restartTimer = time.AfterFunc(delay, func() {
		if !m.disposed.Load() {
			m.enqueue(command{kind: cmdLaunch})
		}
	})
}

func (m *JobManager) jobsStillWindingDown() bool {
	for _, name := range []string{jobStartup, jobProcessing, jobMaintenance} {
		if status, ok := m.runner.Status(name); ok && status == TaskStatusRunning {
			return true
		}
	}
	return false
}

// launchJobs starts the three jobs on a fresh generation context. Cancelling
// the generation (Stop, Dispose, superseded restart) transitively cancels the
// per-file discovery and its monitor.
func (m *JobManager) launchJobs() {
	jobsCtx, cancel := context.WithCancel(m.rootCtx)
	m.jobsCancel = cancel
	m.running.Store(true)
	log.Info("discovery jobs starting")

	if !m.startupDone.Load() {
		if err := m.runner.Start(jobStartup, func(context.Context) error {
			return m.startupJob(jobsCtx)
		}); err != nil {
			log.WithError(err).Warn("startup job not started")
		}
	}
	if err := m.runner.Start(jobProcessing, func(context.Context) error {
		return m.processingJob(jobsCtx)
	}); err != nil {
		log.WithError(err).Warn("processing job not started")
	}
	if err := m.runner.Start(jobMaintenance, func(context.Context) error {
		return m.maintenanceJob(jobsCtx)
	}); err != nil {
		log.WithError(err).Warn("maintenance job not started")
	}
}

// startupJob seeds the queue from the host index once per manager lifetime.
// Marked done only on success so an interrupted seed reruns on restart.
func (m *JobManager) startupJob(ctx context.Context) error {
	candidates, err := m.host.SeedCandidates(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.WithError(err).Warn("candidate seed failed")
		if m.reporter != nil {
			m.reporter.ReportError(ctx, "discovery.seed", err, nil)
		}
		return err
	}
	added := 0
	for _, c := range candidates {
		if !m.failures.Exhausted(c.FileURL) && m.queue.Add(c) {
			added++
		}
	}
	m.startupDone.Store(true)
	log.WithField("candidates", added).Info("candidate queue seeded")
	return nil
}

// processingJob drains the queue one candidate at a time, in insertion order.
// The head is peeked, not popped, so a cancelled run keeps its place.
func (m *JobManager) processingJob(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c, ok := m.queue.Peek()
		if !ok {
			select {
			case <-time.After(m.idleWait):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		m.processCandidate(ctx, c)
	}
}

func (m *JobManager) maintenanceJob(ctx context.Context) error {
	ticker := time.NewTicker(m.maintainEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := m.host.Maintain(ctx); err != nil && ctx.Err() == nil {
				log.WithError(err).Warn("maintenance run failed")
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *JobManager) processCandidate(ctx context.Context, c Candidate) {
	if !m.host.InProject(c.FileURL) || !m.host.Exists(c.FileURL) {
		logging.WithFile(c.FileURL, nil).Debug("candidate no longer relevant, dropping")
		m.queue.Remove(c.FileURL)
		return
	}

	began := time.Now()
	result := m.monitor.Execute(ctx, c.FileURL, func(opCtx context.Context) (*models.FileDiscoveryInfo, error) {
		return m.provider.Discover(opCtx, c.FileURL)
	})

	switch r := result.(type) {
	case Success:
		if err := m.deliver(ctx, r); err != nil {
			m.recordFailure(ctx, c, err)
			return
		}
		m.queue.Remove(c.FileURL)
		m.failures.Reset(c.FileURL)
		logging.WithFile(c.FileURL, log.Fields{
			"elapsed_ms": logging.DurationMS(time.Since(began)),
		}).Debug("discovery delivered")

	case Cancelled:
		if ctx.Err() != nil {
			return
		}
		// Interference, not failure: let indexing settle and try again.
		logging.WithFile(c.FileURL, log.Fields{"reason": r.Reason}).Debug("discovery cancelled, requeueing")
		m.queue.Remove(c.FileURL)
		m.addAfter(c.FileURL, m.candidateDelay)

	case Failure:
		m.recordFailure(ctx, c, r.Err)
	}
}

func (m *JobManager) deliver(ctx context.Context, r Success) error {
	if r.Info == nil || r.Info.IsEmpty() {
		return nil
	}
	return m.sink.Deliver(ctx, r.Info)
}

func (m *JobManager) recordFailure(ctx context.Context, c Candidate, err error) {
	if ctx.Err() != nil {
		return
	}
	logging.WithFile(c.FileURL, nil).WithError(err).Warn("discovery failed")
	if m.reporter != nil {
		m.reporter.ReportError(ctx, "discovery.process", err, map[string]string{"file": c.FileURL})
	}
	m.queue.Remove(c.FileURL)
	if m.failures.RecordFailure(c.FileURL) {
		return
	}
	m.addAfter(c.FileURL, m.candidateDelay)
}
