package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// TaskStatus is the lifecycle state of one named background task.
type TaskStatus string

const (
	TaskStatusRunning  TaskStatus = "running"
	TaskStatusStopped  TaskStatus = "stopped"
	TaskStatusFailed   TaskStatus = "failed"
	TaskStatusCanceled TaskStatus = "canceled"
)

type task struct {
	name   string
	status TaskStatus
	err    error
	cancel context.CancelFunc
}

// TaskFunc is the body of a background task.
type TaskFunc func(ctx context.Context) error

// TaskRunner runs the named background jobs of the discovery pipeline. Each
// task gets its own cancel, panics are recovered and recorded as failures,
// and a finished task's slot can be reused by a later Start of the same name
// (jobs are restarted across stop/start cycles).
type TaskRunner struct {
	mu     sync.Mutex
	tasks  map[string]*task
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func NewTaskRunner(ctx context.Context) *TaskRunner {
	ctx, cancel := context.WithCancel(ctx)
	return &TaskRunner{
		tasks:  make(map[string]*task),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches fn as a named background task. Starting a name that is still
// running is an error; a stopped or failed task of the same name is replaced.
func (r *TaskRunner) Start(name string, fn TaskFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.tasks[name]; ok && existing.status == TaskStatusRunning {
		return fmt.Errorf("task %s already running", name)
	}
	if r.ctx.Err() != nil {
		return fmt.Errorf("task runner stopped")
	}

	taskCtx, taskCancel := context.WithCancel(r.ctx)
	t := &task{name: name, status: TaskStatusRunning, cancel: taskCancel}
	r.tasks[name] = t

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer taskCancel()
		defer func() {
			if rec := recover(); rec != nil {
				log.WithFields(log.Fields{"task": name, "panic": rec}).Error("task panicked")
				r.finish(t, TaskStatusFailed, fmt.Errorf("panic: %v", rec))
			}
		}()

		log.WithField("task", name).Debug("task started")
		err := fn(taskCtx)
		switch {
		case err == nil:
			log.WithField("task", name).Debug("task stopped")
			r.finish(t, TaskStatusStopped, nil)
		case taskCtx.Err() != nil || errors.Is(err, context.Canceled):
			r.finish(t, TaskStatusCanceled, err)
		default:
			log.WithFields(log.Fields{"task": name, "error": err}).Warn("task failed")
			r.finish(t, TaskStatusFailed, err)
		}
	}()
	return nil
}

func (r *TaskRunner) finish(t *task, status TaskStatus, err error) {
	r.mu.Lock()
	t.status = status
	t.err = err
	r.mu.Unlock()
}

// StartPeriodic runs fn immediately and then on every interval tick until the
// task is cancelled. Individual run errors are logged, not fatal.
func (r *TaskRunner) StartPeriodic(name string, interval time.Duration, fn TaskFunc) error {
	return r.Start(name, func(ctx context.Context) error {
		run := func() {
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				log.WithFields(log.Fields{"task": name, "error": err}).Warn("periodic run failed")
			}
		}
		run()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				run()
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})
}

// StartDelayed runs fn after delay, unless cancelled first.
func (r *TaskRunner) StartDelayed(name string, delay time.Duration, fn TaskFunc) error {
	return r.Start(name, func(ctx context.Context) error {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
			return fn(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

// Stop cancels one named task.
func (r *TaskRunner) Stop(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tasks[name]; ok {
		t.cancel()
	}
}

// StopAll cancels every task and prevents new starts.
func (r *TaskRunner) StopAll() {
	r.cancel()
}

// Wait blocks until every launched task has returned.
func (r *TaskRunner) Wait() {
	r.wg.Wait()
}

// Status returns the status of a named task.
func (r *TaskRunner) Status(name string) (TaskStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[name]
	if !ok {
		return "", false
	}
	return t.status, true
}
