package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"digma-core-go/internal/apierrors"
)

type captureSink struct {
	mu      sync.Mutex
	reports []Report
}

func (s *captureSink) Send(r Report) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reports)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestReporter_ReportsUnknownErrors(t *testing.T) {
	sink := &captureSink{}
	r := NewReporter(sink)

	r.ReportError(context.Background(), "auth", errors.New("boom"), map[string]string{"phase": "login"})

	waitFor(t, func() bool { return sink.count() == 1 })
}

func TestReporter_SuppressesConnectionErrors(t *testing.T) {
	sink := &captureSink{}
	r := NewReporter(sink)

	r.ReportError(context.Background(), "auth", &apierrors.ConnectionError{Err: errors.New("connection refused")}, nil)

	time.Sleep(50 * time.Millisecond)
	if sink.count() != 0 {
		t.Fatalf("connection errors must never be reported, got %d", sink.count())
	}
}

func TestReporter_SuppressesCancellation(t *testing.T) {
	sink := &captureSink{}
	r := NewReporter(sink)

	r.ReportError(context.Background(), "discovery", context.Canceled, nil)

	time.Sleep(50 * time.Millisecond)
	if sink.count() != 0 {
		t.Fatalf("cancellation must never be reported, got %d", sink.count())
	}
}

func TestReporter_NilSinkSafe(t *testing.T) {
	r := NewReporter(nil)
	r.ReportError(context.Background(), "auth", errors.New("boom"), nil)
}

func TestReporter_RateLimited(t *testing.T) {
	sink := &captureSink{}
	r := NewReporter(sink)

	for i := 0; i < 100; i++ {
		r.ReportError(context.Background(), "auth", errors.New("boom"), nil)
	}

	time.Sleep(100 * time.Millisecond)
	if n := sink.count(); n > 15 {
		t.Fatalf("rate limiter did not engage, %d reports delivered", n)
	}
}
