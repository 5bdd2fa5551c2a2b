package discovery

import (
	"context"
	"errors"
	"time"

	"digma-core-go/internal/models"
	"digma-core-go/internal/telemetry"

	log "github.com/sirupsen/logrus"
)

// SnapshotFunc reads the current snapshot of a file.
type SnapshotFunc func(fileURL string) (FileSnapshot, error)

// DiscoverFunc is the operation the monitor races against interference.
type DiscoverFunc func(ctx context.Context) (*models.FileDiscoveryInfo, error)

// FileMonitor executes a discovery operation while polling the file for
// drift. Building a discovery result takes a nontrivial slice of time with no
// lock held, during which the file can be edited or invalidated underneath
// the operation; the first detected change cancels the operation and the run
// resolves to Cancelled. Polling beats threading invalidation callbacks
// through every layer of the discovery logic.
type FileMonitor struct {
	snapshot SnapshotFunc
	interval time.Duration
}

func NewFileMonitor(snapshot SnapshotFunc, interval time.Duration) *FileMonitor {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &FileMonitor{snapshot: snapshot, interval: interval}
}

type opOutcome struct {
	info *models.FileDiscoveryInfo
	err  error
}

// Execute races op against the drift poller. Whichever finishes first decides
// the outcome; the loser is always cancelled and awaited before returning, so
// no goroutine outlives the call.
func (m *FileMonitor) Execute(ctx context.Context, fileURL string, op DiscoverFunc) ProcessingResult {
	spanCtx, span := telemetry.StartSpan(ctx, "discovery", "monitored-discover")
	defer span.End()

	base, err := m.snapshot(fileURL)
	if err != nil {
		return Cancelled{Reason: "file not readable: " + err.Error()}
	}

	opCtx, cancel := context.WithCancel(spanCtx)
	defer cancel()

	done := make(chan opOutcome, 1)
	go func() {
		info, err := op(opCtx)
		done <- opOutcome{info: info, err: err}
	}()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case out := <-done:
			if out.err != nil {
				if ctx.Err() != nil || errors.Is(out.err, context.Canceled) {
					return Cancelled{Reason: "operation cancelled"}
				}
				return Failure{Err: out.err}
			}
			return Success{Info: out.info}

		case <-ticker.C:
			reason, drifted := m.checkDrift(fileURL, base)
			if !drifted {
				continue
			}
			log.WithFields(log.Fields{"file": fileURL, "reason": reason}).Debug("interference detected, cancelling discovery")
			cancel()
			<-done
			return Cancelled{Reason: reason}

		case <-ctx.Done():
			cancel()
			<-done
			return Cancelled{Reason: "caller cancelled"}
		}
	}
}

func (m *FileMonitor) checkDrift(fileURL string, base FileSnapshot) (string, bool) {
	cur, err := m.snapshot(fileURL)
	if err != nil {
		return "file no longer readable: " + err.Error(), true
	}
	switch {
	case !cur.Valid:
		return "file invalidated", true
	case cur.ModStamp != base.ModStamp || cur.Length != base.Length:
		return "file modified during discovery", true
	case cur.PSIStamp != base.PSIStamp:
		return "parsed representation changed", true
	case cur.GlobalModCount != base.GlobalModCount:
		return "global modification detected", true
	}
	return "", false
}
