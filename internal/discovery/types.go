package discovery

import (
	"context"

	"digma-core-go/internal/models"
)

// Candidate identifies one file awaiting discovery.
type Candidate struct {
	FileURL string
}

// FileSnapshot captures the observable state of a file at one instant. Any
// difference between two snapshots of the same file means the file drifted
// underneath an in-flight discovery operation.
type FileSnapshot struct {
	ModStamp       int64
	Length         int64
	Valid          bool
	PSIStamp       int64
	GlobalModCount int64
}

// Equal reports whether two snapshots are identical.
func (s FileSnapshot) Equal(o FileSnapshot) bool { return s == o }

// ProcessingResult is the three-way outcome of one monitored discovery run.
// The set is closed: Success, Cancelled and Failure.
type ProcessingResult interface {
	isProcessingResult()
}

// Success carries the discovery payload produced by the provider.
type Success struct {
	Info *models.FileDiscoveryInfo
}

// Cancelled means interference was detected (or the caller cancelled) before
// the operation finished. Reason is human-readable, for logs only.
type Cancelled struct {
	Reason string
}

// Failure carries the error the discovery operation returned.
type Failure struct {
	Err error
}

func (Success) isProcessingResult()   {}
func (Cancelled) isProcessingResult() {}
func (Failure) isProcessingResult()   {}

// Host is the boundary to the surrounding plugin runtime: project membership,
// file state, readiness, and the bulk seed and periodic maintenance hooks.
type Host interface {
	// Ready reports whether the host is in a state where discovery may run
	// (not mid-reindex).
	Ready() bool
	InProject(fileURL string) bool
	Exists(fileURL string) bool
	Snapshot(fileURL string) (FileSnapshot, error)
	// SeedCandidates performs the one-time bulk scan of the host's index.
	SeedCandidates(ctx context.Context) ([]Candidate, error)
	// Maintain is the periodic cleanup hook.
	Maintain(ctx context.Context) error
}

// Provider produces the structured discovery result for one file. It must be
// cancellable mid-call via ctx.
type Provider interface {
	Discover(ctx context.Context, fileURL string) (*models.FileDiscoveryInfo, error)
}

// Sink receives completed discovery results, typically the backend analytics
// client wrapped in the re-authenticating decorator.
type Sink interface {
	Deliver(ctx context.Context, info *models.FileDiscoveryInfo) error
}
