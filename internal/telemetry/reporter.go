package telemetry

import (
	"context"
	"errors"
	"time"

	"digma-core-go/internal/apierrors"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"
)

// Report is a structured error report delivered to the telemetry sink.
type Report struct {
	ID       string
	Category string
	Err      error
	Context  map[string]string
	At       time.Time
}

// Sink receives reports. Implementations must not block and must not panic
// into the caller.
type Sink interface {
	Send(Report)
}

// Reporter is the fire-and-forget error reporting front door. It never blocks
// the caller, never throws, and suppresses report classes that would only add
// noise: connection errors (the backend being down is not a bug) and
// cancellation (a first-class outcome, not a failure).
type Reporter struct {
	sink    Sink
	limiter *rate.Limiter
}

// NewReporter builds a Reporter around sink. A nil sink is allowed and turns
// every report into a log-only event.
func NewReporter(sink Sink) *Reporter {
	// One report per second with a small burst is enough for real defects and
	// keeps a tight failure loop from flooding the backend.
	return &Reporter{
		sink:    sink,
		limiter: rate.NewLimiter(rate.Every(time.Second), 10),
	}
}

// ReportError submits an error report. Connection-class errors and
// cancellations are dropped by policy.
func (r *Reporter) ReportError(ctx context.Context, category string, err error, extra map[string]string) {
	if r == nil || err == nil {
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	if apierrors.IsConnection(err) {
		log.WithError(err).WithField("category", category).Debug("connection error, not reported")
		return
	}
	if !r.limiter.Allow() {
		log.WithField("category", category).Debug("telemetry report dropped by rate limit")
		return
	}

	report := Report{
		ID:       uuid.New().String(),
		Category: category,
		Err:      err,
		Context:  extra,
		At:       time.Now().UTC(),
	}

	_, span := StartSpan(ctx, "telemetry", "error-report")
	span.RecordError(err)
	span.SetStatus(codes.Error, category)
	span.SetAttributes(attribute.String("report.id", report.ID), attribute.String("report.category", category))
	span.End()

	log.WithError(err).WithFields(log.Fields{
		"category":  category,
		"report_id": report.ID,
	}).Warn("error reported")

	if r.sink == nil {
		return
	}
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				log.WithField("panic", rec).Error("telemetry sink panicked")
			}
		}()
		r.sink.Send(report)
	}()
}
