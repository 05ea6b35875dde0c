// internal/circulation/faults.go
package circulation

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

// Fault describes a consistency fault detected at the coordinator boundary.
type Fault struct {
	Op         string
	BookID     uuid.UUID
	LoanID     uuid.UUID
	Err        error
	DetectedAt time.Time
}

// FaultReporter is the operator channel for consistency faults.
type FaultReporter interface {
	Report(ctx context.Context, fault Fault)
}

// LogFaultReporter writes faults to the structured log, counts them and
// attaches them to the active span.
type LogFaultReporter struct {
	logger *slog.Logger
	faults metric.Int64Counter
}

// NewLogFaultReporter creates a reporter logging through logger.
func NewLogFaultReporter(logger *slog.Logger) *LogFaultReporter {
	if logger == nil {
		logger = slog.Default()
	}
	counter, err := otel.Meter(instrumentationName).Int64Counter(
		"circulation.consistency_faults",
		metric.WithDescription("Consistency faults that need reconciliation"),
	)
	if err != nil {
		counter = noop.Int64Counter{}
	}
	return &LogFaultReporter{logger: logger, faults: counter}
}

// Report implements FaultReporter.
func (r *LogFaultReporter) Report(ctx context.Context, fault Fault) {
	r.logger.ErrorContext(ctx, "consistency fault: book availability needs reconciliation",
		slog.String("op", fault.Op),
		slog.String("book_id", fault.BookID.String()),
		slog.String("loan_id", fault.LoanID.String()),
		slog.Time("detected_at", fault.DetectedAt),
		slog.Any("error", fault.Err),
	)
	r.faults.Add(ctx, 1, metric.WithAttributes(attribute.String("op", fault.Op)))
	trace.SpanFromContext(ctx).AddEvent("consistency.fault", trace.WithAttributes(
		attribute.String("book.id", fault.BookID.String()),
		attribute.String("fault.error", fault.Err.Error()),
	))
}
