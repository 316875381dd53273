package observability

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Operation ties one mutation or query to a span, a timer, and the
// operation counters.
type Operation struct {
	ctx     context.Context
	span    trace.Span
	metrics *Metrics
	name    string
	start   time.Time
	logger  *slog.Logger
}

// StartOperation opens a span and starts the timer. The returned context
// carries the span for nested calls.
func StartOperation(ctx context.Context, m *Metrics, name string, attrs ...attribute.KeyValue) (*Operation, context.Context) {
	ctx, span := StartSpan(ctx, name, attrs...)
	logger := slog.Default().With("operation", name)
	logger.DebugContext(ctx, "operation started")

	return &Operation{
		ctx:     ctx,
		span:    span,
		metrics: m,
		name:    name,
		start:   time.Now(),
		logger:  logger,
	}, ctx
}

// End finishes the operation, recording duration and status.
func (o *Operation) End(err error) {
	duration := time.Since(o.start).Seconds()
	status := "ok"
	if err != nil {
		status = "error"
		o.logger.ErrorContext(o.ctx, "operation failed", "error", err, "duration", duration)
	} else {
		o.logger.InfoContext(o.ctx, "operation completed", "duration", duration)
	}

	EndSpan(o.span, err)
	o.metrics.OperationDuration.WithLabelValues(o.name, status).Observe(duration)
	o.metrics.OperationTotal.WithLabelValues(o.name, status).Inc()
}
