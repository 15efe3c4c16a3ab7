package logging

import (
	"context"
	"log/slog"

	"reel/internal/services"
)

const (
	// FieldComponent is the standardized structured logging key for component names.
	FieldComponent = "component"
	// FieldJobID is the standardized structured logging key for job identifiers.
	FieldJobID = "job_id"
	// FieldStage is the standardized structured logging key for pipeline stage names.
	FieldStage = "stage"
	// FieldWorker is the standardized structured logging key for engine worker slots.
	FieldWorker = "worker"
	// FieldCorrelationID is the standardized structured logging key for request correlation identifiers.
	FieldCorrelationID = "correlation_id"
	// FieldAlert flags warnings or anomalies that should stand out in structured logs.
	FieldAlert = "alert"
	// FieldEventType classifies a log line for downstream filtering.
	FieldEventType = "event_type"
	// FieldErrorHint carries the operator's next step.
	FieldErrorHint = "error_hint"
	// FieldErrorKind carries the classified error category.
	FieldErrorKind = "error_kind"
	// FieldImpact is the standardized key for user-facing consequence of a warning.
	FieldImpact = "impact"
	// FieldDecisionType names the decision recorded by a decision log line.
	FieldDecisionType = "decision_type"
)

// ContextFields extracts standardized slog attributes from the provided context.
func ContextFields(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	fields := make([]slog.Attr, 0, 4)
	if id, ok := services.JobIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldJobID, id))
	}
	if stage, ok := services.StageFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldStage, stage))
	}
	if worker, ok := services.WorkerFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldWorker, worker))
	}
	if rid, ok := services.RequestIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldCorrelationID, rid))
	}
	return fields
}

// WithContext returns a logger augmented with structured fields derived from the supplied context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	return logger.With(attrsToArgs(fields)...)
}
