package repo

import (
	"context"
	"log/slog"

	"github.com/LeventeLantos/notification-dispatch/internal/model"
)

// AuditSink is an append-only record of dispatch outcomes.
type AuditSink interface {
	Append(ctx context.Context, rec model.AuditRecord) error
}

// LogAuditSink writes audit records to the structured log. Used when no
// audit database is configured.
type LogAuditSink struct {
	logger *slog.Logger
}

func NewLogAuditSink(logger *slog.Logger) *LogAuditSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogAuditSink{logger: logger}
}

func (s *LogAuditSink) Append(ctx context.Context, rec model.AuditRecord) error {
	attrs := []any{
		"operation", rec.Operation,
		"correlation_id", rec.CorrelationID,
		"outcome", string(rec.Outcome),
		"description", rec.Description,
	}
	for k, v := range rec.Context {
		attrs = append(attrs, k, v)
	}
	s.logger.InfoContext(ctx, "audit", attrs...)
	return nil
}
