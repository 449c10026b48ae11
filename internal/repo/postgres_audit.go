package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/LeventeLantos/notification-dispatch/internal/model"
)

type PostgresAuditRepo struct {
	db *sql.DB
}

func NewPostgresAuditRepo(db *sql.DB) *PostgresAuditRepo {
	return &PostgresAuditRepo{db: db}
}

func (r *PostgresAuditRepo) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS notification_audit (
			id             BIGSERIAL PRIMARY KEY,
			operation      TEXT NOT NULL,
			correlation_id TEXT NOT NULL,
			description    TEXT NOT NULL DEFAULT '',
			outcome        TEXT NOT NULL,
			context        JSONB NOT NULL DEFAULT '{}',
			created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_notification_audit_correlation
			ON notification_audit (correlation_id, created_at)`,
	}
	for _, q := range queries {
		if _, err := r.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (r *PostgresAuditRepo) Append(ctx context.Context, rec model.AuditRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	rawCtx, err := json.Marshal(rec.Context)
	if err != nil {
		return err
	}
	if rec.Context == nil {
		rawCtx = []byte("{}")
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO notification_audit (operation, correlation_id, description, outcome, context, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, rec.Operation, rec.CorrelationID, rec.Description, string(rec.Outcome), string(rawCtx), rec.CreatedAt.UTC())
	return err
}

// ListByCorrelation returns the audit trail for one correlation id, oldest first.
func (r *PostgresAuditRepo) ListByCorrelation(ctx context.Context, correlationID string, limit int) ([]model.AuditRecord, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT operation, correlation_id, description, outcome, context, created_at
		FROM notification_audit
		WHERE correlation_id = $1
		ORDER BY created_at ASC, id ASC
		LIMIT $2
	`, correlationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AuditRecord
	for rows.Next() {
		var rec model.AuditRecord
		var outcome string
		var rawCtx []byte

		if err := rows.Scan(
			&rec.Operation,
			&rec.CorrelationID,
			&rec.Description,
			&outcome,
			&rawCtx,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}

		rec.Outcome = model.Status(outcome)
		if len(rawCtx) > 0 {
			if err := json.Unmarshal(rawCtx, &rec.Context); err != nil {
				return nil, err
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
