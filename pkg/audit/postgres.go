package audit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wangyingxuan383-ai/openclaw-astr-assistant/pkg/models"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresSink appends records to the audit_log table. Rows are never
// updated or deleted.
type PostgresSink struct {
	DB auditDB
}

func NewPostgresSink(db auditDB) *PostgresSink { return &PostgresSink{DB: db} }

func (s *PostgresSink) Name() string { return "postgres" }

func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	_, err := s.DB.Exec(ctx, `
CREATE TABLE IF NOT EXISTS audit_log (
    id BIGSERIAL PRIMARY KEY,
    trace_id TEXT NOT NULL,
    ts TIMESTAMPTZ NOT NULL,
    caller_id TEXT NOT NULL,
    channel_id TEXT NOT NULL DEFAULT '',
    action_kind TEXT NOT NULL,
    target TEXT NOT NULL,
    tier_effective TEXT NOT NULL,
    blacklist_hit BOOLEAN NOT NULL DEFAULT FALSE,
    confirmation_required BOOLEAN NOT NULL DEFAULT FALSE,
    confirmation_result TEXT NOT NULL DEFAULT '',
    execution_result TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    latency_ms BIGINT NOT NULL DEFAULT 0,
    error TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS audit_log_trace_idx ON audit_log (trace_id);
CREATE INDEX IF NOT EXISTS audit_log_ts_idx ON audit_log (ts DESC);
`)
	if err != nil {
		return fmt.Errorf("ensure audit schema: %w", err)
	}
	return nil
}

func (s *PostgresSink) Append(ctx context.Context, rec models.AuditRecord) error {
	_, err := s.DB.Exec(ctx, `
INSERT INTO audit_log (
    trace_id, ts, caller_id, channel_id, action_kind, target,
    tier_effective, blacklist_hit, confirmation_required,
    confirmation_result, execution_result, status, latency_ms, error
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		rec.TraceID, rec.Time, rec.CallerID, rec.ChannelID,
		rec.ActionKind, rec.Target, rec.TierEffective,
		rec.BlacklistHit, rec.ConfirmationRequired, rec.ConfirmationResult,
		rec.ExecutionResult, rec.Status, rec.LatencyMS, rec.Error)
	if err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}
	return nil
}

// Recent returns the newest records, for the diagnostics surface.
func (s *PostgresSink) Recent(ctx context.Context, limit int) ([]models.AuditRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.Query(ctx, `
SELECT trace_id, ts, caller_id, channel_id, action_kind, target,
       tier_effective, blacklist_hit, confirmation_required,
       confirmation_result, execution_result, status, latency_ms, error
FROM audit_log ORDER BY ts DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	defer rows.Close()
	var out []models.AuditRecord
	for rows.Next() {
		var rec models.AuditRecord
		if err := rows.Scan(&rec.TraceID, &rec.Time, &rec.CallerID, &rec.ChannelID,
			&rec.ActionKind, &rec.Target, &rec.TierEffective,
			&rec.BlacklistHit, &rec.ConfirmationRequired, &rec.ConfirmationResult,
			&rec.ExecutionResult, &rec.Status, &rec.LatencyMS, &rec.Error); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
