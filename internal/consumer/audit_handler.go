package consumer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/healthsync/internal/events"
)

// AuditHandler records sync outcomes into sync_audit_log. Redelivered records are ignored by
// their (topic, partition, offset) position.
type AuditHandler struct {
	pool *pgxpool.Pool
}

// NewAuditHandler constructs a handler backed by the provided pool.
func NewAuditHandler(pool *pgxpool.Pool) *AuditHandler {
	return &AuditHandler{pool: pool}
}

// Handle stores sync.outcome_recorded events and skips every other type.
func (h *AuditHandler) Handle(ctx context.Context, msg Message) error {
	if msg.EventType != events.TypeSyncOutcomeRecorded {
		return ErrSkip
	}

	var outcome events.SyncOutcomeRecorded
	if err := json.Unmarshal(msg.Payload, &outcome); err != nil {
		return fmt.Errorf("decode %s: %w", msg.EventType, err)
	}

	_, err := h.pool.Exec(ctx,
		`INSERT INTO sync_audit_log (user_id, integration_id, provider, status, records_ingested, records_updated, records_dropped, error_detail, started_at, finished_at, topic, partition, record_offset)
         VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
         ON CONFLICT (topic, partition, record_offset) DO NOTHING`,
		outcome.UserID,
		outcome.IntegrationID,
		outcome.Provider,
		outcome.Status,
		outcome.RecordsIngested,
		outcome.RecordsUpdated,
		outcome.RecordsDropped,
		outcome.ErrorDetail,
		outcome.StartedAt,
		outcome.FinishedAt,
		msg.Topic,
		msg.Partition,
		msg.Offset,
	)
	return err
}
