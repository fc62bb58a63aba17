package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const quarantineReason = "retry limit reached"

// DLQManager replays dead-lettered events into the outbox and quarantines entries that keep
// failing.
type DLQManager struct {
	pool       *pgxpool.Pool
	maxRetries int
	baseDelay  time.Duration
	now        func() time.Time
}

// NewDLQManager constructs a DLQManager with the provided pool and retry configuration.
func NewDLQManager(pool *pgxpool.Pool, maxRetries int, baseDelay time.Duration) *DLQManager {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	if baseDelay <= 0 {
		baseDelay = time.Minute
	}
	return &DLQManager{pool: pool, maxRetries: maxRetries, baseDelay: baseDelay, now: time.Now}
}

// RunOnce processes up to batchSize due DLQ entries and returns how many were handled
// (requeued or quarantined).
func (m *DLQManager) RunOnce(ctx context.Context, batchSize int) (int, error) {
	entries, err := m.due(ctx, batchSize)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, entry := range entries {
		if procErr := m.handleEntry(ctx, entry); procErr != nil {
			err = errors.Join(err, fmt.Errorf("dlq entry %d: %w", entry.ID, procErr))
			continue
		}
		processed++
	}
	updatePendingGauge(ctx, m.pool)
	return processed, err
}

func (m *DLQManager) due(ctx context.Context, batchSize int) ([]dlqEntry, error) {
	const query = `SELECT dlq_id, event_id, event_type, topic, payload, reason, aggregate_type, aggregate_id, partition_key, retry_count
        FROM outbox_dlq
        WHERE quarantined_at IS NULL AND (next_retry_at IS NULL OR next_retry_at <= $1)
        ORDER BY created_at
        LIMIT $2`

	rows, err := m.pool.Query(ctx, query, m.now().UTC(), batchSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []dlqEntry
	for rows.Next() {
		entry, err := scanDLQEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// handleEntry applies retry/quarantine logic for a single DLQ entry.
func (m *DLQManager) handleEntry(ctx context.Context, entry dlqEntry) error {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if entry.RetryCount >= m.maxRetries {
		if _, err := tx.Exec(ctx, `UPDATE outbox_dlq SET quarantined_at = $1, quarantine_reason = $2 WHERE dlq_id = $3`, m.now().UTC(), quarantineReason, entry.ID); err != nil {
			return err
		}
		return m.commit(ctx, tx, entry, actionQuarantined)
	}

	if insertErr := requeueOutbox(ctx, tx, entry); insertErr != nil {
		now := m.now().UTC()
		if _, err := tx.Exec(ctx,
			`UPDATE outbox_dlq
                SET retry_count = retry_count + 1,
                    last_attempt_at = $1,
                    next_retry_at = $2,
                    reason = $3
              WHERE dlq_id = $4`,
			now, now.Add(m.backoffDelay(entry.RetryCount+1)), insertErr.Error(), entry.ID,
		); err != nil {
			return err
		}
		return m.commit(ctx, tx, entry, actionRetryScheduled)
	}

	// The replayed row carries the attempt number, so a further failure re-enters the DLQ
	// with its retry count preserved.
	if _, err := tx.Exec(ctx, `DELETE FROM outbox_dlq WHERE dlq_id = $1`, entry.ID); err != nil {
		return err
	}
	return m.commit(ctx, tx, entry, actionRequeued)
}

func (m *DLQManager) commit(ctx context.Context, tx pgx.Tx, entry dlqEntry, action string) error {
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	recordDLQAction(entry, action)
	return nil
}

// backoffDelay calculates exponential backoff capped at one hour.
func (m *DLQManager) backoffDelay(attempt int) time.Duration {
	delay := time.Duration(1<<uint(attempt-1)) * m.baseDelay
	if delay > time.Hour || delay <= 0 {
		delay = time.Hour
	}
	return delay
}

// requeueOutbox reinserts the payload into the outbox inside a savepoint so that a failed
// insert leaves the surrounding transaction usable.
func requeueOutbox(ctx context.Context, tx pgx.Tx, entry dlqEntry) error {
	if entry.Topic == "" {
		return fmt.Errorf("missing topic for dlq entry %d", entry.ID)
	}

	sp, err := tx.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = sp.Rollback(ctx) }()

	const stmt = `INSERT INTO outbox (aggregate_type, aggregate_id, event_type, topic, partition_key, payload, dedupe_key, attempt)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
        ON CONFLICT (dedupe_key) DO NOTHING`

	if _, err := sp.Exec(ctx, stmt,
		entry.AggregateType,
		entry.AggregateID,
		entry.EventType,
		entry.Topic,
		entry.PartitionKey,
		entry.Payload,
		entry.dedupeKey(),
		entry.RetryCount+1,
	); err != nil {
		return err
	}
	return sp.Commit(ctx)
}

// dlqEntry represents an outbox_dlq row selected for processing.
type dlqEntry struct {
	ID            int64
	EventID       int64
	EventType     string
	Topic         string
	Payload       []byte
	Reason        string
	AggregateType string
	AggregateID   string
	PartitionKey  string
	RetryCount    int
}

func (e dlqEntry) dedupeKey() string {
	return fmt.Sprintf("dlq:%d:%d", e.ID, e.RetryCount)
}

func scanDLQEntry(rows pgx.Rows) (dlqEntry, error) {
	var entry dlqEntry
	if err := rows.Scan(&entry.ID, &entry.EventID, &entry.EventType, &entry.Topic, &entry.Payload, &entry.Reason, &entry.AggregateType, &entry.AggregateID, &entry.PartitionKey, &entry.RetryCount); err != nil {
		return dlqEntry{}, err
	}
	return entry, nil
}
