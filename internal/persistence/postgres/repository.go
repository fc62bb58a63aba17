package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/events"
	"example.com/healthsync/internal/observability"
)

const foreignKeyViolation = "23503"

// Repository provides Postgres-backed persistence for canonical records, integrations and
// outbox events.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// EnsureUser registers the user if it is not known yet.
func (r *Repository) EnsureUser(ctx context.Context, userID string) error {
	if userID == "" {
		return domain.ErrUserNotFound
	}
	_, err := r.pool.Exec(ctx, `INSERT INTO users (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`, userID)
	return wrap(err)
}

// UpsertRecords writes the batch in one transaction. Rows whose value and unit are unchanged are
// left untouched; the RETURNING clause only yields inserted or revised rows.
func (r *Repository) UpsertRecords(ctx context.Context, records []domain.Record) (domain.UpsertResult, error) {
	var result domain.UpsertResult
	if len(records) == 0 {
		return result, nil
	}

	batch := dedupe(records)
	users := make([]string, 0, len(batch))
	providers := make([]string, 0, len(batch))
	types := make([]string, 0, len(batch))
	stamps := make([]time.Time, 0, len(batch))
	values := make([]float64, 0, len(batch))
	units := make([]string, 0, len(batch))
	for _, rec := range batch {
		if err := rec.Validate(); err != nil {
			return result, err
		}
		users = append(users, rec.UserID)
		providers = append(providers, string(rec.Provider))
		types = append(types, string(rec.DataType))
		stamps = append(stamps, rec.Timestamp.UTC().Truncate(time.Microsecond))
		values = append(values, rec.Value)
		units = append(units, rec.Unit)
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return result, wrap(err)
	}
	defer tx.Rollback(ctx)

	const stmt = `INSERT INTO health_records (user_id, provider, data_type, recorded_at, value, unit)
        SELECT * FROM unnest($1::text[], $2::text[], $3::text[], $4::timestamptz[], $5::float8[], $6::text[])
        ON CONFLICT (user_id, provider, data_type, recorded_at) DO UPDATE
            SET value = EXCLUDED.value, unit = EXCLUDED.unit, updated_at = NOW()
            WHERE health_records.value IS DISTINCT FROM EXCLUDED.value
               OR health_records.unit IS DISTINCT FROM EXCLUDED.unit
        RETURNING (xmax = 0) AS inserted`

	rows, err := tx.Query(ctx, stmt, users, providers, types, stamps, values, units)
	if err != nil {
		return result, wrap(err)
	}
	for rows.Next() {
		var inserted bool
		if err := rows.Scan(&inserted); err != nil {
			rows.Close()
			return domain.UpsertResult{}, wrap(err)
		}
		if inserted {
			result.Inserted++
		} else {
			result.Updated++
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return domain.UpsertResult{}, wrap(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.UpsertResult{}, wrap(err)
	}
	observability.RecordRecordsPersisted(time.Now())
	return result, nil
}

// QueryRecords returns matching records ordered by timestamp ascending.
func (r *Repository) QueryRecords(ctx context.Context, q domain.RecordQuery) ([]domain.Record, error) {
	args := []interface{}{q.UserID}
	query := `SELECT user_id, provider, data_type, recorded_at, value, unit FROM health_records WHERE user_id = $1`
	if q.DataType != "" {
		args = append(args, string(q.DataType))
		query += fmt.Sprintf(" AND data_type = $%d", len(args))
	}
	if q.Provider != "" {
		args = append(args, string(q.Provider))
		query += fmt.Sprintf(" AND provider = $%d", len(args))
	}
	if !q.From.IsZero() {
		args = append(args, q.From.UTC())
		query += fmt.Sprintf(" AND recorded_at >= $%d", len(args))
	}
	if !q.To.IsZero() {
		args = append(args, q.To.UTC())
		query += fmt.Sprintf(" AND recorded_at < $%d", len(args))
	}
	query += ` ORDER BY recorded_at ASC, provider ASC, data_type ASC`

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, wrap(err)
	}
	defer tx.Rollback(ctx)

	if err := requireUser(ctx, tx, q.UserID); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, wrap(err)
	}
	defer rows.Close()

	out := make([]domain.Record, 0)
	for rows.Next() {
		var rec domain.Record
		var provider, dataType string
		if err := rows.Scan(&rec.UserID, &provider, &dataType, &rec.Timestamp, &rec.Value, &rec.Unit); err != nil {
			return nil, wrap(err)
		}
		rec.Provider = domain.Provider(provider)
		rec.DataType = domain.DataType(dataType)
		rec.Timestamp = rec.Timestamp.UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(err)
	}
	return out, wrap(tx.Commit(ctx))
}

// ListDataTypes returns the distinct data types stored for the user.
func (r *Repository) ListDataTypes(ctx context.Context, userID string) ([]domain.DataType, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, wrap(err)
	}
	defer tx.Rollback(ctx)

	if err := requireUser(ctx, tx, userID); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `SELECT DISTINCT data_type FROM health_records WHERE user_id = $1 ORDER BY data_type`, userID)
	if err != nil {
		return nil, wrap(err)
	}
	defer rows.Close()

	out := make([]domain.DataType, 0)
	for rows.Next() {
		var dt string
		if err := rows.Scan(&dt); err != nil {
			return nil, wrap(err)
		}
		out = append(out, domain.DataType(dt))
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(err)
	}
	return out, wrap(tx.Commit(ctx))
}

const integrationColumns = `integration_id, user_id, provider, access_token, refresh_token, token_expiry, last_sync, is_active, needs_reauth, created_at, updated_at`

// ListIntegrations returns all integrations of the user, active or not.
func (r *Repository) ListIntegrations(ctx context.Context, userID string) ([]domain.Integration, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, wrap(err)
	}
	defer tx.Rollback(ctx)

	if err := requireUser(ctx, tx, userID); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `SELECT `+integrationColumns+` FROM integrations WHERE user_id = $1 ORDER BY provider, integration_id`, userID)
	if err != nil {
		return nil, wrap(err)
	}
	defer rows.Close()

	out := make([]domain.Integration, 0)
	for rows.Next() {
		integ, err := scanIntegration(rows)
		if err != nil {
			return nil, wrap(err)
		}
		out = append(out, integ)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(err)
	}
	return out, wrap(tx.Commit(ctx))
}

// GetIntegration loads one integration by id.
func (r *Repository) GetIntegration(ctx context.Context, id string) (*domain.Integration, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, domain.ErrIntegrationNotFound
	}
	row := r.pool.QueryRow(ctx, `SELECT `+integrationColumns+` FROM integrations WHERE integration_id = $1`, id)
	integ, err := scanIntegration(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrIntegrationNotFound
		}
		return nil, wrap(err)
	}
	return &integ, nil
}

// ConnectIntegration creates the (user, provider) integration or reactivates the existing row.
func (r *Repository) ConnectIntegration(ctx context.Context, integ domain.Integration) (domain.Integration, error) {
	const stmt = `INSERT INTO integrations (integration_id, user_id, provider, access_token, refresh_token, token_expiry, is_active, needs_reauth)
        VALUES ($1, $2, $3, $4, $5, $6, TRUE, FALSE)
        ON CONFLICT (user_id, provider) DO UPDATE
            SET access_token = EXCLUDED.access_token,
                refresh_token = EXCLUDED.refresh_token,
                token_expiry = EXCLUDED.token_expiry,
                is_active = TRUE,
                needs_reauth = FALSE,
                updated_at = NOW()
        RETURNING ` + integrationColumns

	id := integ.ID
	if id == "" {
		id = uuid.NewString()
	}
	row := r.pool.QueryRow(ctx, stmt, id, integ.UserID, string(integ.Provider), integ.AccessToken, integ.RefreshToken, nullTime(integ.TokenExpiry))
	out, err := scanIntegration(row)
	if err != nil {
		return domain.Integration{}, wrap(err)
	}
	return out, nil
}

// SaveTokens stores refreshed credentials without touching sync bookkeeping or flags.
func (r *Repository) SaveTokens(ctx context.Context, id, accessToken, refreshToken string, expiry time.Time) error {
	if _, err := uuid.Parse(id); err != nil {
		return domain.ErrIntegrationNotFound
	}
	const stmt = `UPDATE integrations
        SET access_token = $2,
            refresh_token = COALESCE(NULLIF($3, ''), refresh_token),
            token_expiry = $4,
            updated_at = NOW()
        WHERE integration_id = $1`
	tag, err := r.pool.Exec(ctx, stmt, id, accessToken, refreshToken, nullTime(expiry))
	if err != nil {
		return wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrIntegrationNotFound
	}
	return nil
}

// MarkSynced records a successful sync. A disconnected integration stays untouched.
func (r *Repository) MarkSynced(ctx context.Context, id string, at time.Time) error {
	if _, err := uuid.Parse(id); err != nil {
		return nil
	}
	const stmt = `UPDATE integrations
        SET last_sync = $2, needs_reauth = FALSE, updated_at = NOW()
        WHERE integration_id = $1 AND is_active`
	_, err := r.pool.Exec(ctx, stmt, id, at.UTC())
	return wrap(err)
}

// FlagReauth raises the reauth flag. The first transition also records an outbox event in the
// same transaction.
func (r *Repository) FlagReauth(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return domain.ErrIntegrationNotFound
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrap(err)
	}
	defer tx.Rollback(ctx)

	var (
		userID, provider   string
		active, wasFlagged bool
	)
	err = tx.QueryRow(ctx, `SELECT user_id, provider, is_active, needs_reauth FROM integrations WHERE integration_id = $1 FOR UPDATE`, id).
		Scan(&userID, &provider, &active, &wasFlagged)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrIntegrationNotFound
		}
		return wrap(err)
	}
	if !active || wasFlagged {
		return nil
	}

	if _, err := tx.Exec(ctx, `UPDATE integrations SET needs_reauth = TRUE, updated_at = NOW() WHERE integration_id = $1`, id); err != nil {
		return wrap(err)
	}

	now := time.Now().UTC()
	event := events.ReauthRequired{
		UserID:        userID,
		IntegrationID: id,
		Provider:      provider,
		OccurredAt:    now,
	}
	dedupeKey := fmt.Sprintf("%s:%s:%d", id, events.TypeReauthRequired, now.UnixNano())
	if err := insertOutbox(ctx, tx, "integration", id, userID, events.TypeReauthRequired, dedupeKey, event); err != nil {
		return wrap(err)
	}
	return wrap(tx.Commit(ctx))
}

// Deactivate marks the integration inactive. Records already synced are kept.
func (r *Repository) Deactivate(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return domain.ErrIntegrationNotFound
	}
	tag, err := r.pool.Exec(ctx, `UPDATE integrations SET is_active = FALSE, updated_at = NOW() WHERE integration_id = $1`, id)
	if err != nil {
		return wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrIntegrationNotFound
	}
	return nil
}

// ListUsersWithActiveIntegrations returns users the scheduler should sync.
func (r *Repository) ListUsersWithActiveIntegrations(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT user_id FROM integrations WHERE is_active ORDER BY user_id`)
	if err != nil {
		return nil, wrap(err)
	}
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, wrap(err)
		}
		out = append(out, userID)
	}
	return out, wrap(rows.Err())
}

// RecordSyncOutcome writes the outcome to the outbox for delivery to the audit topic.
func (r *Repository) RecordSyncOutcome(ctx context.Context, userID string, outcome domain.SyncOutcome) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrap(err)
	}
	defer tx.Rollback(ctx)

	event := events.SyncOutcomeRecorded{
		UserID:          userID,
		IntegrationID:   outcome.IntegrationID,
		Provider:        string(outcome.Provider),
		Status:          string(outcome.Status),
		RecordsIngested: outcome.RecordsIngested,
		RecordsUpdated:  outcome.RecordsUpdated,
		RecordsDropped:  outcome.RecordsDropped,
		ErrorDetail:     outcome.ErrorDetail,
		StartedAt:       outcome.StartedAt,
		FinishedAt:      outcome.FinishedAt,
	}
	dedupeKey := fmt.Sprintf("%s:%s:%d", outcome.IntegrationID, events.TypeSyncOutcomeRecorded, outcome.StartedAt.UnixNano())
	if err := insertOutbox(ctx, tx, "integration", outcome.IntegrationID, userID, events.TypeSyncOutcomeRecorded, dedupeKey, event); err != nil {
		return wrap(err)
	}
	return wrap(tx.Commit(ctx))
}

func insertOutbox(ctx context.Context, tx pgx.Tx, aggregateType, aggregateID, userID, eventType, dedupeKey string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	meta, ok := eventCatalog[eventType]
	if !ok {
		return fmt.Errorf("unknown event type: %s", eventType)
	}

	const stmt = `INSERT INTO outbox (aggregate_type, aggregate_id, event_type, topic, partition_key, payload, dedupe_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7)
        ON CONFLICT (dedupe_key) DO NOTHING`

	_, err = tx.Exec(ctx, stmt, aggregateType, aggregateID, eventType, meta.Topic, meta.PartitionKeyFn(userID, aggregateID), body, dedupeKey)
	return err
}

// EventMetadata describes how to route an outbox event.
type EventMetadata struct {
	Topic          string
	PartitionKeyFn func(userID, aggregateID string) string
}

var eventCatalog = map[string]EventMetadata{
	events.TypeSyncOutcomeRecorded: {
		Topic:          events.TopicSyncOutcomes,
		PartitionKeyFn: func(userID, _ string) string { return userID },
	},
	events.TypeReauthRequired: {
		Topic:          events.TopicIntegrations,
		PartitionKeyFn: func(_, aggregateID string) string { return aggregateID },
	},
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanIntegration(row rowScanner) (domain.Integration, error) {
	var integ domain.Integration
	var provider string
	var expiry *time.Time
	if err := row.Scan(&integ.ID, &integ.UserID, &provider, &integ.AccessToken, &integ.RefreshToken, &expiry, &integ.LastSync, &integ.IsActive, &integ.NeedsReauth, &integ.CreatedAt, &integ.UpdatedAt); err != nil {
		return domain.Integration{}, err
	}
	integ.Provider = domain.Provider(provider)
	if expiry != nil {
		integ.TokenExpiry = expiry.UTC()
	}
	return integ, nil
}

func requireUser(ctx context.Context, tx pgx.Tx, userID string) error {
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE user_id = $1)`, userID).Scan(&exists); err != nil {
		return wrap(err)
	}
	if !exists {
		return domain.ErrUserNotFound
	}
	return nil
}

// dedupe keeps the last occurrence of each identity; Postgres rejects a statement that touches
// the same conflict target twice.
func dedupe(records []domain.Record) []domain.Record {
	index := make(map[domain.RecordKey]int, len(records))
	out := make([]domain.Record, 0, len(records))
	for _, rec := range records {
		key := rec.Key()
		if i, ok := index[key]; ok {
			out[i] = rec
			continue
		}
		index[key] = len(out)
		out = append(out, rec)
	}
	return out
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	utc := t.UTC()
	return &utc
}

func wrap(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
		return domain.ErrUserNotFound
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
}
