// Package sqlite implements the canonical record store on an embedded SQLite database for
// single-node deployments and the CLI.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"example.com/healthsync/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

// Store persists records in SQLite. A single connection serializes writers. Record queries go
// through a separate read-only handle so WAL readers never queue behind an open upsert.
type Store struct {
	db     *sql.DB
	reader *sql.DB
	now    func() time.Time
}

// Open creates or opens the database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect sqlite: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	reader := db
	if path != ":memory:" {
		reader, err = sql.Open("sqlite3", "file:"+path+"?mode=ro&_busy_timeout=5000")
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("open sqlite reader: %w", err)
		}
		reader.SetMaxOpenConns(readerConns)
		if err := reader.Ping(); err != nil {
			reader.Close()
			db.Close()
			return nil, fmt.Errorf("connect sqlite reader: %w", err)
		}
	}

	return &Store{db: db, reader: reader, now: func() time.Time { return time.Now().UTC() }}, nil
}

const readerConns = 4

// Close releases both database handles.
func (s *Store) Close() error {
	var rerr error
	if s.reader != s.db {
		rerr = s.reader.Close()
	}
	return errors.Join(s.db.Close(), rerr)
}

// EnsureUser implements domain.IntegrationStore.
func (s *Store) EnsureUser(ctx context.Context, userID string) error {
	if userID == "" {
		return domain.ErrUserNotFound
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO users (user_id, created_at) VALUES (?, ?) ON CONFLICT (user_id) DO NOTHING`, userID, s.now().UnixMicro())
	return wrap(err)
}

// UpsertRecords implements domain.RecordStore.
func (s *Store) UpsertRecords(ctx context.Context, records []domain.Record) (domain.UpsertResult, error) {
	var result domain.UpsertResult
	for _, rec := range records {
		if err := rec.Validate(); err != nil {
			return result, err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, wrap(err)
	}
	defer tx.Rollback()

	now := s.now().UnixMicro()
	for _, rec := range records {
		if err := userExists(ctx, tx, rec.UserID); err != nil {
			return domain.UpsertResult{}, err
		}

		ts := rec.Timestamp.UTC().UnixMicro()
		var value float64
		var unit string
		err := tx.QueryRowContext(ctx,
			`SELECT value, unit FROM health_records WHERE user_id = ? AND provider = ? AND data_type = ? AND recorded_at = ?`,
			rec.UserID, string(rec.Provider), string(rec.DataType), ts,
		).Scan(&value, &unit)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO health_records (user_id, provider, data_type, recorded_at, value, unit, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
				rec.UserID, string(rec.Provider), string(rec.DataType), ts, rec.Value, rec.Unit, now,
			); err != nil {
				return domain.UpsertResult{}, wrap(err)
			}
			result.Inserted++
		case err != nil:
			return domain.UpsertResult{}, wrap(err)
		case value != rec.Value || unit != rec.Unit:
			if _, err := tx.ExecContext(ctx,
				`UPDATE health_records SET value = ?, unit = ?, updated_at = ? WHERE user_id = ? AND provider = ? AND data_type = ? AND recorded_at = ?`,
				rec.Value, rec.Unit, now, rec.UserID, string(rec.Provider), string(rec.DataType), ts,
			); err != nil {
				return domain.UpsertResult{}, wrap(err)
			}
			result.Updated++
		}
	}

	if err := tx.Commit(); err != nil {
		return domain.UpsertResult{}, wrap(err)
	}
	return result, nil
}

// QueryRecords implements domain.RecordStore.
func (s *Store) QueryRecords(ctx context.Context, q domain.RecordQuery) ([]domain.Record, error) {
	if err := userExists(ctx, s.reader, q.UserID); err != nil {
		return nil, err
	}

	query := `SELECT user_id, provider, data_type, recorded_at, value, unit FROM health_records WHERE user_id = ?`
	args := []interface{}{q.UserID}
	if q.DataType != "" {
		query += ` AND data_type = ?`
		args = append(args, string(q.DataType))
	}
	if q.Provider != "" {
		query += ` AND provider = ?`
		args = append(args, string(q.Provider))
	}
	if !q.From.IsZero() {
		query += ` AND recorded_at >= ?`
		args = append(args, q.From.UTC().UnixMicro())
	}
	if !q.To.IsZero() {
		query += ` AND recorded_at < ?`
		args = append(args, q.To.UTC().UnixMicro())
	}
	query += ` ORDER BY recorded_at ASC, provider ASC, data_type ASC`

	rows, err := s.reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap(err)
	}
	defer rows.Close()

	out := make([]domain.Record, 0)
	for rows.Next() {
		var rec domain.Record
		var provider, dataType string
		var ts int64
		if err := rows.Scan(&rec.UserID, &provider, &dataType, &ts, &rec.Value, &rec.Unit); err != nil {
			return nil, wrap(err)
		}
		rec.Provider = domain.Provider(provider)
		rec.DataType = domain.DataType(dataType)
		rec.Timestamp = time.UnixMicro(ts).UTC()
		out = append(out, rec)
	}
	return out, wrap(rows.Err())
}

// ListDataTypes implements domain.RecordStore.
func (s *Store) ListDataTypes(ctx context.Context, userID string) ([]domain.DataType, error) {
	if err := userExists(ctx, s.reader, userID); err != nil {
		return nil, err
	}

	rows, err := s.reader.QueryContext(ctx, `SELECT DISTINCT data_type FROM health_records WHERE user_id = ? ORDER BY data_type`, userID)
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
	return out, wrap(rows.Err())
}

const integrationColumns = `integration_id, user_id, provider, access_token, refresh_token, token_expiry, last_sync, is_active, needs_reauth, created_at, updated_at`

// ListIntegrations implements domain.IntegrationStore.
func (s *Store) ListIntegrations(ctx context.Context, userID string) ([]domain.Integration, error) {
	if err := userExists(ctx, s.db, userID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+integrationColumns+` FROM integrations WHERE user_id = ? ORDER BY provider, integration_id`, userID)
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
	return out, wrap(rows.Err())
}

// GetIntegration implements domain.IntegrationStore.
func (s *Store) GetIntegration(ctx context.Context, id string) (*domain.Integration, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+integrationColumns+` FROM integrations WHERE integration_id = ?`, id)
	integ, err := scanIntegration(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrIntegrationNotFound
		}
		return nil, wrap(err)
	}
	return &integ, nil
}

// ConnectIntegration implements domain.IntegrationStore.
func (s *Store) ConnectIntegration(ctx context.Context, integ domain.Integration) (domain.Integration, error) {
	if err := userExists(ctx, s.db, integ.UserID); err != nil {
		return domain.Integration{}, err
	}

	id := integ.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := s.now().UnixMicro()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO integrations (integration_id, user_id, provider, access_token, refresh_token, token_expiry, is_active, needs_reauth, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, 1, 0, ?, ?)
         ON CONFLICT (user_id, provider) DO UPDATE SET
             access_token = excluded.access_token,
             refresh_token = excluded.refresh_token,
             token_expiry = excluded.token_expiry,
             is_active = 1,
             needs_reauth = 0,
             updated_at = excluded.updated_at`,
		id, integ.UserID, string(integ.Provider), integ.AccessToken, integ.RefreshToken, micros(integ.TokenExpiry), now, now,
	)
	if err != nil {
		return domain.Integration{}, wrap(err)
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+integrationColumns+` FROM integrations WHERE user_id = ? AND provider = ?`, integ.UserID, string(integ.Provider))
	out, err := scanIntegration(row)
	if err != nil {
		return domain.Integration{}, wrap(err)
	}
	return out, nil
}

// SaveTokens implements domain.IntegrationStore.
func (s *Store) SaveTokens(ctx context.Context, id, accessToken, refreshToken string, expiry time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE integrations SET access_token = ?, refresh_token = COALESCE(NULLIF(?, ''), refresh_token), token_expiry = ?, updated_at = ?
         WHERE integration_id = ?`,
		accessToken, refreshToken, micros(expiry), s.now().UnixMicro(), id,
	)
	return requireRow(res, err)
}

// MarkSynced implements domain.IntegrationStore.
func (s *Store) MarkSynced(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE integrations SET last_sync = ?, needs_reauth = 0, updated_at = ? WHERE integration_id = ? AND is_active = 1`,
		at.UTC().UnixMicro(), s.now().UnixMicro(), id,
	)
	return wrap(err)
}

// FlagReauth implements domain.IntegrationStore.
func (s *Store) FlagReauth(ctx context.Context, id string) error {
	if _, err := s.GetIntegration(ctx, id); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE integrations SET needs_reauth = 1, updated_at = ? WHERE integration_id = ? AND is_active = 1 AND needs_reauth = 0`,
		s.now().UnixMicro(), id,
	)
	return wrap(err)
}

// Deactivate implements domain.IntegrationStore.
func (s *Store) Deactivate(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE integrations SET is_active = 0, updated_at = ? WHERE integration_id = ?`,
		s.now().UnixMicro(), id,
	)
	return requireRow(res, err)
}

func requireRow(res sql.Result, err error) error {
	if err != nil {
		return wrap(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrap(err)
	}
	if n == 0 {
		return domain.ErrIntegrationNotFound
	}
	return nil
}

// ListUsersWithActiveIntegrations implements domain.IntegrationStore.
func (s *Store) ListUsersWithActiveIntegrations(ctx context.Context) ([]string, error) {
	rows, err := s.reader.QueryContext(ctx, `SELECT DISTINCT user_id FROM integrations WHERE is_active = 1 ORDER BY user_id`)
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

// RecordSyncOutcome implements domain.AuditSink.
func (s *Store) RecordSyncOutcome(ctx context.Context, userID string, outcome domain.SyncOutcome) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_outcomes (user_id, integration_id, provider, status, records_ingested, records_updated, records_dropped, error_detail, started_at, finished_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		userID, outcome.IntegrationID, string(outcome.Provider), string(outcome.Status),
		outcome.RecordsIngested, outcome.RecordsUpdated, outcome.RecordsDropped, outcome.ErrorDetail,
		outcome.StartedAt.UTC().UnixMicro(), outcome.FinishedAt.UTC().UnixMicro(),
	)
	return wrap(err)
}

// RecentOutcomes returns the most recent audit rows for a user, newest first.
func (s *Store) RecentOutcomes(ctx context.Context, userID string, limit int) ([]domain.SyncOutcome, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT integration_id, provider, status, records_ingested, records_updated, records_dropped, error_detail, started_at, finished_at
         FROM sync_outcomes WHERE user_id = ? ORDER BY outcome_id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, wrap(err)
	}
	defer rows.Close()

	out := make([]domain.SyncOutcome, 0)
	for rows.Next() {
		var o domain.SyncOutcome
		var provider, status string
		var started, finished int64
		if err := rows.Scan(&o.IntegrationID, &provider, &status, &o.RecordsIngested, &o.RecordsUpdated, &o.RecordsDropped, &o.ErrorDetail, &started, &finished); err != nil {
			return nil, wrap(err)
		}
		o.Provider = domain.Provider(provider)
		o.Status = domain.SyncStatus(status)
		o.StartedAt = time.UnixMicro(started).UTC()
		o.FinishedAt = time.UnixMicro(finished).UTC()
		out = append(out, o)
	}
	return out, wrap(rows.Err())
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func userExists(ctx context.Context, q queryer, userID string) error {
	var exists int
	if err := q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE user_id = ?)`, userID).Scan(&exists); err != nil {
		return wrap(err)
	}
	if exists == 0 {
		return domain.ErrUserNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanIntegration(row scanner) (domain.Integration, error) {
	var integ domain.Integration
	var provider string
	var expiry, lastSync sql.NullInt64
	var created, updated int64
	if err := row.Scan(&integ.ID, &integ.UserID, &provider, &integ.AccessToken, &integ.RefreshToken, &expiry, &lastSync, &integ.IsActive, &integ.NeedsReauth, &created, &updated); err != nil {
		return domain.Integration{}, err
	}
	integ.Provider = domain.Provider(provider)
	if expiry.Valid {
		integ.TokenExpiry = time.UnixMicro(expiry.Int64).UTC()
	}
	if lastSync.Valid {
		ts := time.UnixMicro(lastSync.Int64).UTC()
		integ.LastSync = &ts
	}
	integ.CreatedAt = time.UnixMicro(created).UTC()
	integ.UpdatedAt = time.UnixMicro(updated).UTC()
	return integ, nil
}

func micros(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC().UnixMicro()
}

func wrap(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
}
