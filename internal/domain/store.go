// Package domain defines the canonical health data model and the contracts shared by the
// store backends, provider adapters and the sync orchestrator.
package domain

import (
	"context"
	"time"
)

// RecordStore persists canonical records.
type RecordStore interface {
	// UpsertRecords applies the batch atomically. Re-ingesting an identical record is a no-op and
	// a revised value or unit replaces the stored one.
	UpsertRecords(ctx context.Context, records []Record) (UpsertResult, error)
	// QueryRecords returns matching records ordered by timestamp ascending.
	QueryRecords(ctx context.Context, q RecordQuery) ([]Record, error)
	// ListDataTypes returns the distinct data types stored for the user, sorted.
	ListDataTypes(ctx context.Context, userID string) ([]DataType, error)
}

// IntegrationStore persists provider connection state.
type IntegrationStore interface {
	EnsureUser(ctx context.Context, userID string) error
	ListIntegrations(ctx context.Context, userID string) ([]Integration, error)
	GetIntegration(ctx context.Context, id string) (*Integration, error)
	// ConnectIntegration creates or reactivates the (user, provider) integration with new tokens.
	ConnectIntegration(ctx context.Context, integ Integration) (Integration, error)
	// SaveTokens stores rotated credentials. An empty refreshToken keeps the stored one.
	SaveTokens(ctx context.Context, id, accessToken, refreshToken string, expiry time.Time) error
	// MarkSynced sets last_sync and clears the reauth flag. It is a no-op for an integration that
	// is missing or no longer active.
	MarkSynced(ctx context.Context, id string, at time.Time) error
	// FlagReauth raises the reauth flag on an active integration.
	FlagReauth(ctx context.Context, id string) error
	// Deactivate stops syncing the integration. Its records are kept.
	Deactivate(ctx context.Context, id string) error
	ListUsersWithActiveIntegrations(ctx context.Context) ([]string, error)
}

// AuditSink records sync outcomes for later inspection.
type AuditSink interface {
	RecordSyncOutcome(ctx context.Context, userID string, outcome SyncOutcome) error
}

// Store is the canonical record store used by the engine.
type Store interface {
	RecordStore
	IntegrationStore
	AuditSink
}
