// Package events defines the payloads published to Kafka through the outbox.
package events

import "time"

// Event types routed by the outbox dispatcher.
const (
	TypeSyncOutcomeRecorded = "sync.outcome_recorded"
	TypeReauthRequired      = "integration.reauth_required"
)

// Topics carrying health sync events.
const (
	TopicSyncOutcomes = "health_sync_outcomes"
	TopicIntegrations = "health_integration_events"
)

// SyncOutcomeRecorded is emitted once per provider per sync cycle.
type SyncOutcomeRecorded struct {
	UserID          string    `json:"user_id"`
	IntegrationID   string    `json:"integration_id"`
	Provider        string    `json:"provider"`
	Status          string    `json:"status"`
	RecordsIngested int       `json:"records_ingested"`
	RecordsUpdated  int       `json:"records_updated"`
	RecordsDropped  int       `json:"records_dropped"`
	ErrorDetail     string    `json:"error_detail,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
}

// ReauthRequired signals that an integration needs interactive re-authorization.
type ReauthRequired struct {
	UserID        string    `json:"user_id"`
	IntegrationID string    `json:"integration_id"`
	Provider      string    `json:"provider"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Known reports whether eventType is one this service publishes.
func Known(eventType string) bool {
	switch eventType {
	case TypeSyncOutcomeRecorded, TypeReauthRequired:
		return true
	}
	return false
}
