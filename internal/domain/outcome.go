package domain

import (
	"context"
	"errors"
	"time"
)

// SyncStatus classifies one provider's participation in a sync cycle.
type SyncStatus string

const (
	SyncStatusSuccess      SyncStatus = "success"
	SyncStatusPartial      SyncStatus = "partial"
	SyncStatusAuthExpired  SyncStatus = "auth_expired"
	SyncStatusRateLimited  SyncStatus = "rate_limited"
	SyncStatusNetworkError SyncStatus = "network_error"
	SyncStatusUnsupported  SyncStatus = "unsupported"
)

// Succeeded reports whether records from the attempt were ingested.
func (s SyncStatus) Succeeded() bool {
	return s == SyncStatusSuccess || s == SyncStatusPartial
}

// SyncOutcome is the result of one provider's participation in one sync cycle.
type SyncOutcome struct {
	IntegrationID   string
	Provider        Provider
	Status          SyncStatus
	RecordsIngested int
	RecordsUpdated  int
	RecordsDropped  int
	ErrorDetail     string
	StartedAt       time.Time
	FinishedAt      time.Time
}

// StatusFor maps a provider error onto the outcome taxonomy.
func StatusFor(err error) SyncStatus {
	switch {
	case err == nil:
		return SyncStatusSuccess
	case errors.Is(err, ErrAuthExpired):
		return SyncStatusAuthExpired
	case errors.Is(err, ErrRateLimited):
		return SyncStatusRateLimited
	case errors.Is(err, ErrUnsupported):
		return SyncStatusUnsupported
	case errors.Is(err, ErrMalformedPayload):
		return SyncStatusPartial
	case errors.Is(err, ErrNetwork),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return SyncStatusNetworkError
	default:
		return SyncStatusNetworkError
	}
}
