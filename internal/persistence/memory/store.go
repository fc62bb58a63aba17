// Package memory provides an in-process Store used for local development and tests.
package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"example.com/healthsync/internal/domain"
)

// Store keeps records and integrations in maps guarded by a single RWMutex, so a batch upsert is
// never observed half-applied.
type Store struct {
	mu           sync.RWMutex
	now          func() time.Time
	users        map[string]struct{}
	records      map[domain.RecordKey]domain.Record
	integrations map[string]domain.Integration
	outcomes     map[string][]domain.SyncOutcome
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		now:          func() time.Time { return time.Now().UTC() },
		users:        make(map[string]struct{}),
		records:      make(map[domain.RecordKey]domain.Record),
		integrations: make(map[string]domain.Integration),
		outcomes:     make(map[string][]domain.SyncOutcome),
	}
}

// EnsureUser implements domain.IntegrationStore.
func (s *Store) EnsureUser(_ context.Context, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return domain.ErrUserNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[userID] = struct{}{}
	return nil
}

// UpsertRecords implements domain.RecordStore.
func (s *Store) UpsertRecords(_ context.Context, records []domain.Record) (domain.UpsertResult, error) {
	var result domain.UpsertResult
	for _, rec := range records {
		if err := rec.Validate(); err != nil {
			return result, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range records {
		if _, ok := s.users[rec.UserID]; !ok {
			return domain.UpsertResult{}, domain.ErrUserNotFound
		}
	}

	for _, rec := range records {
		rec.Timestamp = rec.Timestamp.UTC()
		key := rec.Key()
		existing, ok := s.records[key]
		switch {
		case !ok:
			result.Inserted++
		case existing.Value != rec.Value || existing.Unit != rec.Unit:
			result.Updated++
		default:
			continue
		}
		s.records[key] = rec
	}
	return result, nil
}

// QueryRecords implements domain.RecordStore.
func (s *Store) QueryRecords(_ context.Context, q domain.RecordQuery) ([]domain.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.users[q.UserID]; !ok {
		return nil, domain.ErrUserNotFound
	}

	out := make([]domain.Record, 0)
	for _, rec := range s.records {
		if q.Matches(rec) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return domain.LessRecord(out[i], out[j]) })
	return out, nil
}

// ListDataTypes implements domain.RecordStore.
func (s *Store) ListDataTypes(_ context.Context, userID string) ([]domain.DataType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.users[userID]; !ok {
		return nil, domain.ErrUserNotFound
	}

	seen := make(map[domain.DataType]struct{})
	for key := range s.records {
		if key.UserID == userID {
			seen[key.DataType] = struct{}{}
		}
	}
	out := make([]domain.DataType, 0, len(seen))
	for dt := range seen {
		out = append(out, dt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// ListIntegrations implements domain.IntegrationStore.
func (s *Store) ListIntegrations(_ context.Context, userID string) ([]domain.Integration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.users[userID]; !ok {
		return nil, domain.ErrUserNotFound
	}

	out := make([]domain.Integration, 0)
	for _, integ := range s.integrations {
		if integ.UserID == userID {
			out = append(out, copyIntegration(integ))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// GetIntegration implements domain.IntegrationStore.
func (s *Store) GetIntegration(_ context.Context, id string) (*domain.Integration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	integ, ok := s.integrations[id]
	if !ok {
		return nil, domain.ErrIntegrationNotFound
	}
	out := copyIntegration(integ)
	return &out, nil
}

// ConnectIntegration implements domain.IntegrationStore.
func (s *Store) ConnectIntegration(_ context.Context, integ domain.Integration) (domain.Integration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[integ.UserID]; !ok {
		return domain.Integration{}, domain.ErrUserNotFound
	}

	now := s.now()
	for id, existing := range s.integrations {
		if existing.UserID == integ.UserID && existing.Provider == integ.Provider {
			existing.AccessToken = integ.AccessToken
			existing.RefreshToken = integ.RefreshToken
			existing.TokenExpiry = integ.TokenExpiry
			existing.IsActive = true
			existing.NeedsReauth = false
			existing.UpdatedAt = now
			s.integrations[id] = existing
			return copyIntegration(existing), nil
		}
	}

	if integ.ID == "" {
		integ.ID = uuid.NewString()
	}
	integ.IsActive = true
	integ.NeedsReauth = false
	integ.CreatedAt = now
	integ.UpdatedAt = now
	s.integrations[integ.ID] = integ
	return copyIntegration(integ), nil
}

// SaveTokens implements domain.IntegrationStore.
func (s *Store) SaveTokens(_ context.Context, id, accessToken, refreshToken string, expiry time.Time) error {
	return s.update(id, func(integ *domain.Integration) bool {
		integ.AccessToken = accessToken
		if refreshToken != "" {
			integ.RefreshToken = refreshToken
		}
		integ.TokenExpiry = expiry
		return true
	})
}

// MarkSynced implements domain.IntegrationStore.
func (s *Store) MarkSynced(_ context.Context, id string, at time.Time) error {
	err := s.update(id, func(integ *domain.Integration) bool {
		if !integ.IsActive {
			return false
		}
		ts := at
		integ.LastSync = &ts
		integ.NeedsReauth = false
		return true
	})
	if errors.Is(err, domain.ErrIntegrationNotFound) {
		return nil
	}
	return err
}

// FlagReauth implements domain.IntegrationStore.
func (s *Store) FlagReauth(_ context.Context, id string) error {
	return s.update(id, func(integ *domain.Integration) bool {
		if !integ.IsActive || integ.NeedsReauth {
			return false
		}
		integ.NeedsReauth = true
		return true
	})
}

// Deactivate implements domain.IntegrationStore.
func (s *Store) Deactivate(_ context.Context, id string) error {
	return s.update(id, func(integ *domain.Integration) bool {
		if !integ.IsActive {
			return false
		}
		integ.IsActive = false
		return true
	})
}

// update applies fn to the stored integration under the write lock. fn reports whether it changed
// anything.
func (s *Store) update(id string, fn func(*domain.Integration) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	integ, ok := s.integrations[id]
	if !ok {
		return domain.ErrIntegrationNotFound
	}
	if fn(&integ) {
		integ.UpdatedAt = s.now()
		s.integrations[id] = integ
	}
	return nil
}

// ListUsersWithActiveIntegrations implements domain.IntegrationStore.
func (s *Store) ListUsersWithActiveIntegrations(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, integ := range s.integrations {
		if integ.IsActive {
			seen[integ.UserID] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for userID := range seen {
		out = append(out, userID)
	}
	sort.Strings(out)
	return out, nil
}

// RecordSyncOutcome implements domain.AuditSink.
func (s *Store) RecordSyncOutcome(_ context.Context, userID string, outcome domain.SyncOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes[userID] = append(s.outcomes[userID], outcome)
	return nil
}

// Outcomes returns the audit trail recorded for a user.
func (s *Store) Outcomes(userID string) []domain.SyncOutcome {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.SyncOutcome(nil), s.outcomes[userID]...)
}

// RecordCount returns the number of stored records across all users.
func (s *Store) RecordCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func copyIntegration(in domain.Integration) domain.Integration {
	if in.LastSync != nil {
		ts := *in.LastSync
		in.LastSync = &ts
	}
	return in
}
