// Package providertest holds helpers shared by adapter and orchestrator tests.
package providertest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/sebdah/goldie/v2"

	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/provider"
)

type snapshotRecord struct {
	Day      string  `json:"day"`
	DataType string  `json:"data_type"`
	Value    float64 `json:"value"`
	Unit     string  `json:"unit"`
}

type snapshot struct {
	Total   int              `json:"total"`
	Dropped int              `json:"dropped"`
	Skipped int              `json:"skipped"`
	Records []snapshotRecord `json:"records"`
}

// AssertGolden compares a normalized result against testdata/golden/<name>.golden.
// Run the tests with -update to regenerate the fixture.
func AssertGolden(t *testing.T, name string, n provider.Normalized) {
	t.Helper()

	snap := snapshot{Total: n.Total, Dropped: n.Dropped, Skipped: n.Skipped, Records: make([]snapshotRecord, 0, len(n.Records))}
	for _, rec := range n.Records {
		snap.Records = append(snap.Records, snapshotRecord{
			Day:      rec.Timestamp.UTC().Format(domain.DateLayout),
			DataType: string(rec.DataType),
			Value:    rec.Value,
			Unit:     rec.Unit,
		})
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
}

// Stub is a scripted provider.Adapter. Function fields left nil return zero values.
type Stub struct {
	Name      domain.Provider
	Threshold float64
	FetchFn   func(ctx context.Context, token string, window domain.Window) (provider.Payload, error)
	Records   []domain.Record
	Dropped   int
	RefreshFn func(ctx context.Context, refreshToken string) (provider.Token, error)

	mu           sync.Mutex
	fetchTokens  []string
	refreshCalls int
}

func (s *Stub) Provider() domain.Provider { return s.Name }

func (s *Stub) MalformedThreshold() float64 { return s.Threshold }

func (s *Stub) Fetch(ctx context.Context, token string, window domain.Window) (provider.Payload, error) {
	s.mu.Lock()
	s.fetchTokens = append(s.fetchTokens, token)
	s.mu.Unlock()
	if s.FetchFn != nil {
		return s.FetchFn(ctx, token, window)
	}
	return provider.Payload{}, nil
}

// Normalize returns the scripted records and drop count regardless of the payload.
func (s *Stub) Normalize(_ provider.Payload, window domain.Window) provider.Normalized {
	c := provider.NewCollector(s.Name, window)
	for _, rec := range s.Records {
		c.Add(rec.DataType, rec.Timestamp, rec.Value, rec.Unit)
	}
	for i := 0; i < s.Dropped; i++ {
		c.Drop()
	}
	return c.Result()
}

func (s *Stub) Refresh(ctx context.Context, refreshToken string) (provider.Token, error) {
	s.mu.Lock()
	s.refreshCalls++
	s.mu.Unlock()
	if s.RefreshFn != nil {
		return s.RefreshFn(ctx, refreshToken)
	}
	return provider.Token{}, nil
}

// FetchTokens returns the access tokens passed to Fetch, in call order.
func (s *Stub) FetchTokens() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.fetchTokens...)
}

// RefreshCalls returns how many times Refresh was invoked.
func (s *Stub) RefreshCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshCalls
}
