package api

import (
	"errors"
	"strings"
	"time"

	"example.com/healthsync/internal/aggregate"
	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/service"
)

// ConnectRequest is the payload for POST /v1/integrations, posted by the OAuth callback.
type ConnectRequest struct {
	Provider     string     `json:"provider"`
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token"`
	TokenExpiry  *time.Time `json:"token_expiry,omitempty"`
	ExpiresIn    int        `json:"expires_in,omitempty"`
}

// Validate ensures request correctness.
func (r ConnectRequest) Validate() error {
	if _, err := domain.ParseProvider(r.Provider); err != nil {
		return err
	}
	if strings.TrimSpace(r.AccessToken) == "" {
		return errors.New("access_token is required")
	}
	if r.ExpiresIn < 0 {
		return errors.New("expires_in must be >= 0")
	}
	return nil
}

func (r ConnectRequest) input(userID string, now time.Time) service.ConnectInput {
	p, _ := domain.ParseProvider(r.Provider)
	in := service.ConnectInput{
		UserID:       userID,
		Provider:     p,
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
	}
	switch {
	case r.TokenExpiry != nil:
		in.TokenExpiry = *r.TokenExpiry
	case r.ExpiresIn > 0:
		in.TokenExpiry = now.Add(time.Duration(r.ExpiresIn) * time.Second)
	}
	return in
}

// SyncRequest is the optional payload for POST /v1/sync.
type SyncRequest struct {
	Mode      string   `json:"mode"`
	Days      int      `json:"days"`
	Start     string   `json:"start"`
	End       string   `json:"end"`
	Providers []string `json:"providers"`
}

func (r SyncRequest) input(userID string) (service.SyncRequest, error) {
	in := service.SyncRequest{UserID: userID, Mode: service.SyncMode(r.Mode), Days: r.Days}
	if r.Days < 0 {
		return in, errors.New("days must be >= 0")
	}
	var err error
	if r.Start != "" {
		if in.Start, err = domain.ParseDate(r.Start); err != nil {
			return in, err
		}
	}
	if r.End != "" {
		if in.End, err = domain.ParseDate(r.End); err != nil {
			return in, err
		}
	}
	for _, raw := range r.Providers {
		p, err := domain.ParseProvider(raw)
		if err != nil {
			return in, err
		}
		in.Providers = append(in.Providers, p)
	}
	return in, nil
}

// IntegrationView describes an integration without its tokens.
type IntegrationView struct {
	ID          string     `json:"id"`
	Provider    string     `json:"provider"`
	IsActive    bool       `json:"is_active"`
	NeedsReauth bool       `json:"needs_reauth"`
	LastSync    *time.Time `json:"last_sync,omitempty"`
	TokenExpiry *time.Time `json:"token_expiry,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// ListIntegrationsResponse packages list results.
type ListIntegrationsResponse struct {
	Items []IntegrationView `json:"items"`
}

// WindowView is an inclusive day range.
type WindowView struct {
	Start string `json:"start"`
	End   string `json:"end"`
	Days  int    `json:"days"`
}

// OutcomeView reports one provider's part in a sync cycle.
type OutcomeView struct {
	IntegrationID   string    `json:"integration_id"`
	Provider        string    `json:"provider"`
	Status          string    `json:"status"`
	RecordsIngested int       `json:"records_ingested"`
	RecordsUpdated  int       `json:"records_updated"`
	RecordsDropped  int       `json:"records_dropped"`
	Error           string    `json:"error,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
}

// SyncResponse is returned by POST /v1/sync.
type SyncResponse struct {
	Window   WindowView    `json:"window"`
	Outcomes []OutcomeView `json:"outcomes"`
}

// TypesResponse lists the stored data types.
type TypesResponse struct {
	Types []string `json:"types"`
}

// RecordView is one canonical record.
type RecordView struct {
	Timestamp time.Time `json:"timestamp"`
	DataType  string    `json:"data_type"`
	Provider  string    `json:"provider"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit"`
}

// StatsView carries count, mean and range.
type StatsView struct {
	Count int     `json:"count"`
	Avg   float64 `json:"avg"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

// BucketView is one chart bucket.
type BucketView struct {
	Start string `json:"start"`
	StatsView
}

// SeriesResponse is returned by GET /v1/health/series.
type SeriesResponse struct {
	DataType    string       `json:"data_type,omitempty"`
	Provider    string       `json:"provider,omitempty"`
	Window      WindowView   `json:"window"`
	Granularity string       `json:"granularity"`
	Stats       StatsView    `json:"stats"`
	Buckets     []BucketView `json:"buckets"`
	Records     []RecordView `json:"records"`
}

// PointView is one summary value.
type PointView struct {
	Timestamp time.Time       `json:"timestamp"`
	Value     float64         `json:"value"`
	Provider  domain.Provider `json:"provider"`
}

// SummaryView is the per data type summary.
type SummaryView struct {
	Unit    string      `json:"unit"`
	Current PointView   `json:"current"`
	Values  []PointView `json:"values"`
}

// SummaryResponse is returned by GET /v1/health/summary.
type SummaryResponse struct {
	Days  int                    `json:"days"`
	Types map[string]SummaryView `json:"types"`
}

// CoverageView describes stored data for one provider and data type.
type CoverageView struct {
	Provider string    `json:"provider"`
	DataType string    `json:"data_type"`
	Count    int       `json:"count"`
	Earliest time.Time `json:"earliest"`
	Latest   time.Time `json:"latest"`
}

// OverviewResponse is returned by GET /v1/health/overview.
type OverviewResponse struct {
	TotalRecords int            `json:"total_records"`
	Earliest     *time.Time     `json:"earliest,omitempty"`
	Latest       *time.Time     `json:"latest,omitempty"`
	Coverage     []CoverageView `json:"coverage"`
}

// ExportResponse is returned by GET /v1/health/export.
type ExportResponse struct {
	UserID       string            `json:"user_id"`
	ExportedAt   time.Time         `json:"exported_at"`
	Integrations []IntegrationView `json:"integrations"`
	Records      []RecordView      `json:"records"`
}

// NewIntegrationView hides the tokens of integ.
func NewIntegrationView(integ domain.Integration) IntegrationView {
	view := IntegrationView{
		ID:          integ.ID,
		Provider:    string(integ.Provider),
		IsActive:    integ.IsActive,
		NeedsReauth: integ.NeedsReauth,
		LastSync:    integ.LastSync,
		CreatedAt:   integ.CreatedAt,
		UpdatedAt:   integ.UpdatedAt,
	}
	if !integ.TokenExpiry.IsZero() {
		expiry := integ.TokenExpiry
		view.TokenExpiry = &expiry
	}
	return view
}

func toWindowView(w domain.Window) WindowView {
	return WindowView{Start: w.Start.Format(domain.DateLayout), End: w.End.Format(domain.DateLayout), Days: w.Days()}
}

func toOutcomeView(o domain.SyncOutcome) OutcomeView {
	return OutcomeView{
		IntegrationID:   o.IntegrationID,
		Provider:        string(o.Provider),
		Status:          string(o.Status),
		RecordsIngested: o.RecordsIngested,
		RecordsUpdated:  o.RecordsUpdated,
		RecordsDropped:  o.RecordsDropped,
		Error:           o.ErrorDetail,
		StartedAt:       o.StartedAt,
		FinishedAt:      o.FinishedAt,
	}
}

func toRecordViews(records []domain.Record) []RecordView {
	out := make([]RecordView, 0, len(records))
	for _, rec := range records {
		out = append(out, RecordView{
			Timestamp: rec.Timestamp,
			DataType:  string(rec.DataType),
			Provider:  string(rec.Provider),
			Value:     rec.Value,
			Unit:      rec.Unit,
		})
	}
	return out
}

func toStatsView(s aggregate.Stats) StatsView {
	return StatsView{Count: s.Count, Avg: s.Avg, Min: s.Min, Max: s.Max}
}

// NewSeriesResponse renders a chart view.
func NewSeriesResponse(view aggregate.ChartView) SeriesResponse {
	resp := SeriesResponse{
		DataType:    string(view.Filter.DataType),
		Provider:    string(view.Filter.Provider),
		Window:      toWindowView(view.Filter.Window),
		Granularity: string(view.Granularity),
		Stats:       toStatsView(view.Stats),
		Buckets:     make([]BucketView, 0, len(view.Buckets)),
		Records:     toRecordViews(view.Records),
	}
	for _, b := range view.Buckets {
		resp.Buckets = append(resp.Buckets, BucketView{Start: b.Start.Format(domain.DateLayout), StatsView: toStatsView(b.Stats)})
	}
	return resp
}

// NewSyncResponse renders the result of one sync cycle.
func NewSyncResponse(result service.SyncResult) SyncResponse {
	resp := SyncResponse{
		Window:   toWindowView(result.Window),
		Outcomes: make([]OutcomeView, 0, len(result.Outcomes)),
	}
	for _, outcome := range result.Outcomes {
		resp.Outcomes = append(resp.Outcomes, toOutcomeView(outcome))
	}
	return resp
}

// NewSummaryResponse renders per data type summaries over days.
func NewSummaryResponse(days int, entries map[domain.DataType]aggregate.SummaryEntry) SummaryResponse {
	resp := SummaryResponse{Days: days, Types: make(map[string]SummaryView, len(entries))}
	for dt, entry := range entries {
		view := SummaryView{
			Unit:    entry.Unit,
			Current: PointView(entry.Current),
			Values:  make([]PointView, 0, len(entry.Values)),
		}
		for _, p := range entry.Values {
			view.Values = append(view.Values, PointView(p))
		}
		resp.Types[string(dt)] = view
	}
	return resp
}
