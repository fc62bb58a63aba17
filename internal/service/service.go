// Package service is the transport-agnostic facade over the sync orchestrator, the aggregation
// engine and the integration store. The HTTP handlers and the CLI both call into it.
package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"example.com/healthsync/internal/aggregate"
	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/orchestrator"
)

// SyncMode selects the default window of a sync request.
type SyncMode string

const (
	// SyncModeFull covers the last FullSyncDays days.
	SyncModeFull SyncMode = "full"
	// SyncModeRecent covers yesterday and today.
	SyncModeRecent SyncMode = "recent"
)

const (
	// FullSyncDays is the default window of a full sync.
	FullSyncDays = 30
	// DefaultSummaryDays is used when a summary request does not specify days.
	DefaultSummaryDays = 7
	// MaxQueryDays bounds explicit query and sync windows.
	MaxQueryDays = 366
)

// Service coordinates the engine's exposed operations.
type Service struct {
	store  domain.Store
	syncer orchestrator.Syncer
	engine *aggregate.Engine
	now    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source used to resolve relative windows.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// New constructs a Service.
func New(store domain.Store, syncer orchestrator.Syncer, options ...Option) *Service {
	s := &Service{
		store:  store,
		syncer: syncer,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range options {
		opt(s)
	}
	s.engine = aggregate.NewEngine(store).WithClock(s.now)
	return s
}

// ConnectInput carries tokens issued by the OAuth collaborator.
type ConnectInput struct {
	UserID       string
	Provider     domain.Provider
	AccessToken  string
	RefreshToken string
	TokenExpiry  time.Time
}

// Validate ensures the input can be stored.
func (in ConnectInput) Validate() error {
	if strings.TrimSpace(in.UserID) == "" {
		return fmt.Errorf("%w: user_id is required", domain.ErrUserNotFound)
	}
	if !in.Provider.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrUnsupported, in.Provider)
	}
	if strings.TrimSpace(in.AccessToken) == "" {
		return invalid("access_token is required")
	}
	return nil
}

// ListIntegrations returns the user's integrations, active or not.
func (s *Service) ListIntegrations(ctx context.Context, userID string) ([]domain.Integration, error) {
	return s.store.ListIntegrations(ctx, userID)
}

// Connect registers the user if needed and creates or reactivates the provider integration.
func (s *Service) Connect(ctx context.Context, in ConnectInput) (domain.Integration, error) {
	if err := in.Validate(); err != nil {
		return domain.Integration{}, err
	}
	if err := s.store.EnsureUser(ctx, in.UserID); err != nil {
		return domain.Integration{}, err
	}
	return s.store.ConnectIntegration(ctx, domain.Integration{
		UserID:       in.UserID,
		Provider:     in.Provider,
		AccessToken:  in.AccessToken,
		RefreshToken: in.RefreshToken,
		TokenExpiry:  in.TokenExpiry.UTC(),
	})
}

// Disconnect deactivates one of the user's integrations. Stored records are kept.
func (s *Service) Disconnect(ctx context.Context, userID, integrationID string) error {
	integ, err := s.store.GetIntegration(ctx, integrationID)
	if err != nil {
		return err
	}
	if integ.UserID != userID {
		return domain.ErrIntegrationNotFound
	}
	if !integ.IsActive {
		return nil
	}
	return s.store.Deactivate(ctx, integ.ID)
}

// SyncRequest describes a user-initiated sync. Start and End take precedence over Mode.
type SyncRequest struct {
	UserID    string
	Mode      SyncMode
	Days      int
	Start     time.Time
	End       time.Time
	Providers []domain.Provider
}

// SyncResult reports the resolved window and one outcome per synced integration.
type SyncResult struct {
	Window   domain.Window
	Outcomes []domain.SyncOutcome
}

// SyncUser resolves the request window and runs one sync cycle.
func (s *Service) SyncUser(ctx context.Context, req SyncRequest) (SyncResult, error) {
	window, err := s.ResolveWindow(req)
	if err != nil {
		return SyncResult{}, err
	}
	outcomes, err := s.syncer.SyncUser(ctx, req.UserID, window, req.Providers...)
	if err != nil {
		return SyncResult{}, err
	}
	return SyncResult{Window: window, Outcomes: outcomes}, nil
}

// ResolveWindow turns a sync request into a concrete window.
func (s *Service) ResolveWindow(req SyncRequest) (domain.Window, error) {
	if !req.Start.IsZero() || !req.End.IsZero() {
		return s.explicitWindow(req.Start, req.End)
	}
	switch req.Mode {
	case SyncModeRecent:
		return domain.LastNDays(s.now(), 2), nil
	case SyncModeFull, "":
		days := req.Days
		if days <= 0 {
			days = FullSyncDays
		}
		if days > MaxQueryDays {
			return domain.Window{}, fmt.Errorf("%w: at most %d days", domain.ErrInvalidWindow, MaxQueryDays)
		}
		return domain.LastNDays(s.now(), days), nil
	default:
		return domain.Window{}, invalid(fmt.Sprintf("unknown sync mode %q", req.Mode))
	}
}

func (s *Service) explicitWindow(start, end time.Time) (domain.Window, error) {
	if end.IsZero() {
		end = s.now()
	}
	w, err := domain.NewWindow(start, end)
	if err != nil {
		return domain.Window{}, err
	}
	if w.Days() > MaxQueryDays {
		return domain.Window{}, fmt.Errorf("%w: at most %d days", domain.ErrInvalidWindow, MaxQueryDays)
	}
	return w, nil
}

// ListTypes returns the distinct data types stored for the user.
func (s *Service) ListTypes(ctx context.Context, userID string) ([]domain.DataType, error) {
	return s.engine.ListTypes(ctx, userID)
}

// SeriesRequest selects a chart. A zero Start defaults to FullSyncDays before End; a zero End
// defaults to today.
type SeriesRequest struct {
	UserID   string
	DataType domain.DataType
	Provider domain.Provider
	Start    time.Time
	End      time.Time
}

// Series returns the filtered records with statistics and calendar buckets.
func (s *Service) Series(ctx context.Context, req SeriesRequest) (aggregate.ChartView, error) {
	end := req.End
	if end.IsZero() {
		end = s.now()
	}
	start := req.Start
	if start.IsZero() {
		start = domain.StartOfDay(end).AddDate(0, 0, -(FullSyncDays - 1))
	}
	window, err := s.explicitWindow(start, end)
	if err != nil {
		return aggregate.ChartView{}, err
	}
	return s.engine.Chart(ctx, req.UserID, aggregate.Filter{
		DataType: req.DataType,
		Provider: req.Provider,
		Window:   window,
	})
}

// Summary returns the per data type view over the last days.
func (s *Service) Summary(ctx context.Context, userID string, days int) (map[domain.DataType]aggregate.SummaryEntry, error) {
	if days == 0 {
		days = DefaultSummaryDays
	}
	if days > MaxQueryDays {
		return nil, fmt.Errorf("%w: at most %d days", domain.ErrInvalidWindow, MaxQueryDays)
	}
	return s.engine.Summary(ctx, userID, days)
}

// Overview reports what is stored for the user per provider and data type.
func (s *Service) Overview(ctx context.Context, userID string) (aggregate.Overview, error) {
	return s.engine.Overview(ctx, userID)
}

// Export is a full dump of a user's data.
type Export struct {
	UserID       string
	ExportedAt   time.Time
	Integrations []domain.Integration
	Records      []domain.Record
}

// Export returns every stored record and the user's integrations. Tokens are cleared.
func (s *Service) Export(ctx context.Context, userID string) (Export, error) {
	integrations, err := s.store.ListIntegrations(ctx, userID)
	if err != nil {
		return Export{}, err
	}
	for i := range integrations {
		integrations[i].AccessToken = ""
		integrations[i].RefreshToken = ""
	}
	records, err := s.store.QueryRecords(ctx, domain.RecordQuery{UserID: userID})
	if err != nil {
		return Export{}, err
	}
	return Export{
		UserID:       userID,
		ExportedAt:   s.now(),
		Integrations: integrations,
		Records:      records,
	}, nil
}
