// Package orchestrator runs sync cycles: it fans out over a user's active integrations, refreshes
// tokens, fetches and normalizes provider data and merges it into the record store.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/provider"
)

// Options bounds a sync cycle.
type Options struct {
	// Concurrency caps the providers synced in parallel for one user.
	Concurrency int
	// AdapterTimeout bounds each Fetch and Refresh call.
	AdapterTimeout time.Duration
	// CycleTimeout bounds a whole SyncUser call.
	CycleTimeout time.Duration
	// NetworkRetries is how often a fetch failing with a network error is retried. Zero disables.
	NetworkRetries int
	RetryBaseDelay time.Duration
}

// DefaultOptions returns the settings used when configuration leaves them unset.
func DefaultOptions() Options {
	return Options{
		Concurrency:    4,
		AdapterTimeout: 30 * time.Second,
		CycleTimeout:   2 * time.Minute,
		RetryBaseDelay: 500 * time.Millisecond,
	}
}

// Option configures optional behaviour for the Orchestrator.
type Option func(*Orchestrator)

// WithLogger overrides the logger used to report outcomes.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithClock overrides the time source used for token expiry and last_sync.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// Orchestrator coordinates provider adapters against a Store.
type Orchestrator struct {
	store    domain.Store
	registry *provider.Registry
	opts     Options
	logger   zerolog.Logger
	now      func() time.Time
	tracer   trace.Tracer
}

// New constructs an Orchestrator. Zero-valued options fall back to DefaultOptions.
func New(store domain.Store, registry *provider.Registry, opts Options, options ...Option) *Orchestrator {
	defaults := DefaultOptions()
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaults.Concurrency
	}
	if opts.AdapterTimeout <= 0 {
		opts.AdapterTimeout = defaults.AdapterTimeout
	}
	if opts.CycleTimeout <= 0 {
		opts.CycleTimeout = defaults.CycleTimeout
	}
	if opts.NetworkRetries < 0 {
		opts.NetworkRetries = 0
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = defaults.RetryBaseDelay
	}

	o := &Orchestrator{
		store:    store,
		registry: registry,
		opts:     opts,
		logger:   zerolog.Nop(),
		now:      func() time.Time { return time.Now().UTC() },
		tracer:   otel.Tracer("example.com/healthsync/internal/orchestrator"),
	}
	for _, opt := range options {
		opt(o)
	}
	return o
}

// SyncUser runs one sync cycle for the user's active integrations, optionally restricted to the
// given providers. It returns one outcome per integration synced, in integration order. Provider
// failures are reported in outcomes; only store failures abort the call.
func (o *Orchestrator) SyncUser(ctx context.Context, userID string, window domain.Window, providers ...domain.Provider) ([]domain.SyncOutcome, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, o.opts.CycleTimeout)
	defer cancel()

	ctx, span := o.tracer.Start(ctx, "sync.cycle", trace.WithAttributes(
		attribute.String("user_id", userID),
		attribute.String("window", window.String()),
	))
	defer span.End()

	integrations, err := o.store.ListIntegrations(ctx, userID)
	if err != nil {
		recordCycle(start, true)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, domain.ErrUserNotFound) {
			return nil, err
		}
		return nil, asStoreError(err)
	}

	active := filterProviders(domain.ActiveOnly(integrations), providers)
	outcomes := make([]domain.SyncOutcome, len(active))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.Concurrency)
	for i, integ := range active {
		i, integ := i, integ
		g.Go(func() error {
			outcome, err := o.syncIntegration(gctx, userID, integ, window)
			if err != nil {
				return err
			}
			outcomes[i] = outcome
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		recordCycle(start, true)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.logger.Error().Err(err).Str("user_id", userID).Msg("sync cycle aborted")
		return nil, err
	}

	recordCycle(start, false)
	o.logger.Info().
		Str("user_id", userID).
		Str("window", window.String()).
		Int("providers", len(outcomes)).
		Dur("duration", time.Since(start)).
		Msg("sync cycle completed")
	return outcomes, nil
}

func filterProviders(integrations []domain.Integration, providers []domain.Provider) []domain.Integration {
	if len(providers) == 0 {
		return integrations
	}
	wanted := make(map[domain.Provider]bool, len(providers))
	for _, p := range providers {
		wanted[p] = true
	}
	out := make([]domain.Integration, 0, len(integrations))
	for _, integ := range integrations {
		if wanted[integ.Provider] {
			out = append(out, integ)
		}
	}
	return out
}

// syncIntegration runs one provider task. A non-nil error is a fatal store failure.
func (o *Orchestrator) syncIntegration(ctx context.Context, userID string, integ domain.Integration, window domain.Window) (domain.SyncOutcome, error) {
	outcome := domain.SyncOutcome{
		IntegrationID: integ.ID,
		Provider:      integ.Provider,
		StartedAt:     o.now(),
	}

	ctx, span := o.tracer.Start(ctx, "sync.provider", trace.WithAttributes(
		attribute.String("provider", string(integ.Provider)),
		attribute.String("integration_id", integ.ID),
	))
	defer span.End()

	adapter, err := o.registry.Lookup(integ.Provider)
	if err != nil {
		return o.finish(ctx, span, userID, &integ, outcome, err)
	}

	refreshed := false
	if integ.TokenExpired(outcome.StartedAt) {
		refreshed = true
		if err := o.refresh(ctx, adapter, &integ); err != nil {
			return o.fail(ctx, span, userID, &integ, outcome, err)
		}
	}

	payload, err := o.fetch(ctx, adapter, integ.AccessToken, window)
	if errors.Is(err, domain.ErrAuthExpired) && !refreshed {
		if rerr := o.refresh(ctx, adapter, &integ); rerr != nil {
			err = rerr
		} else {
			payload, err = o.fetch(ctx, adapter, integ.AccessToken, window)
		}
	}
	if err != nil {
		return o.fail(ctx, span, userID, &integ, outcome, err)
	}

	normalized := adapter.Normalize(payload, window)
	records := make([]domain.Record, 0, len(normalized.Records))
	for _, rec := range normalized.Records {
		rec.UserID = userID
		records = append(records, rec)
	}

	result, err := o.store.UpsertRecords(ctx, records)
	if err != nil {
		return o.fail(ctx, span, userID, &integ, outcome, asStoreError(err))
	}

	outcome.RecordsIngested = result.Inserted
	outcome.RecordsUpdated = result.Updated
	outcome.RecordsDropped = normalized.Dropped
	if normalized.Dropped > 0 && normalized.MalformedRatio() > adapter.MalformedThreshold() {
		err = fmt.Errorf("%w: %d of %d candidates dropped", domain.ErrMalformedPayload, normalized.Dropped, normalized.Total)
	}
	return o.finish(ctx, span, userID, &integ, outcome, err)
}

// fail routes task errors: store failures abort the cycle unless the cycle deadline already
// passed, in which case the provider reports network_error.
func (o *Orchestrator) fail(ctx context.Context, span trace.Span, userID string, integ *domain.Integration, outcome domain.SyncOutcome, err error) (domain.SyncOutcome, error) {
	if errors.Is(err, domain.ErrStoreUnavailable) {
		if ctx.Err() == nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return domain.SyncOutcome{}, err
		}
		err = fmt.Errorf("%w: %w", domain.ErrNetwork, ctx.Err())
	}
	return o.finish(ctx, span, userID, integ, outcome, err)
}

// refresh renews the access token and stores only the credential fields. Tokens another cycle
// rotated in the meantime are adopted instead of spending the refresh token a second time.
func (o *Orchestrator) refresh(ctx context.Context, adapter provider.Adapter, integ *domain.Integration) error {
	current, err := o.store.GetIntegration(ctx, integ.ID)
	if err != nil {
		return asStoreError(err)
	}
	if current.AccessToken != integ.AccessToken && !current.TokenExpired(o.now()) {
		integ.AccessToken = current.AccessToken
		integ.RefreshToken = current.RefreshToken
		integ.TokenExpiry = current.TokenExpiry
		return nil
	}

	rctx, cancel := context.WithTimeout(ctx, o.opts.AdapterTimeout)
	defer cancel()

	tok, err := adapter.Refresh(rctx, current.RefreshToken)
	if err != nil {
		return err
	}

	if err := o.store.SaveTokens(ctx, integ.ID, tok.AccessToken, tok.RefreshToken, tok.Expiry); err != nil {
		return asStoreError(err)
	}
	integ.AccessToken = tok.AccessToken
	integ.RefreshToken = current.RefreshToken
	if tok.RefreshToken != "" {
		integ.RefreshToken = tok.RefreshToken
	}
	integ.TokenExpiry = tok.Expiry
	return nil
}

// fetch calls the adapter under the per-adapter timeout, retrying network errors with
// exponential backoff when NetworkRetries is positive.
func (o *Orchestrator) fetch(ctx context.Context, adapter provider.Adapter, token string, window domain.Window) (provider.Payload, error) {
	var payload provider.Payload
	operation := func() error {
		actx, cancel := context.WithTimeout(ctx, o.opts.AdapterTimeout)
		defer cancel()

		p, err := adapter.Fetch(actx, token, window)
		if err == nil {
			payload = p
			return nil
		}
		if ctx.Err() == nil && (errors.Is(err, domain.ErrNetwork) || errors.Is(err, context.DeadlineExceeded)) {
			return err
		}
		return backoff.Permanent(err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = o.opts.RetryBaseDelay
	policy.MaxElapsedTime = 0
	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(o.opts.NetworkRetries)), ctx))
	return payload, err
}

// finish classifies err, persists integration bookkeeping and the audit record, and emits
// telemetry.
func (o *Orchestrator) finish(ctx context.Context, span trace.Span, userID string, integ *domain.Integration, outcome domain.SyncOutcome, err error) (domain.SyncOutcome, error) {
	outcome.Status = domain.StatusFor(err)
	if err != nil {
		outcome.ErrorDetail = err.Error()
	}
	outcome.FinishedAt = o.now()

	var serr error
	switch {
	case outcome.Status.Succeeded():
		serr = o.store.MarkSynced(ctx, integ.ID, outcome.FinishedAt)
	case outcome.Status == domain.SyncStatusAuthExpired:
		serr = o.store.FlagReauth(ctx, integ.ID)
	}
	if serr != nil {
		return o.fail(ctx, span, userID, integ, outcome, asStoreError(serr))
	}

	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if aerr := o.store.RecordSyncOutcome(auditCtx, userID, outcome); aerr != nil {
		o.logger.Warn().Err(aerr).Str("user_id", userID).Str("provider", string(outcome.Provider)).Msg("failed to record sync outcome")
	}

	recordOutcome(outcome)
	span.SetAttributes(
		attribute.String("status", string(outcome.Status)),
		attribute.Int("records_ingested", outcome.RecordsIngested),
		attribute.Int("records_dropped", outcome.RecordsDropped),
	)
	if err != nil {
		span.RecordError(err)
	}

	event := o.logger.Info()
	if !outcome.Status.Succeeded() {
		event = o.logger.Warn().Str("error", outcome.ErrorDetail)
	}
	event.
		Str("user_id", userID).
		Str("provider", string(outcome.Provider)).
		Str("status", string(outcome.Status)).
		Int("ingested", outcome.RecordsIngested).
		Int("updated", outcome.RecordsUpdated).
		Int("dropped", outcome.RecordsDropped).
		Dur("duration", outcome.FinishedAt.Sub(outcome.StartedAt)).
		Msg("provider sync finished")

	return outcome, nil
}

func asStoreError(err error) error {
	if errors.Is(err, domain.ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
}
