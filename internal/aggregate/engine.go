package aggregate

import (
	"context"
	"fmt"
	"sort"
	"time"

	"example.com/healthsync/internal/domain"
)

// Reader is the read side of the record store used by the engine.
type Reader interface {
	QueryRecords(ctx context.Context, q domain.RecordQuery) ([]domain.Record, error)
	ListDataTypes(ctx context.Context, userID string) ([]domain.DataType, error)
}

// Filter narrows a series query. Empty DataType or Provider match everything.
type Filter struct {
	DataType domain.DataType
	Provider domain.Provider
	Window   domain.Window
}

// Point is one value in a summary series.
type Point struct {
	Timestamp time.Time
	Value     float64
	Provider  domain.Provider
}

// SummaryEntry is the per data type view returned by Summary.
type SummaryEntry struct {
	Unit    string
	Values  []Point
	Current Point
}

// ChartView bundles a series with its statistics and calendar buckets.
type ChartView struct {
	Filter      Filter
	Records     []domain.Record
	Stats       Stats
	Granularity Granularity
	Buckets     []Bucket
}

// Coverage describes what is stored for one provider and data type.
type Coverage struct {
	Provider domain.Provider
	DataType domain.DataType
	Count    int
	Earliest time.Time
	Latest   time.Time
}

// Overview summarizes everything stored for a user.
type Overview struct {
	TotalRecords int
	Earliest     *time.Time
	Latest       *time.Time
	Coverage     []Coverage
}

// Engine answers aggregate queries against a Reader. It never writes.
type Engine struct {
	store Reader
	now   func() time.Time
}

// NewEngine constructs an Engine.
func NewEngine(store Reader) *Engine {
	return &Engine{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock returns a copy of the engine that uses now as "today".
func (e *Engine) WithClock(now func() time.Time) *Engine {
	cp := *e
	cp.now = now
	return &cp
}

// ListTypes returns the distinct data types stored for the user.
func (e *Engine) ListTypes(ctx context.Context, userID string) ([]domain.DataType, error) {
	return e.store.ListDataTypes(ctx, userID)
}

// Series returns the matching records in ascending timestamp order, provider preserved.
func (e *Engine) Series(ctx context.Context, userID string, f Filter) ([]domain.Record, error) {
	q := f.Window.Query(userID)
	q.DataType = f.DataType
	q.Provider = f.Provider
	return e.store.QueryRecords(ctx, q)
}

// Chart returns the series for f together with its statistics and buckets.
func (e *Engine) Chart(ctx context.Context, userID string, f Filter) (ChartView, error) {
	records, err := e.Series(ctx, userID, f)
	if err != nil {
		return ChartView{}, err
	}
	g, buckets := Bucketize(records, f.Window)
	return ChartView{
		Filter:      f,
		Records:     records,
		Stats:       ComputeStats(valuesOf(records)),
		Granularity: g,
		Buckets:     buckets,
	}, nil
}

// Summary groups the last days (today included) by data type. Each entry lists its points in
// ascending order and surfaces the latest one as Current.
func (e *Engine) Summary(ctx context.Context, userID string, days int) (map[domain.DataType]SummaryEntry, error) {
	if days < 1 {
		return nil, fmt.Errorf("%w: days must be positive, got %d", domain.ErrInvalidWindow, days)
	}
	window := domain.LastNDays(e.now(), days)
	records, err := e.store.QueryRecords(ctx, window.Query(userID))
	if err != nil {
		return nil, err
	}

	out := make(map[domain.DataType]SummaryEntry)
	for _, rec := range records {
		entry := out[rec.DataType]
		point := Point{Timestamp: rec.Timestamp, Value: rec.Value, Provider: rec.Provider}
		entry.Values = append(entry.Values, point)
		entry.Current = point
		entry.Unit = rec.Unit
		out[rec.DataType] = entry
	}
	return out, nil
}

// Overview reports per provider and data type coverage of everything stored for the user.
func (e *Engine) Overview(ctx context.Context, userID string) (Overview, error) {
	records, err := e.store.QueryRecords(ctx, domain.RecordQuery{UserID: userID})
	if err != nil {
		return Overview{}, err
	}

	type key struct {
		provider domain.Provider
		dataType domain.DataType
	}
	byKey := make(map[key]*Coverage)
	var ov Overview
	for _, rec := range records {
		ov.TotalRecords++
		ts := rec.Timestamp
		if ov.Earliest == nil || ts.Before(*ov.Earliest) {
			ov.Earliest = &ts
		}
		if ov.Latest == nil || ts.After(*ov.Latest) {
			ov.Latest = &ts
		}

		k := key{rec.Provider, rec.DataType}
		c, ok := byKey[k]
		if !ok {
			c = &Coverage{Provider: rec.Provider, DataType: rec.DataType, Earliest: ts, Latest: ts}
			byKey[k] = c
		}
		c.Count++
		if ts.Before(c.Earliest) {
			c.Earliest = ts
		}
		if ts.After(c.Latest) {
			c.Latest = ts
		}
	}

	ov.Coverage = make([]Coverage, 0, len(byKey))
	for _, c := range byKey {
		ov.Coverage = append(ov.Coverage, *c)
	}
	sort.Slice(ov.Coverage, func(i, j int) bool {
		if ov.Coverage[i].Provider != ov.Coverage[j].Provider {
			return ov.Coverage[i].Provider < ov.Coverage[j].Provider
		}
		return ov.Coverage[i].DataType < ov.Coverage[j].DataType
	})
	return ov, nil
}
