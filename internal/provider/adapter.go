// Package provider defines the adapter contract shared by every health data source together with
// the HTTP and OAuth plumbing the concrete adapters are built on.
package provider

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"example.com/healthsync/internal/domain"
)

// Part is one raw provider document. Kind names the endpoint or file type and Key identifies the
// document within it (a day, a page token or a file name).
type Part struct {
	Kind string
	Key  string
	Body []byte
}

// Payload is the ordered set of raw documents returned by one Fetch.
type Payload struct {
	Parts []Part
}

// Add appends a document to the payload.
func (p *Payload) Add(kind, key string, body []byte) {
	p.Parts = append(p.Parts, Part{Kind: kind, Key: key, Body: body})
}

// Normalized is the result of converting a payload into canonical records. Records carry no
// UserID; the orchestrator stamps it before persisting.
type Normalized struct {
	Records []domain.Record
	// Total counts every candidate record, including dropped ones.
	Total int
	// Dropped counts candidates that could not be decoded or carried invalid values.
	Dropped int
	// Skipped counts well-formed candidates outside the requested window.
	Skipped int
}

// MalformedRatio is Dropped/Total, or zero when nothing was seen.
func (n Normalized) MalformedRatio() float64 {
	if n.Total == 0 {
		return 0
	}
	return float64(n.Dropped) / float64(n.Total)
}

// Token is the result of a refresh-token grant.
type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// Adapter fetches raw documents from one provider and converts them to canonical records.
type Adapter interface {
	Provider() domain.Provider
	// Fetch retrieves the raw documents covering window. Errors wrap the domain sentinels.
	Fetch(ctx context.Context, accessToken string, window domain.Window) (Payload, error)
	// Normalize never fails; malformed documents are dropped and counted.
	Normalize(payload Payload, window domain.Window) Normalized
	Refresh(ctx context.Context, refreshToken string) (Token, error)
	// MalformedThreshold is the Dropped/Total ratio above which an attempt is reported partial.
	MalformedThreshold() float64
}

// Registry resolves adapters by provider.
type Registry struct {
	adapters map[domain.Provider]Adapter
}

// NewRegistry indexes the given adapters. A later adapter for the same provider replaces an
// earlier one.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[domain.Provider]Adapter, len(adapters))}
	for _, a := range adapters {
		if a != nil {
			r.adapters[a.Provider()] = a
		}
	}
	return r
}

// Lookup returns the adapter for p or ErrUnsupported.
func (r *Registry) Lookup(p domain.Provider) (Adapter, error) {
	if r != nil {
		if a, ok := r.adapters[p]; ok {
			return a, nil
		}
	}
	return nil, fmt.Errorf("%w: no adapter registered for %q", domain.ErrUnsupported, p)
}

// Providers lists the registered providers, sorted.
func (r *Registry) Providers() []domain.Provider {
	out := make([]domain.Provider, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Collector accumulates normalized records for one provider and window.
type Collector struct {
	provider domain.Provider
	window   domain.Window
	out      Normalized
}

// NewCollector starts an empty result.
func NewCollector(p domain.Provider, window domain.Window) *Collector {
	return &Collector{provider: p, window: window, out: Normalized{Records: make([]domain.Record, 0)}}
}

// Add records one candidate measurement. Non-finite values are dropped and timestamps outside the
// window are skipped.
func (c *Collector) Add(dataType domain.DataType, ts time.Time, value float64, unit string) {
	c.out.Total++
	if math.IsNaN(value) || math.IsInf(value, 0) || ts.IsZero() {
		c.out.Dropped++
		return
	}
	if !c.window.Contains(ts) {
		c.out.Skipped++
		return
	}
	c.out.Records = append(c.out.Records, domain.Record{
		Provider:  c.provider,
		DataType:  dataType,
		Timestamp: ts.UTC(),
		Value:     value,
		Unit:      unit,
	})
}

// Drop counts one candidate that could not be decoded.
func (c *Collector) Drop() {
	c.out.Total++
	c.out.Dropped++
}

// Result returns the accumulated records sorted by timestamp then data type.
func (c *Collector) Result() Normalized {
	sort.SliceStable(c.out.Records, func(i, j int) bool {
		return domain.LessRecord(c.out.Records[i], c.out.Records[j])
	})
	return c.out
}

// Bool converts a provider flag into a boolean measurement value.
func Bool(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
