// Package clue adapts the Clue cycle API. The Entry mapping is shared with the Google Drive
// importer, which reads Clue data exports.
package clue

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/provider"
)

const (
	DefaultBaseURL  = "https://api.helloclue.com"
	DefaultTokenURL = "https://api.helloclue.com/oauth/token"

	malformedThreshold = 0.2
	kindCycles         = "cycles"
)

// Entry is one tracked day.
type Entry struct {
	Date     time.Time
	CycleDay *float64
	IsPeriod bool
	Symptoms []string
	Mood     *float64
}

// Emit adds the entry's measurements to c: cycle day, a period marker, one boolean per symptom
// and the mood score.
func (e Entry) Emit(c *provider.Collector) {
	day := domain.StartOfDay(e.Date)
	if e.CycleDay != nil {
		c.Add(domain.DataTypeCycleDay, day, *e.CycleDay, "day")
	}
	if e.IsPeriod {
		c.Add(domain.DataTypePeriod, day, 1, "boolean")
	}
	for _, symptom := range e.Symptoms {
		if strings.TrimSpace(symptom) == "" {
			continue
		}
		c.Add(domain.SymptomDataType(symptom), day, 1, "boolean")
	}
	if e.Mood != nil {
		c.Add(domain.DataTypeMood, day, *e.Mood, "score")
	}
}

// Adapter implements provider.Adapter for Clue.
type Adapter struct {
	cfg       provider.Config
	client    *provider.Client
	refresher *provider.OAuthRefresher
}

// New builds a Clue adapter. Empty URLs default to the public API.
func New(cfg provider.Config) *Adapter {
	cfg = cfg.WithDefaults(DefaultBaseURL, DefaultTokenURL)
	return &Adapter{
		cfg:       cfg,
		client:    provider.NewClient(domain.ProviderClue, cfg),
		refresher: provider.NewOAuthRefresher(domain.ProviderClue, cfg, oauth2.AuthStyleInParams),
	}
}

func (a *Adapter) Provider() domain.Provider { return domain.ProviderClue }

func (a *Adapter) MalformedThreshold() float64 { return malformedThreshold }

func (a *Adapter) Refresh(ctx context.Context, refreshToken string) (provider.Token, error) {
	return a.refresher.Refresh(ctx, refreshToken)
}

func (a *Adapter) Fetch(ctx context.Context, accessToken string, window domain.Window) (provider.Payload, error) {
	if !a.cfg.Configured() {
		return provider.Payload{}, fmt.Errorf("%w: clue client credentials not configured", domain.ErrUnsupported)
	}

	query := url.Values{
		"start_date": {window.Start.Format(domain.DateLayout)},
		"end_date":   {window.End.Format(domain.DateLayout)},
	}
	body, err := a.client.Get(ctx, accessToken, "/v1/cycles", query)
	if err != nil {
		return provider.Payload{}, fmt.Errorf("clue cycles: %w", err)
	}

	var payload provider.Payload
	payload.Add(kindCycles, window.String(), body)
	return payload, nil
}

type cycleItem struct {
	Date     string   `json:"date"`
	CycleDay *float64 `json:"cycle_day"`
	IsPeriod bool     `json:"is_period"`
	Symptoms []string `json:"symptoms"`
	Mood     *float64 `json:"mood"`
}

func (a *Adapter) Normalize(payload provider.Payload, window domain.Window) provider.Normalized {
	c := provider.NewCollector(domain.ProviderClue, window)
	for _, part := range payload.Parts {
		var doc struct {
			Cycles []json.RawMessage `json:"cycles"`
		}
		if err := json.Unmarshal(part.Body, &doc); err != nil {
			c.Drop()
			continue
		}
		for _, raw := range doc.Cycles {
			var item cycleItem
			if err := json.Unmarshal(raw, &item); err != nil {
				c.Drop()
				continue
			}
			date, err := domain.ParseDate(item.Date)
			if err != nil {
				c.Drop()
				continue
			}
			Entry{
				Date:     date,
				CycleDay: item.CycleDay,
				IsPeriod: item.IsPeriod,
				Symptoms: item.Symptoms,
				Mood:     item.Mood,
			}.Emit(c)
		}
	}
	return c.Result()
}
