// Package fitbit adapts the Fitbit Web API daily activity, heart rate and sleep endpoints.
package fitbit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/oauth2"

	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/provider"
)

const (
	DefaultBaseURL  = "https://api.fitbit.com"
	DefaultTokenURL = "https://api.fitbit.com/oauth2/token"

	malformedThreshold = 0.2

	kindActivities = "activities"
	kindHeart      = "heart"
	kindSleep      = "sleep"
)

// Adapter implements provider.Adapter for Fitbit.
type Adapter struct {
	cfg       provider.Config
	client    *provider.Client
	refresher *provider.OAuthRefresher
}

// New builds a Fitbit adapter. Empty URLs default to the public API.
func New(cfg provider.Config) *Adapter {
	cfg = cfg.WithDefaults(DefaultBaseURL, DefaultTokenURL)
	return &Adapter{
		cfg:       cfg,
		client:    provider.NewClient(domain.ProviderFitbit, cfg),
		refresher: provider.NewOAuthRefresher(domain.ProviderFitbit, cfg, oauth2.AuthStyleInHeader),
	}
}

func (a *Adapter) Provider() domain.Provider { return domain.ProviderFitbit }

func (a *Adapter) MalformedThreshold() float64 { return malformedThreshold }

func (a *Adapter) Refresh(ctx context.Context, refreshToken string) (provider.Token, error) {
	return a.refresher.Refresh(ctx, refreshToken)
}

// Fetch downloads the three daily documents for every day of the window.
func (a *Adapter) Fetch(ctx context.Context, accessToken string, window domain.Window) (provider.Payload, error) {
	if !a.cfg.Configured() {
		return provider.Payload{}, fmt.Errorf("%w: fitbit client credentials not configured", domain.ErrUnsupported)
	}

	var payload provider.Payload
	for _, day := range window.Dates() {
		date := day.Format(domain.DateLayout)
		endpoints := []struct {
			kind string
			path string
		}{
			{kindActivities, "/1/user/-/activities/date/" + date + ".json"},
			{kindHeart, "/1/user/-/activities/heart/date/" + date + "/1d.json"},
			{kindSleep, "/1.2/user/-/sleep/date/" + date + ".json"},
		}
		for _, ep := range endpoints {
			body, err := a.client.Get(ctx, accessToken, ep.path, nil)
			if err != nil {
				return provider.Payload{}, fmt.Errorf("fitbit %s %s: %w", ep.kind, date, err)
			}
			payload.Add(ep.kind, date, body)
		}
	}
	return payload, nil
}

type activitiesDoc struct {
	Summary *struct {
		Steps       *float64 `json:"steps"`
		CaloriesOut *float64 `json:"caloriesOut"`
		Distances   []struct {
			Activity string  `json:"activity"`
			Distance float64 `json:"distance"`
		} `json:"distances"`
	} `json:"summary"`
}

type heartDoc struct {
	ActivitiesHeart []struct {
		DateTime string `json:"dateTime"`
		Value    struct {
			RestingHeartRate *float64 `json:"restingHeartRate"`
		} `json:"value"`
	} `json:"activities-heart"`
}

type sleepDoc struct {
	Sleep []struct {
		IsMainSleep   bool    `json:"isMainSleep"`
		MinutesAsleep float64 `json:"minutesAsleep"`
	} `json:"sleep"`
}

// Normalize converts the daily documents into canonical records dated at midnight UTC.
func (a *Adapter) Normalize(payload provider.Payload, window domain.Window) provider.Normalized {
	c := provider.NewCollector(domain.ProviderFitbit, window)
	for _, part := range payload.Parts {
		day, err := domain.ParseDate(part.Key)
		if err != nil {
			c.Drop()
			continue
		}
		day = domain.StartOfDay(day)

		switch part.Kind {
		case kindActivities:
			normalizeActivities(c, day, part.Body)
		case kindHeart:
			normalizeHeart(c, day, part.Body)
		case kindSleep:
			normalizeSleep(c, day, part.Body)
		default:
			c.Drop()
		}
	}
	return c.Result()
}

func normalizeActivities(c *provider.Collector, day time.Time, body []byte) {
	var doc activitiesDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		c.Drop()
		return
	}
	if doc.Summary == nil {
		return
	}
	if doc.Summary.Steps != nil {
		c.Add(domain.DataTypeSteps, day, *doc.Summary.Steps, "steps")
	}
	if doc.Summary.CaloriesOut != nil {
		c.Add(domain.DataTypeCalories, day, *doc.Summary.CaloriesOut, "kcal")
	}
	if len(doc.Summary.Distances) > 0 {
		var total, all float64
		found := false
		for _, d := range doc.Summary.Distances {
			all += d.Distance
			if d.Activity == "total" {
				total = d.Distance
				found = true
			}
		}
		if !found {
			total = all
		}
		c.Add(domain.DataTypeDistance, day, total, "km")
	}
}

func normalizeHeart(c *provider.Collector, day time.Time, body []byte) {
	var doc heartDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		c.Drop()
		return
	}
	if len(doc.ActivitiesHeart) == 0 || doc.ActivitiesHeart[0].Value.RestingHeartRate == nil {
		return
	}
	c.Add(domain.DataTypeRestingHeartRate, day, *doc.ActivitiesHeart[0].Value.RestingHeartRate, "bpm")
}

func normalizeSleep(c *provider.Collector, day time.Time, body []byte) {
	var doc sleepDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		c.Drop()
		return
	}
	for _, s := range doc.Sleep {
		if s.IsMainSleep {
			c.Add(domain.DataTypeSleepMinutes, day, s.MinutesAsleep, "minutes")
			return
		}
	}
}
