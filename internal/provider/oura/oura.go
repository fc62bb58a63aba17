// Package oura adapts the Oura Ring v2 usercollection API.
package oura

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"time"

	"golang.org/x/oauth2"

	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/provider"
)

const (
	DefaultBaseURL  = "https://api.ouraring.com"
	DefaultTokenURL = "https://api.ouraring.com/oauth/token"

	malformedThreshold = 0.25

	collectionSleep     = "sleep"
	collectionActivity  = "daily_activity"
	collectionReadiness = "daily_readiness"

	// maxPages bounds next_token pagination per collection.
	maxPages = 20
)

var collections = []string{collectionSleep, collectionActivity, collectionReadiness}

// Adapter implements provider.Adapter for Oura.
type Adapter struct {
	cfg       provider.Config
	client    *provider.Client
	refresher *provider.OAuthRefresher
}

// New builds an Oura adapter. Empty URLs default to the public API.
func New(cfg provider.Config) *Adapter {
	cfg = cfg.WithDefaults(DefaultBaseURL, DefaultTokenURL)
	return &Adapter{
		cfg:       cfg,
		client:    provider.NewClient(domain.ProviderOura, cfg),
		refresher: provider.NewOAuthRefresher(domain.ProviderOura, cfg, oauth2.AuthStyleInParams),
	}
}

func (a *Adapter) Provider() domain.Provider { return domain.ProviderOura }

func (a *Adapter) MalformedThreshold() float64 { return malformedThreshold }

func (a *Adapter) Refresh(ctx context.Context, refreshToken string) (provider.Token, error) {
	return a.refresher.Refresh(ctx, refreshToken)
}

type page struct {
	Data      []json.RawMessage `json:"data"`
	NextToken *string           `json:"next_token"`
}

// Fetch pages through each collection. end_date is sent as the day after the window so the
// last day is always included; Normalize discards anything outside the window.
func (a *Adapter) Fetch(ctx context.Context, accessToken string, window domain.Window) (provider.Payload, error) {
	if !a.cfg.Configured() {
		return provider.Payload{}, fmt.Errorf("%w: oura client credentials not configured", domain.ErrUnsupported)
	}

	var payload provider.Payload
	for _, collection := range collections {
		query := url.Values{
			"start_date": {window.Start.Format(domain.DateLayout)},
			"end_date":   {window.Until().Format(domain.DateLayout)},
		}
		for n := 0; n < maxPages; n++ {
			body, err := a.client.Get(ctx, accessToken, "/v2/usercollection/"+collection, query)
			if err != nil {
				return provider.Payload{}, fmt.Errorf("oura %s: %w", collection, err)
			}
			payload.Add(collection, fmt.Sprintf("page-%d", n), body)

			var p page
			if err := json.Unmarshal(body, &p); err != nil || p.NextToken == nil || *p.NextToken == "" {
				break
			}
			query.Set("next_token", *p.NextToken)
		}
	}
	return payload, nil
}

type sleepItem struct {
	Day                string   `json:"day"`
	TotalSleepDuration *float64 `json:"total_sleep_duration"`
	RemSleepDuration   *float64 `json:"rem_sleep_duration"`
	DeepSleepDuration  *float64 `json:"deep_sleep_duration"`
	LightSleepDuration *float64 `json:"light_sleep_duration"`
	Efficiency         *float64 `json:"efficiency"`
	Latency            *float64 `json:"latency"`
	Wakeups            *float64 `json:"wakeups"`
	Score              *float64 `json:"score"`
}

type activityItem struct {
	Day                string          `json:"day"`
	Steps              *float64        `json:"steps"`
	ActiveCalories     *float64        `json:"active_calories"`
	Score              *float64        `json:"score"`
	SedentaryTime      *float64        `json:"sedentary_time"`
	LowActivityTime    *float64        `json:"low_activity_time"`
	MediumActivityTime *float64        `json:"medium_activity_time"`
	HighActivityTime   *float64        `json:"high_activity_time"`
	TargetCalories     *float64        `json:"target_calories"`
	Met                json.RawMessage `json:"met"`
}

type readinessItem struct {
	Day                       string   `json:"day"`
	Score                     *float64 `json:"score"`
	RestingHeartRate          *float64 `json:"resting_heart_rate"`
	HRVBalance                *float64 `json:"hrv_balance"`
	TemperatureDeviation      *float64 `json:"temperature_deviation"`
	TemperatureTrendDeviation *float64 `json:"temperature_trend_deviation"`
}

// sleepDay folds the sleep periods of one day: durations are summed and the scalar metrics come
// from the longest period.
type sleepDay struct {
	total, rem, deep, light float64
	longest                 float64
	main                    *sleepItem
}

// Normalize converts collection pages into canonical records. Each item is decoded on its own so
// one bad item only drops itself.
func (a *Adapter) Normalize(payload provider.Payload, window domain.Window) provider.Normalized {
	c := provider.NewCollector(domain.ProviderOura, window)
	sleepDays := make(map[time.Time]*sleepDay)

	for _, part := range payload.Parts {
		var p page
		if err := json.Unmarshal(part.Body, &p); err != nil {
			c.Drop()
			continue
		}
		for _, raw := range p.Data {
			switch part.Kind {
			case collectionSleep:
				var item sleepItem
				day, ok := decodeItem(raw, &item, func() string { return item.Day })
				if !ok {
					c.Drop()
					continue
				}
				foldSleep(sleepDays, day, item)
			case collectionActivity:
				var item activityItem
				day, ok := decodeItem(raw, &item, func() string { return item.Day })
				if !ok {
					c.Drop()
					continue
				}
				normalizeActivity(c, day, item)
			case collectionReadiness:
				var item readinessItem
				day, ok := decodeItem(raw, &item, func() string { return item.Day })
				if !ok {
					c.Drop()
					continue
				}
				normalizeReadiness(c, day, item)
			default:
				c.Drop()
			}
		}
	}

	days := make([]time.Time, 0, len(sleepDays))
	for day := range sleepDays {
		days = append(days, day)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	for _, day := range days {
		emitSleep(c, day, sleepDays[day])
	}
	return c.Result()
}

func decodeItem(raw json.RawMessage, into interface{}, day func() string) (time.Time, bool) {
	if err := json.Unmarshal(raw, into); err != nil {
		return time.Time{}, false
	}
	ts, err := time.Parse(domain.DateLayout, day())
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

func foldSleep(days map[time.Time]*sleepDay, day time.Time, item sleepItem) {
	agg, ok := days[day]
	if !ok {
		agg = &sleepDay{}
		days[day] = agg
	}
	total := deref(item.TotalSleepDuration)
	agg.total += total
	agg.rem += deref(item.RemSleepDuration)
	agg.deep += deref(item.DeepSleepDuration)
	agg.light += deref(item.LightSleepDuration)
	if agg.main == nil || total > agg.longest {
		it := item
		agg.main = &it
		agg.longest = total
	}
}

func emitSleep(c *provider.Collector, day time.Time, agg *sleepDay) {
	main := agg.main
	if main.TotalSleepDuration != nil {
		c.Add(domain.DataTypeSleepMinutes, day, agg.total/60, "minutes")
	}
	if main.RemSleepDuration != nil {
		c.Add("rem_sleep_minutes", day, agg.rem/60, "minutes")
	}
	if main.DeepSleepDuration != nil {
		c.Add("deep_sleep_minutes", day, agg.deep/60, "minutes")
	}
	if main.LightSleepDuration != nil && agg.light > 0 {
		c.Add("light_sleep_minutes", day, agg.light/60, "minutes")
	}
	addIf(c, "sleep_score", day, main.Score, "score", 1)
	addIf(c, "sleep_efficiency", day, main.Efficiency, "%", 1)
	addIf(c, "sleep_latency", day, main.Latency, "minutes", 60)
	addIf(c, "sleep_wakeups", day, main.Wakeups, "count", 1)
}

func normalizeActivity(c *provider.Collector, day time.Time, item activityItem) {
	addIf(c, domain.DataTypeSteps, day, item.Steps, "steps", 1)
	addIf(c, "active_calories", day, item.ActiveCalories, "kcal", 1)
	addIf(c, "activity_score", day, item.Score, "score", 1)
	addIf(c, "sedentary_time", day, item.SedentaryTime, "hours", 3600)
	addIf(c, "low_activity_time", day, item.LowActivityTime, "hours", 3600)
	addIf(c, "medium_activity_time", day, item.MediumActivityTime, "hours", 3600)
	addIf(c, "high_activity_time", day, item.HighActivityTime, "hours", 3600)
	addIf(c, "target_calories", day, item.TargetCalories, "kcal", 1)

	if len(item.Met) > 0 && string(item.Met) != "null" {
		if met, ok := metMinutes(item.Met); ok {
			c.Add("met_minutes", day, met, "minutes")
		} else {
			c.Drop()
		}
	}
}

// metMinutes accepts either a scalar or a sample object whose items are summed.
func metMinutes(raw json.RawMessage) (float64, bool) {
	var scalar float64
	if err := json.Unmarshal(raw, &scalar); err == nil {
		return scalar, true
	}
	var sample struct {
		Items []*float64 `json:"items"`
	}
	if err := json.Unmarshal(raw, &sample); err != nil || sample.Items == nil {
		return 0, false
	}
	var sum float64
	for _, v := range sample.Items {
		if v != nil {
			sum += *v
		}
	}
	return sum, true
}

func normalizeReadiness(c *provider.Collector, day time.Time, item readinessItem) {
	addIf(c, "readiness_score", day, item.Score, "score", 1)
	addIf(c, domain.DataTypeRestingHeartRate, day, item.RestingHeartRate, "bpm", 1)
	addIf(c, "hrv", day, item.HRVBalance, "ms", 1)
	addIf(c, "temperature_deviation", day, item.TemperatureDeviation, "°C", 1)
	addIf(c, "temperature_trend_deviation", day, item.TemperatureTrendDeviation, "°C", 1)
}

func addIf(c *provider.Collector, dt domain.DataType, day time.Time, v *float64, unit string, divisor float64) {
	if v == nil {
		return
	}
	c.Add(dt, day, *v/divisor, unit)
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
