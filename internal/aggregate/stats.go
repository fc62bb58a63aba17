// Package aggregate answers time-windowed queries over canonical records: series, summaries,
// statistics and calendar bucketing.
package aggregate

import (
	"time"

	"example.com/healthsync/internal/domain"
)

// Stats summarizes a set of values. All fields are zero when Count is zero.
type Stats struct {
	Count int
	Avg   float64
	Min   float64
	Max   float64
}

// ComputeStats returns count, mean, minimum and maximum of values.
func ComputeStats(values []float64) Stats {
	if len(values) == 0 {
		return Stats{}
	}
	s := Stats{Count: len(values), Min: values[0], Max: values[0]}
	var sum float64
	for _, v := range values {
		sum += v
		if v < s.Min {
			s.Min = v
		}
		if v > s.Max {
			s.Max = v
		}
	}
	s.Avg = sum / float64(len(values))
	return s
}

func valuesOf(records []domain.Record) []float64 {
	out := make([]float64, len(records))
	for i, rec := range records {
		out[i] = rec.Value
	}
	return out
}

// Granularity is the width of a chart bucket.
type Granularity string

const (
	GranularityDay  Granularity = "day"
	GranularityWeek Granularity = "week"
)

// dailyLimit is the longest window still charted per day.
const dailyLimit = 30

// GranularityFor picks daily buckets for windows up to 30 days and weekly buckets beyond.
func GranularityFor(w domain.Window) Granularity {
	if w.Days() > dailyLimit {
		return GranularityWeek
	}
	return GranularityDay
}

// Bucket aggregates the records that fall into [Start, Start+width).
type Bucket struct {
	Start time.Time
	Stats Stats
}

// Bucketize groups records into calendar buckets covering w. Daily buckets follow calendar days;
// weekly buckets begin on the ISO week Monday at or before w.Start. Buckets without records are
// included with a zero count. Records outside w are ignored.
func Bucketize(records []domain.Record, w domain.Window) (Granularity, []Bucket) {
	g := GranularityFor(w)
	step := 1
	first := w.Start
	if g == GranularityWeek {
		step = 7
		first = isoWeekStart(w.Start)
	}

	var (
		starts []time.Time
		index  = make(map[time.Time]int)
	)
	for d := first; !d.After(w.End); d = d.AddDate(0, 0, step) {
		index[d] = len(starts)
		starts = append(starts, d)
	}

	grouped := make([][]float64, len(starts))
	for _, rec := range records {
		if !w.Contains(rec.Timestamp) {
			continue
		}
		key := domain.StartOfDay(rec.Timestamp)
		if g == GranularityWeek {
			key = isoWeekStart(key)
		}
		if i, ok := index[key]; ok {
			grouped[i] = append(grouped[i], rec.Value)
		}
	}

	buckets := make([]Bucket, len(starts))
	for i, start := range starts {
		buckets[i] = Bucket{Start: start, Stats: ComputeStats(grouped[i])}
	}
	return g, buckets
}

// isoWeekStart returns the Monday of the ISO week containing t, at midnight UTC.
func isoWeekStart(t time.Time) time.Time {
	t = domain.StartOfDay(t)
	offset := (int(t.Weekday()) + 6) % 7
	return t.AddDate(0, 0, -offset)
}
