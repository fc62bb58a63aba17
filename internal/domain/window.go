package domain

import (
	"fmt"
	"time"
)

const day = 24 * time.Hour

// Window is an inclusive range of calendar days in UTC.
type Window struct {
	Start time.Time
	End   time.Time
}

// NewWindow truncates start and end to UTC days and validates ordering.
func NewWindow(start, end time.Time) (Window, error) {
	if start.IsZero() || end.IsZero() {
		return Window{}, fmt.Errorf("%w: start and end are required", ErrInvalidWindow)
	}
	w := Window{Start: StartOfDay(start), End: StartOfDay(end)}
	if w.End.Before(w.Start) {
		return Window{}, fmt.Errorf("%w: end %s is before start %s", ErrInvalidWindow, w.End.Format(DateLayout), w.Start.Format(DateLayout))
	}
	return w, nil
}

// LastNDays returns the window of n days ending on the day containing now.
func LastNDays(now time.Time, n int) Window {
	if n < 1 {
		n = 1
	}
	end := StartOfDay(now)
	return Window{Start: end.AddDate(0, 0, -(n - 1)), End: end}
}

// DateLayout is the wire format for calendar days.
const DateLayout = "2006-01-02"

// StartOfDay returns midnight UTC of the day containing t.
func StartOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD day or an RFC 3339 timestamp.
func ParseDate(value string) (time.Time, error) {
	if t, err := time.Parse(DateLayout, value); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q", value)
	}
	return t.UTC(), nil
}

// Days returns the number of calendar days covered, counting both ends.
func (w Window) Days() int {
	return int(w.End.Sub(w.Start)/day) + 1
}

// Until returns the exclusive upper bound of the window.
func (w Window) Until() time.Time {
	return w.End.AddDate(0, 0, 1)
}

// Contains reports whether ts falls on a day inside the window.
func (w Window) Contains(ts time.Time) bool {
	return !ts.Before(w.Start) && ts.Before(w.Until())
}

// Dates returns every day in the window in ascending order.
func (w Window) Dates() []time.Time {
	out := make([]time.Time, 0, w.Days())
	for d := w.Start; !d.After(w.End); d = d.AddDate(0, 0, 1) {
		out = append(out, d)
	}
	return out
}

// Query converts the window into a record query for the user.
func (w Window) Query(userID string) RecordQuery {
	return RecordQuery{UserID: userID, From: w.Start, To: w.Until()}
}

func (w Window) String() string {
	return w.Start.Format(DateLayout) + ".." + w.End.Format(DateLayout)
}
