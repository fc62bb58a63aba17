package domain

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Provider identifies an external health data source.
type Provider string

const (
	ProviderFitbit      Provider = "fitbit"
	ProviderOura        Provider = "oura"
	ProviderClue        Provider = "clue"
	ProviderGoogleDrive Provider = "google_drive"
)

// Providers lists every supported provider in display order.
var Providers = []Provider{ProviderFitbit, ProviderOura, ProviderClue, ProviderGoogleDrive}

// Valid reports whether p is one of the known providers.
func (p Provider) Valid() bool {
	for _, known := range Providers {
		if p == known {
			return true
		}
	}
	return false
}

// ParseProvider converts user input into a Provider.
func ParseProvider(value string) (Provider, error) {
	p := Provider(strings.ToLower(strings.TrimSpace(value)))
	if !p.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnsupported, value)
	}
	return p, nil
}

// DataType names a kind of measurement, e.g. steps or sleep_minutes.
type DataType string

// Canonical data types emitted by more than one adapter or referenced by callers.
const (
	DataTypeSteps            DataType = "steps"
	DataTypeSleepMinutes     DataType = "sleep_minutes"
	DataTypeRestingHeartRate DataType = "resting_heart_rate"
	DataTypeCalories         DataType = "calories"
	DataTypeDistance         DataType = "distance"
	DataTypeCycleDay         DataType = "cycle_day"
	DataTypePeriod           DataType = "period"
	DataTypeMood             DataType = "mood"
)

// SymptomDataType returns the data type used for a tracked symptom.
func SymptomDataType(symptom string) DataType {
	name := strings.ToLower(strings.TrimSpace(symptom))
	name = strings.Join(strings.Fields(name), "_")
	return DataType("symptom_" + name)
}

// Record is one normalized measurement. Its identity is (UserID, Provider, DataType, Timestamp).
type Record struct {
	UserID    string
	Provider  Provider
	DataType  DataType
	Timestamp time.Time
	Value     float64
	Unit      string
}

// RecordKey is the de-duplication identity of a Record.
type RecordKey struct {
	UserID    string
	Provider  Provider
	DataType  DataType
	Timestamp int64
}

// Key returns the identity of the record. Timestamps are compared at microsecond precision.
func (r Record) Key() RecordKey {
	return RecordKey{
		UserID:    r.UserID,
		Provider:  r.Provider,
		DataType:  r.DataType,
		Timestamp: r.Timestamp.UTC().UnixMicro(),
	}
}

// Validate reports whether the record can be stored.
func (r Record) Validate() error {
	switch {
	case strings.TrimSpace(r.UserID) == "":
		return fmt.Errorf("%w: user_id is required", ErrInvalidRecord)
	case !r.Provider.Valid():
		return fmt.Errorf("%w: unknown provider %q", ErrInvalidRecord, r.Provider)
	case strings.TrimSpace(string(r.DataType)) == "":
		return fmt.Errorf("%w: data_type is required", ErrInvalidRecord)
	case r.Timestamp.IsZero():
		return fmt.Errorf("%w: timestamp is required", ErrInvalidRecord)
	case math.IsNaN(r.Value) || math.IsInf(r.Value, 0):
		return fmt.Errorf("%w: value must be finite", ErrInvalidRecord)
	}
	return nil
}

// RecordQuery filters stored records. From is inclusive and To exclusive; zero values are unbounded.
type RecordQuery struct {
	UserID   string
	DataType DataType
	Provider Provider
	From     time.Time
	To       time.Time
}

// Matches reports whether r satisfies the query.
func (q RecordQuery) Matches(r Record) bool {
	if r.UserID != q.UserID {
		return false
	}
	if q.DataType != "" && r.DataType != q.DataType {
		return false
	}
	if q.Provider != "" && r.Provider != q.Provider {
		return false
	}
	if !q.From.IsZero() && r.Timestamp.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && !r.Timestamp.Before(q.To) {
		return false
	}
	return true
}

// UpsertResult counts the effect of a batch upsert. Records whose value and unit were unchanged
// are counted in neither field.
type UpsertResult struct {
	Inserted int
	Updated  int
}

// Add accumulates another result.
func (u UpsertResult) Add(other UpsertResult) UpsertResult {
	return UpsertResult{Inserted: u.Inserted + other.Inserted, Updated: u.Updated + other.Updated}
}

// LessRecord orders records by timestamp, then provider, then data type.
func LessRecord(a, b Record) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	if a.Provider != b.Provider {
		return a.Provider < b.Provider
	}
	return a.DataType < b.DataType
}
