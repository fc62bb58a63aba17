package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	recordsPersistGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "healthsync",
		Subsystem: "persistence",
		Name:      "last_records_persisted_timestamp_seconds",
		Help:      "Unix timestamp of the most recent record batch committed to the store.",
	})
	lastSyncGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "healthsync",
		Subsystem: "persistence",
		Name:      "last_successful_sync_timestamp_seconds",
		Help:      "Unix timestamp of the most recent success or partial sync per provider.",
	}, []string{"provider"})
)

func init() {
	prometheus.MustRegister(recordsPersistGauge, lastSyncGauge)
}

// RecordRecordsPersisted updates the persistence watermark gauge.
func RecordRecordsPersisted(ts time.Time) {
	if ts.IsZero() {
		return
	}
	recordsPersistGauge.Set(float64(ts.Unix()))
}

// RecordProviderSynced updates the per-provider sync watermark.
func RecordProviderSynced(provider string, ts time.Time) {
	if ts.IsZero() {
		return
	}
	lastSyncGauge.WithLabelValues(provider).Set(float64(ts.Unix()))
}
