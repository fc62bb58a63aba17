package outbox

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"example.com/healthsync/internal/events"
)

// Label values for dispatch results and DLQ replay actions.
const (
	resultDelivered    = "delivered"
	resultDeadLettered = "dead_lettered"

	actionRequeued       = "requeued"
	actionRetryScheduled = "retry_scheduled"
	actionQuarantined    = "quarantined"
)

var (
	deliveryCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "healthsync",
		Subsystem: "outbox",
		Name:      "events_total",
		Help:      "Claimed outbox events by event kind and dispatch result.",
	}, []string{"event_type", "result"})

	batchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "healthsync",
		Subsystem: "outbox",
		Name:      "batch_duration_seconds",
		Help:      "Time to claim, publish and mark one outbox batch.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
	})

	dlqActionCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "healthsync",
		Subsystem: "dlq",
		Name:      "entries_total",
		Help:      "Dead-lettered events handled by the replay loop, by event kind and action.",
	}, []string{"event_type", "action"})

	dlqPendingGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "healthsync",
		Subsystem: "dlq",
		Name:      "pending_entries",
		Help:      "Dead-lettered events awaiting replay, by event kind.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(deliveryCounter, batchDuration, dlqActionCounter, dlqPendingGauge)
}

// eventLabel maps an event type onto a short, bounded label value.
func eventLabel(eventType string) string {
	switch eventType {
	case events.TypeSyncOutcomeRecorded:
		return "sync_outcome"
	case events.TypeReauthRequired:
		return "reauth_required"
	}
	return "unknown"
}

func recordDelivery(eventType, result string) {
	deliveryCounter.WithLabelValues(eventLabel(eventType), result).Inc()
}

func recordDLQAction(entry dlqEntry, action string) {
	dlqActionCounter.WithLabelValues(eventLabel(entry.EventType), action).Inc()
}

// updatePendingGauge refreshes the per-kind DLQ backlog. Kinds with no pending entries are reset
// to zero.
func updatePendingGauge(ctx context.Context, pool *pgxpool.Pool) {
	rows, err := pool.Query(ctx, `SELECT event_type, COUNT(*) FROM outbox_dlq WHERE quarantined_at IS NULL GROUP BY event_type`)
	if err != nil {
		return
	}
	defer rows.Close()

	pending := map[string]float64{"sync_outcome": 0, "reauth_required": 0, "unknown": 0}
	for rows.Next() {
		var eventType string
		var n int64
		if err := rows.Scan(&eventType, &n); err != nil {
			return
		}
		pending[eventLabel(eventType)] += float64(n)
	}
	if rows.Err() != nil {
		return
	}
	for label, n := range pending {
		dlqPendingGauge.WithLabelValues(label).Set(n)
	}
}
