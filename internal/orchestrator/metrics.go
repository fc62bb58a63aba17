package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/observability"
)

var (
	outcomeCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "healthsync",
		Subsystem: "sync",
		Name:      "outcomes_total",
		Help:      "Provider sync attempts by provider and outcome status.",
	}, []string{"provider", "status"})

	recordCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "healthsync",
		Subsystem: "sync",
		Name:      "records_total",
		Help:      "Records handled by provider sync attempts, labeled ingested, updated or dropped.",
	}, []string{"provider", "kind"})

	providerDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "healthsync",
		Subsystem: "sync",
		Name:      "provider_duration_seconds",
		Help:      "Time spent on one provider within a sync cycle.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"provider"})

	cycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "healthsync",
		Subsystem: "sync",
		Name:      "cycle_duration_seconds",
		Help:      "Wall time of a full sync cycle for one user.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	cycleFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "healthsync",
		Subsystem: "sync",
		Name:      "cycle_failures_total",
		Help:      "Sync cycles aborted by a store failure.",
	})

	schedulerRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "healthsync",
		Subsystem: "scheduler",
		Name:      "runs_total",
		Help:      "Scheduler passes by result.",
	}, []string{"result"})

	schedulerUsers = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "healthsync",
		Subsystem: "scheduler",
		Name:      "users_synced_total",
		Help:      "Users processed by the scheduler.",
	})
)

func init() {
	prometheus.MustRegister(outcomeCounter, recordCounter, providerDuration, cycleDuration, cycleFailures, schedulerRuns, schedulerUsers)
}

func recordOutcome(outcome domain.SyncOutcome) {
	p := string(outcome.Provider)
	outcomeCounter.WithLabelValues(p, string(outcome.Status)).Inc()
	recordCounter.WithLabelValues(p, "ingested").Add(float64(outcome.RecordsIngested))
	recordCounter.WithLabelValues(p, "updated").Add(float64(outcome.RecordsUpdated))
	recordCounter.WithLabelValues(p, "dropped").Add(float64(outcome.RecordsDropped))
	providerDuration.WithLabelValues(p).Observe(outcome.FinishedAt.Sub(outcome.StartedAt).Seconds())
	if outcome.Status.Succeeded() {
		observability.RecordProviderSynced(p, outcome.FinishedAt)
	}
}

func recordCycle(start time.Time, failed bool) {
	cycleDuration.Observe(time.Since(start).Seconds())
	if failed {
		cycleFailures.Inc()
	}
}

func recordSchedulerRun(users int, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	schedulerRuns.WithLabelValues(result).Inc()
	schedulerUsers.Add(float64(users))
}
