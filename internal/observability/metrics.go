package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the offer service.
type Metrics struct {
	// --- Offer lifecycle ---
	OfferOperations *prometheus.CounterVec
	OfferDuration   *prometheus.HistogramVec
	HeldOffers      prometheus.Gauge

	// --- Settlement ---
	SettlementCalls    *prometheus.CounterVec
	SettlementDuration *prometheus.HistogramVec

	// --- Reconciliation ---
	ReconcileOutcomes *prometheus.CounterVec
	ReconcileRuns     prometheus.Counter

	// --- Notification ---
	EventsPublished *prometheus.CounterVec
	PublishDrops    prometheus.Counter
	PublishErrors   prometheus.Counter

	// --- Persistence ---
	AuditRowsWritten prometheus.Counter
	AuditBatchSize   prometheus.Histogram
	PersistErrors    *prometheus.CounterVec
	StoreConflicts   prometheus.Counter
}

// NewMetrics registers all metrics with the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers all metrics with reg. Tests pass a fresh
// prometheus.NewRegistry() so repeated construction does not collide.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	opBuckets := []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
	chainBuckets := []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 15, 30, 60}

	return &Metrics{
		OfferOperations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "energy_offer_operations_total",
			Help: "Offer operations by operation and result kind",
		}, []string{"operation", "result"}),

		OfferDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "energy_offer_operation_duration_seconds",
			Help:    "End-to-end offer operation latency, settlement included",
			Buckets: opBuckets,
		}, []string{"operation"}),

		HeldOffers: f.NewGauge(prometheus.GaugeOpts{
			Name: "energy_offers_held",
			Help: "Offers waiting on reconciliation after the last reconcile pass",
		}),

		SettlementCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "energy_settlement_calls_total",
			Help: "Settlement calls by method and outcome",
		}, []string{"method", "outcome"}),

		SettlementDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "energy_settlement_duration_seconds",
			Help:    "Settlement call latency",
			Buckets: chainBuckets,
		}, []string{"method"}),

		ReconcileOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "energy_reconcile_outcomes_total",
			Help: "Reconciled intents by kind and resolution",
		}, []string{"kind", "resolution"}),

		ReconcileRuns: f.NewCounter(prometheus.CounterOpts{
			Name: "energy_reconcile_runs_total",
			Help: "Reconcile passes executed",
		}),

		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "energy_events_published_total",
			Help: "Lifecycle events handed to notifiers",
		}, []string{"event"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "energy_publish_drops_total",
			Help: "Events dropped because a publish buffer was full",
		}),

		PublishErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "energy_publish_errors_total",
			Help: "Notifier publish failures",
		}),

		AuditRowsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "energy_audit_rows_written_total",
			Help: "Offer events written to the audit table",
		}),

		AuditBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "energy_audit_batch_size",
			Help:    "Rows per audit flush",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "energy_persist_errors_total",
			Help: "Persistence errors by operation",
		}, []string{"operation"}),

		StoreConflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "energy_store_conflicts_total",
			Help: "Serialization failures and deadlocks reported by the store",
		}),
	}
}
