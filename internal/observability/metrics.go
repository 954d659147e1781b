package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the substrate.
type Metrics struct {
	TurnsIngested       prometheus.Counter
	FactsScored         prometheus.Counter
	FactsPromoted       *prometheus.CounterVec
	FactsDiscarded      prometheus.Counter
	EpisodesCreated     *prometheus.CounterVec
	DocumentsDistilled  prometheus.Counter
	CycleRuns           *prometheus.CounterVec
	CycleFailures       *prometheus.CounterVec
	BreakerTransitions  *prometheus.CounterVec
	OrphansReconciled   prometheus.Counter
	TierOpDuration      *prometheus.HistogramVec
	SignificanceScores  prometheus.Histogram
	ContextBlockEntries prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		TurnsIngested: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_ingested_total",
			Help:      "Raw turns stored into the active context tier.",
		}),
		FactsScored: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "facts_scored_total",
			Help:      "Candidate facts run through the significance scorer.",
		}),
		FactsPromoted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "facts_promoted_total",
			Help:      "Facts promoted into working memory by provenance.",
		}, []string{"provenance"}),
		FactsDiscarded: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "facts_discarded_total",
			Help:      "Candidate facts below the promotion threshold.",
		}),
		EpisodesCreated: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "episodes_created_total",
			Help:      "Episodes consolidated into episodic memory by provenance.",
		}, []string{"provenance"}),
		DocumentsDistilled: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documents_distilled_total",
			Help:      "Knowledge documents written to semantic memory.",
		}),
		CycleRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_cycle_runs_total",
			Help:      "Lifecycle cycle invocations by engine.",
		}, []string{"engine"}),
		CycleFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_cycle_failures_total",
			Help:      "Item-level failures inside lifecycle cycles by engine.",
		}, []string{"engine"}),
		BreakerTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker transitions by target state.",
		}, []string{"state"}),
		OrphansReconciled: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dual_index_orphans_reconciled_total",
			Help:      "Half-written episode entries removed by the reconciliation sweep.",
		}),
		TierOpDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tier_op_duration_ms",
			Help:      "Tier operation latency in milliseconds.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		}, []string{"tier", "op"}),
		SignificanceScores: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "significance_score",
			Help:      "Distribution of composite significance scores.",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		}),
		ContextBlockEntries: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "context_block_entries",
			Help:      "Entries packed into assembled context blocks.",
			Buckets:   []float64{1, 2, 5, 10, 20, 40, 80},
		}),
	}
}

// ObserveTierOp records one tier operation's latency.
func (m *Metrics) ObserveTierOp(tier, op string, d time.Duration) {
	m.TierOpDuration.WithLabelValues(tier, op).Observe(float64(d.Milliseconds()))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
