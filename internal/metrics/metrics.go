package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels requests that produced a result.
	OutcomeSuccess = "success"
	// OutcomeError labels failed requests (bad input or engine failure).
	OutcomeError = "error"
	// OutcomeInfeasible labels counterfactual searches that exhausted their
	// budget without a constraint-satisfying candidate.
	OutcomeInfeasible = "infeasible"
)

var (
	attributionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "explain_engine",
			Name:      "attributions_total",
			Help:      "Total attribution requests handled, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	attributionDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "explain_engine",
			Name:      "attribution_seconds",
			Help:      "Attribution latency in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
	)

	counterfactualsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "explain_engine",
			Name:      "counterfactual_searches_total",
			Help:      "Total counterfactual searches, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	counterfactualDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "explain_engine",
			Name:      "counterfactual_search_seconds",
			Help:      "Counterfactual search latency in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)

	cohortBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "explain_engine",
			Name:      "cohort_batch_size",
			Help:      "Number of instances per cohort batch.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
	)
)

// Register attaches explain-engine collectors to the supplied Prometheus
// registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		attributionsTotal,
		attributionDurationSeconds,
		counterfactualsTotal,
		counterfactualDurationSeconds,
		cohortBatchSize,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveAttribution records an attribution duration and outcome label.
func ObserveAttribution(duration time.Duration, outcome string) {
	attributionsTotal.WithLabelValues(outcome).Inc()
	if duration < 0 {
		duration = 0
	}
	attributionDurationSeconds.Observe(duration.Seconds())
}

// ObserveCounterfactual records a search duration and outcome label.
func ObserveCounterfactual(duration time.Duration, outcome string) {
	counterfactualsTotal.WithLabelValues(outcome).Inc()
	if duration < 0 {
		duration = 0
	}
	counterfactualDurationSeconds.Observe(duration.Seconds())
}

// ObserveCohortBatch records the size of a cohort batch.
func ObserveCohortBatch(size int) {
	cohortBatchSize.Observe(float64(size))
}
