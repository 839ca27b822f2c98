// Package metrics exposes the Prometheus collectors the orchestrator
// updates as it drives an action through its phases. These are purely
// observational — nothing in this module reads them back to make a
// control-flow decision.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// BreakerState reports each host's current circuit breaker state as
	// 0 (closed), 1 (half_open), 2 (open).
	BreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "actionrunner_breaker_state",
		Help: "Current circuit breaker state per host (0=closed,1=half_open,2=open).",
	}, []string{"host"})

	// DedupOutcomes counts deduplication cache outcomes by result:
	// "led" (this call became the leader), "followed" (joined an
	// in-flight leader), "replayed" (returned a cached terminal result).
	DedupOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "actionrunner_dedup_outcomes_total",
		Help: "Deduplication cache outcomes by result.",
	}, []string{"result"})

	// RetryAttempts observes how many HTTP attempts a single action
	// execution took before reaching a terminal state.
	RetryAttempts = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "actionrunner_retry_attempts",
		Help:    "Number of HTTP attempts per action execution.",
		Buckets: []float64{1, 2, 3, 4, 5, 8, 13},
	})
)

// Registry is a prometheus.Registerer pre-populated with this package's
// collectors. Callers register it with their own HTTP metrics endpoint.
func Registry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(BreakerState, DedupOutcomes, RetryAttempts)
	return reg
}

// breakerStateValue maps a breaker state's String() to the gauge's
// numeric encoding. Kept here rather than importing pkg/breaker, so
// metrics stays a leaf package that imports no other package of this
// module.
func breakerStateValue(state string) float64 {
	switch state {
	case "half_open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}

// ObserveBreakerStateChange records a breaker's transition for host.
func ObserveBreakerStateChange(host, toState string) {
	BreakerState.WithLabelValues(host).Set(breakerStateValue(toState))
}

// ObserveDedupOutcome records one dedup cache result.
func ObserveDedupOutcome(result string) {
	DedupOutcomes.WithLabelValues(result).Inc()
}

// ObserveRetryAttempts records how many attempts one action execution took.
func ObserveRetryAttempts(attempts int) {
	RetryAttempts.Observe(float64(attempts))
}
