package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline holds the collectors updated by the login bonus pipeline.
type Pipeline struct {
	Outcomes      *prometheus.CounterVec
	LockDecisions *prometheus.CounterVec
	Duration      prometheus.Histogram
	InFlight      prometheus.Gauge
	StaleLocks    prometheus.Gauge
	Redeliveries  *prometheus.CounterVec
}

// NewPipeline registers the pipeline collectors on reg.
func NewPipeline(reg prometheus.Registerer) *Pipeline {
	factory := promauto.With(reg)
	return &Pipeline{
		Outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bonus_pipeline_outcomes_total",
			Help: "Terminal states reached by login event pipelines.",
		}, []string{"state", "failed_at"}),
		LockDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bonus_lock_decisions_total",
			Help: "Results of the dedup lock check per inbound event.",
		}, []string{"decision"}),
		Duration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "bonus_pipeline_duration_seconds",
			Help:    "Time from receipt to terminal state.",
			Buckets: prometheus.DefBuckets,
		}),
		InFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bonus_pipeline_in_flight",
			Help: "Pipelines currently running on workers.",
		}),
		StaleLocks: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bonus_stale_locks",
			Help: "Processing records locked but not finalized past the report threshold.",
		}),
		Redeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bonus_transport_redeliveries_total",
			Help: "Inbound records handed back to the broker for redelivery.",
		}, []string{"broker"}),
	}
}

// NewNoop returns collectors bound to a private registry, for tests and tools.
func NewNoop() *Pipeline {
	return NewPipeline(prometheus.NewRegistry())
}
