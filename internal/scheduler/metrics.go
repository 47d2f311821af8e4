package scheduler

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the sweep/claim/executor-outcome counters and histograms
// tracked per replica, modeled on
// telemetry/global-monitor/internal/metrics' TickDuration/TickTotal
// counters.
type Metrics struct {
	SweepDuration prometheus.Histogram
	Claims        prometheus.Counter
	Skips         prometheus.Counter
	Executions    *prometheus.CounterVec
}

// NewMetrics registers and returns a Metrics set on reg. Pass a dedicated
// *prometheus.Registry in tests to avoid duplicate-registration panics
// across test cases.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "loadctl",
			Subsystem: "scheduler",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of one scheduler sweep.",
			Buckets:   prometheus.DefBuckets,
		}),
		Claims: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "loadctl",
			Subsystem: "scheduler",
			Name:      "claims_total",
			Help:      "Total number of loader rows claimed for execution.",
		}),
		Skips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "loadctl",
			Subsystem: "scheduler",
			Name:      "skips_total",
			Help:      "Registered for skipped eligible candidates; no code path increments it.",
		}),
		Executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loadctl",
			Subsystem: "scheduler",
			Name:      "executions_total",
			Help:      "Total executor outcomes by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(m.SweepDuration, m.Claims, m.Skips, m.Executions)
	return m
}
