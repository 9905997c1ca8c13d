package runmanager

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors the Manager updates as runs and
// stages transition. There is no HTTP exposition server in this module;
// Registry is exposed so an embedding process can mount it on its own
// /metrics handler if it chooses to.
type Metrics struct {
	Registry *prometheus.Registry

	runsTotal       *prometheus.CounterVec
	runDuration     prometheus.Histogram
	stageDuration   *prometheus.HistogramVec
	stageTokensUsed *prometheus.CounterVec
	stageAPICalls   *prometheus.CounterVec
}

// NewMetrics builds and registers a fresh set of collectors on their own
// registry, so multiple Managers in tests don't collide on the global
// default registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pipeline",
			Name:      "runs_total",
			Help:      "Completed pipeline runs by final status.",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pipeline",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of a pipeline run.",
			Buckets:   prometheus.DefBuckets,
		}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Wall-clock duration of one pipeline stage.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
		stageTokensUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pipeline",
			Name:      "stage_tokens_used_total",
			Help:      "LLM tokens consumed by a stage.",
		}, []string{"stage"}),
		stageAPICalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pipeline",
			Name:      "stage_api_calls_total",
			Help:      "LLM API calls issued by a stage.",
		}, []string{"stage"}),
	}

	reg.MustRegister(m.runsTotal, m.runDuration, m.stageDuration, m.stageTokensUsed, m.stageAPICalls)
	return m
}

func (m *Metrics) observeStage(stageName string, executionMS int64, tokensUsed, apiCalls int) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stageName).Observe(float64(executionMS) / 1000)
	if tokensUsed > 0 {
		m.stageTokensUsed.WithLabelValues(stageName).Add(float64(tokensUsed))
	}
	if apiCalls > 0 {
		m.stageAPICalls.WithLabelValues(stageName).Add(float64(apiCalls))
	}
}

func (m *Metrics) observeRun(status string, seconds float64) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(status).Inc()
	m.runDuration.Observe(seconds)
}
