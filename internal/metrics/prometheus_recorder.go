package metrics

import (
	"sync"

	prom "github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	once           sync.Once
	dispatches     *prom.CounterVec
	runStatuses    *prom.CounterVec
	buildOutcomes  *prom.CounterVec
	queueDepth     *prom.GaugeVec
	surgeActive    *prom.GaugeVec
	consoleIngress prom.Counter
}

// NewPrometheusRecorder constructs and registers Prometheus metrics (idempotent).
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{}
	pr.once.Do(func() {
		pr.dispatches = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "jobserv",
			Name:      "dispatch_total",
			Help:      "pop_queued outcomes",
		}, []string{"outcome"})
		pr.runStatuses = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "jobserv",
			Name:      "run_status_transitions_total",
			Help:      "Run status transitions by resulting status",
		}, []string{"status"})
		pr.buildOutcomes = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "jobserv",
			Name:      "build_outcomes_total",
			Help:      "Build outcomes by final status",
		}, []string{"outcome"})
		pr.queueDepth = prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: "jobserv",
			Name:      "queued_runs",
			Help:      "QUEUED runs per host tag",
		}, []string{"tag"})
		pr.surgeActive = prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: "jobserv",
			Name:      "surge_active",
			Help:      "Whether a surge flag is active for a host tag",
		}, []string{"tag"})
		pr.consoleIngress = prom.NewCounter(prom.CounterOpts{
			Namespace: "jobserv",
			Name:      "console_ingress_bytes_total",
			Help:      "Console bytes appended by runs in progress",
		})
		reg.MustRegister(pr.dispatches, pr.runStatuses, pr.buildOutcomes,
			pr.queueDepth, pr.surgeActive, pr.consoleIngress)
	})
	return pr
}

func (pr *PrometheusRecorder) RecordDispatch(outcome string) {
	pr.dispatches.WithLabelValues(outcome).Inc()
}

func (pr *PrometheusRecorder) RecordRunStatus(statusName string) {
	pr.runStatuses.WithLabelValues(statusName).Inc()
}

func (pr *PrometheusRecorder) RecordBuildComplete(outcome string) {
	pr.buildOutcomes.WithLabelValues(outcome).Inc()
}

func (pr *PrometheusRecorder) SetQueueDepth(tag string, depth int) {
	pr.queueDepth.WithLabelValues(tag).Set(float64(depth))
}

func (pr *PrometheusRecorder) SetSurgeActive(tag string, active bool) {
	v := 0.0
	if active {
		v = 1.0
	}
	pr.surgeActive.WithLabelValues(tag).Set(v)
}

func (pr *PrometheusRecorder) RecordIngress(bytes int) {
	pr.consoleIngress.Add(float64(bytes))
}
