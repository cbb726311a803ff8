// Package metrics owns the process counters and the scrape endpoint handler.
// The aggregation and exposition math lives in the prometheus client.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Failure stages, the label values of the error counter.
const (
	StageFormat  = "format"
	StageConnect = "connect"
	StagePublish = "publish"
	StageProcess = "process"
	StageExport  = "export"
)

// Reporter is the error-reporting and metrics collaborator. All methods are
// nil-safe so instrumentation can be left unwired.
type Reporter struct {
	registry *prometheus.Registry

	enqueued   *prometheus.CounterVec
	errors     *prometheus.CounterVec
	reconnects prometheus.Counter
}

func NewReporter() *Reporter {
	registry := prometheus.NewRegistry()
	r := &Reporter{
		registry: registry,
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "Enqueued_Item",
			Help: "Messages published, labeled by source.",
		}, []string{"Source"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracebus_errors_total",
			Help: "Failures by stage.",
		}, []string{"stage"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracebus_reconnect_attempts_total",
			Help: "Consumer connect attempts that failed and were retried.",
		}),
	}
	registry.MustRegister(r.enqueued, r.errors, r.reconnects)
	return r
}

func (r *Reporter) IncEnqueued(source string) {
	if r == nil {
		return
	}
	r.enqueued.WithLabelValues(source).Inc()
}

func (r *Reporter) ReportError(stage string, _ error) {
	if r == nil {
		return
	}
	r.errors.WithLabelValues(stage).Inc()
}

func (r *Reporter) IncReconnect() {
	if r == nil {
		return
	}
	r.reconnects.Inc()
}

// Handler serves the pull-based text exposition.
func (r *Reporter) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
