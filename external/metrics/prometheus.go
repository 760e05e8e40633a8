package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pokerpoints"

// PrometheusRecorder exposes gateway activity as Prometheus metrics.
type PrometheusRecorder struct {
	registry        *prometheus.Registry
	openConnections prometheus.Gauge
	sessionsCreated prometheus.Counter
	actions         *prometheus.CounterVec
}

func NewPrometheusRecorder() *PrometheusRecorder {
	r := &PrometheusRecorder{
		registry: prometheus.NewRegistry(),
		openConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_connections",
			Help:      "Number of live client connections.",
		}),
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Number of sessions created.",
		}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Client actions handled, by action and outcome.",
		}, []string{"action", "outcome"}),
	}
	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.openConnections,
		r.sessionsCreated,
		r.actions,
	)
	return r
}

func (r *PrometheusRecorder) ConnectionOpened() { r.openConnections.Inc() }
func (r *PrometheusRecorder) ConnectionClosed() { r.openConnections.Dec() }
func (r *PrometheusRecorder) SessionCreated()   { r.sessionsCreated.Inc() }

func (r *PrometheusRecorder) ActionHandled(action, outcome string) {
	r.actions.WithLabelValues(action, outcome).Inc()
}

// Handler serves the recorder's registry in the Prometheus text format.
func (r *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}
