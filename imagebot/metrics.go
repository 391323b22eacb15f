package imagebot

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "imagebot"

// botMetrics holds the bot's prometheus collectors, registered on their
// own registry so multiple bots (tests) can coexist in one process.
// All methods are no-ops on a nil *botMetrics.
type botMetrics struct {
	registry *prometheus.Registry

	generationsTotal      *prometheus.CounterVec
	generationDuration    prometheus.Histogram
	generationsInProgress prometheus.Gauge
	backendResponses      *prometheus.CounterVec
	transientFailures     prometheus.Counter
	deliveryFailures      *prometheus.CounterVec
	interactionsTotal     *prometheus.CounterVec
}

func newBotMetrics() *botMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &botMetrics{
		registry: reg,
		generationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "generations_total",
				Help:      "Finished image generations by outcome",
			},
			[]string{"state"},
		),
		generationDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "generation_duration_seconds",
				Help:      "Time from request to final message, including backoff",
				Buckets:   []float64{1, 2, 5, 10, 20, 30, 45, 60, 90, 120},
			},
		),
		generationsInProgress: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "generations_in_progress",
				Help:      "Generations currently running",
			},
		),
		backendResponses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "backend_responses_total",
				Help:      "Image backend responses by HTTP status (0 = transport error)",
			},
			[]string{"code"},
		),
		transientFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "backend_transient_failures_total",
				Help:      "Backend responses classified as model loading/unavailable",
			},
		),
		deliveryFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "delivery_failures_total",
				Help:      "Failed chat operations by type",
			},
			[]string{"op"},
		),
		interactionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "events_total",
				Help:      "Inbound chat events handled, by kind",
			},
			[]string{"kind"},
		),
	}
}

func (m *botMetrics) handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *botMetrics) observeBackendResponse(statusCode int) {
	if m == nil {
		return
	}
	m.backendResponses.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

func (m *botMetrics) observeTransientFailure() {
	if m == nil {
		return
	}
	m.transientFailures.Inc()
}

func (m *botMetrics) generationStarted() {
	if m == nil {
		return
	}
	m.generationsInProgress.Inc()
}

func (m *botMetrics) generationFinished(state GenerationState, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.generationsInProgress.Dec()
	m.generationsTotal.WithLabelValues(string(state)).Inc()
	m.generationDuration.Observe(elapsed.Seconds())
}

func (m *botMetrics) observeDeliveryFailure(op string) {
	if m == nil {
		return
	}
	m.deliveryFailures.WithLabelValues(op).Inc()
}

func (m *botMetrics) observeEvent(kind string) {
	if m == nil {
		return
	}
	m.interactionsTotal.WithLabelValues(kind).Inc()
}
