package monitoring

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMonitor owns the metric registry and the collectors the engine
// feeds.
type PrometheusMonitor struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	tokensTotal     *prometheus.CounterVec
	costTotal       *prometheus.CounterVec
	failoversTotal  *prometheus.CounterVec
	cacheHitsTotal  *prometheus.CounterVec
	selectionsTotal *prometheus.CounterVec
	alertsTotal     *prometheus.CounterVec
}

func NewPrometheusMonitor() *PrometheusMonitor {
	registry := prometheus.NewRegistry()
	namespace := "pulseroute"

	p := &PrometheusMonitor{registry: registry}

	p.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of routed requests",
		},
		[]string{"provider", "model", "agent_type", "success", "error_type"},
	)

	p.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end request duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0},
		},
		[]string{"provider", "model"},
	)

	p.tokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Total number of tokens processed",
		},
		[]string{"provider", "model", "type"},
	)

	p.costTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cost_total",
			Help:      "Total billed cost in USD",
		},
		[]string{"provider", "model"},
	)

	p.failoversTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failovers_total",
			Help:      "Total number of failover attempts",
		},
		[]string{"model"},
	)

	p.cacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Cache lookups by outcome",
		},
		[]string{"hit"},
	)

	p.selectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "selections_total",
			Help:      "Model selections by chosen model",
		},
		[]string{"model"},
	)

	p.alertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Alert events by type",
		},
		[]string{"type"},
	)

	registry.MustRegister(
		p.requestsTotal,
		p.requestDuration,
		p.tokensTotal,
		p.costTotal,
		p.failoversTotal,
		p.cacheHitsTotal,
		p.selectionsTotal,
		p.alertsTotal,
	)
	return p
}

func (p *PrometheusMonitor) recordRequest(telemetry RequestTelemetry) {
	p.requestsTotal.WithLabelValues(
		telemetry.Provider,
		telemetry.Model,
		telemetry.AgentType,
		strconv.FormatBool(telemetry.Success),
		telemetry.ErrorType,
	).Inc()

	p.requestDuration.WithLabelValues(telemetry.Provider, telemetry.Model).
		Observe(telemetry.Duration.Seconds())

	p.tokensTotal.WithLabelValues(telemetry.Provider, telemetry.Model, "input").
		Add(float64(telemetry.InputTokens))
	p.tokensTotal.WithLabelValues(telemetry.Provider, telemetry.Model, "output").
		Add(float64(telemetry.OutputTokens))

	p.costTotal.WithLabelValues(telemetry.Provider, telemetry.Model).
		Add(telemetry.Cost)

	if telemetry.Failovers > 0 {
		p.failoversTotal.WithLabelValues(telemetry.Model).
			Add(float64(telemetry.Failovers))
	}

	p.cacheHitsTotal.WithLabelValues(strconv.FormatBool(telemetry.CacheHit)).Inc()
}

func (p *PrometheusMonitor) recordSelection(modelID string, reason string) {
	p.selectionsTotal.WithLabelValues(modelID).Inc()
}

func (p *PrometheusMonitor) recordAlert(alert Alert) {
	p.alertsTotal.WithLabelValues(string(alert.Type)).Inc()
}

// Handler serves the scrape endpoint for this registry.
func (p *PrometheusMonitor) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
