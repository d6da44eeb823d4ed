package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics stores Prometheus collectors used by the API, the sweeper and the poller.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal     *prometheus.CounterVec
	httpRequestDuration   *prometheus.HistogramVec
	gatewayCallDuration   *prometheus.HistogramVec
	transitionsTotal      *prometheus.CounterVec
	conflictsTotal        prometheus.Counter
	sweepSubmissionsTotal *prometheus.CounterVec
	breakerShortCircuits  prometheus.Counter
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tarjeta_registro",
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "tarjeta_registro",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		gatewayCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "tarjeta_registro",
				Name:      "gateway_call_duration_seconds",
				Help:      "Authority call duration in seconds grouped by operation.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"operation"},
		),
		transitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tarjeta_registro",
				Name:      "registration_transitions_total",
				Help:      "Total number of applied registration state transitions.",
			},
			[]string{"from", "to"},
		),
		conflictsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "tarjeta_registro",
				Name:      "registration_conflicts_total",
				Help:      "Total number of operations that lost a lock or a fenced update.",
			},
		),
		sweepSubmissionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tarjeta_registro",
				Name:      "sweep_submissions_total",
				Help:      "Total number of records handled by the retry sweep grouped by result.",
			},
			[]string{"result"},
		),
		breakerShortCircuits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "tarjeta_registro",
				Name:      "breaker_short_circuits_total",
				Help:      "Total number of authority calls skipped because the circuit was open.",
			},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.gatewayCallDuration,
		m.transitionsTotal,
		m.conflictsTotal,
		m.sweepSubmissionsTotal,
		m.breakerShortCircuits,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := routePath(c)
		// Avoid self-scrape noise for request counters.
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

func (m *Metrics) ObserveGatewayCall(operation string, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.gatewayCallDuration.WithLabelValues(normalizeLabel(operation)).Observe(seconds)
}

func (m *Metrics) IncTransition(from string, to string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(normalizeLabel(from), normalizeLabel(to)).Inc()
}

func (m *Metrics) IncConflict() {
	if m == nil {
		return
	}
	m.conflictsTotal.Inc()
}

func (m *Metrics) IncSweepSubmission(result string) {
	if m == nil {
		return
	}
	m.sweepSubmissionsTotal.WithLabelValues(normalizeLabel(result)).Inc()
}

func (m *Metrics) IncBreakerShortCircuit() {
	if m == nil {
		return
	}
	m.breakerShortCircuits.Inc()
}

func (m *Metrics) recordHTTPRequest(method string, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	methodLabel := strings.ToUpper(strings.TrimSpace(method))
	if methodLabel == "" {
		methodLabel = "UNKNOWN"
	}
	pathLabel := strings.TrimSpace(path)
	if pathLabel == "" {
		pathLabel = "unmatched"
	}

	m.httpRequestsTotal.WithLabelValues(methodLabel, pathLabel, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(methodLabel, pathLabel).Observe(duration.Seconds())
}

func routePath(c *fiber.Ctx) string {
	if c == nil {
		return "unmatched"
	}

	if route := c.Route(); route != nil {
		if path := strings.TrimSpace(route.Path); path != "" {
			return path
		}
	}
	return "unmatched"
}

func statusFromResult(c *fiber.Ctx, err error) int {
	if err != nil {
		if fiberErr, ok := err.(*fiber.Error); ok {
			return fiberErr.Code
		}
		return fiber.StatusInternalServerError
	}

	if c == nil {
		return fiber.StatusOK
	}

	status := c.Response().StatusCode()
	if status == 0 {
		return fiber.StatusOK
	}
	return status
}

func normalizeLabel(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
