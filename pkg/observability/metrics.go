package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/platinummonkey/tenantgate/pkg/storage"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Access metrics
	GuardDecisionsTotal *prometheus.CounterVec

	// Billing metrics
	WebhookEventsTotal      *prometheus.CounterVec
	PlanTransitionsTotal    *prometheus.CounterVec
	ProviderRequestDuration *prometheus.HistogramVec
	ProviderErrorsTotal     *prometheus.CounterVec

	// Business metrics
	WorkspacesByPlan *prometheus.GaugeVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantgate_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tenantgate_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		HTTPResponseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tenantgate_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 6),
			},
			[]string{"method", "route"},
		),

		GuardDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantgate_guard_decisions_total",
				Help: "Access guard decisions by result",
			},
			[]string{"result"},
		),

		WebhookEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantgate_webhook_events_total",
				Help: "Billing webhook deliveries by event type and outcome",
			},
			[]string{"event_type", "outcome"},
		),
		PlanTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantgate_plan_transitions_total",
				Help: "Workspace plan changes",
			},
			[]string{"from", "to", "source"},
		),
		ProviderRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tenantgate_billing_provider_request_duration_seconds",
				Help:    "Payment provider request duration in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"operation"},
		),
		ProviderErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantgate_billing_provider_errors_total",
				Help: "Failed payment provider requests",
			},
			[]string{"operation"},
		),

		WorkspacesByPlan: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tenantgate_workspaces",
				Help: "Number of workspaces by plan",
			},
			[]string{"plan"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPResponseSize,
		m.GuardDecisionsTotal,
		m.WebhookEventsTotal,
		m.PlanTransitionsTotal,
		m.ProviderRequestDuration,
		m.ProviderErrorsTotal,
		m.WorkspacesByPlan,
	)

	return m
}

// RecordGuardDecision counts one access guard decision
func (m *Metrics) RecordGuardDecision(result string) {
	m.GuardDecisionsTotal.WithLabelValues(result).Inc()
}

// RecordProviderCall observes one payment provider request
func (m *Metrics) RecordProviderCall(operation string, duration time.Duration, err error) {
	m.ProviderRequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.ProviderErrorsTotal.WithLabelValues(operation).Inc()
	}
}

// RecordWebhook counts one webhook delivery
func (m *Metrics) RecordWebhook(eventType, outcome string) {
	m.WebhookEventsTotal.WithLabelValues(eventType, outcome).Inc()
}

// RecordPlanTransition counts one committed plan change
func (m *Metrics) RecordPlanTransition(from, to, source string) {
	m.PlanTransitionsTotal.WithLabelValues(from, to, source).Inc()
}

// SetWorkspacesByPlan replaces the workspace gauge. Plans missing from
// counts are reported as zero.
func (m *Metrics) SetWorkspacesByPlan(counts map[storage.Plan]int) {
	for _, plan := range []storage.Plan{storage.PlanFree, storage.PlanPro} {
		m.WorkspacesByPlan.WithLabelValues(string(plan)).Set(float64(counts[plan]))
	}
}

// responseWriter wraps http.ResponseWriter to capture status code and size
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics.
// Install it with Router.Use so requests are labelled by route template
// rather than by raw path.
func HTTPMetricsMiddleware(metrics *Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			route := routeTemplate(r)
			status := strconv.Itoa(rw.statusCode)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
			metrics.HTTPResponseSize.WithLabelValues(r.Method, route).Observe(float64(rw.bytesWritten))
		})
	}
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(mux *http.ServeMux, registry *prometheus.Registry) {
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
