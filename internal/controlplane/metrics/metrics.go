// Package metrics exposes the control plane's Prometheus instrumentation:
// HTTP traffic by chi route pattern plus counters for the fleet-facing
// events operators alert on (checkins, duplicate merges, evidence chain
// accept/reject, chain verification state).
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_http_requests_total",
			Help: "HTTP requests by method, route pattern and status code.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleet_http_request_duration_seconds",
			Help:    "HTTP request latency by method and route pattern.",
			Buckets: []float64{.005, .01, .025, .05, .1, .15, .25, .5, 1, 2.5, 5},
		},
		[]string{"method", "route"},
	)

	checkinsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_checkins_total",
		Help: "Appliance checkins processed.",
	})

	mergedDuplicatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_checkin_merged_duplicates_total",
		Help: "Duplicate appliance rows merged during checkin.",
	})

	evidenceAcceptedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_evidence_accepted_total",
		Help: "Evidence bundles appended to a site chain.",
	})

	evidenceRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_evidence_rejected_total",
			Help: "Evidence bundles rejected, by reason.",
		},
		[]string{"reason"},
	)

	chainIntact = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleet_evidence_chain_intact",
			Help: "1 when the last verification of a site chain passed, 0 when it failed.",
		},
		[]string{"site_id"},
	)

	ordersDeliveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_orders_delivered_total",
		Help: "Signed orders handed to appliances in checkin responses.",
	})

	rulesPromotedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_rules_promoted_total",
		Help: "Execution patterns promoted into synced rules.",
	})

	incidentsOpenedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_incidents_opened_total",
		Help: "Incidents opened by appliance reports.",
	})

	incidentsResolvedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_incidents_resolved_total",
		Help: "Incidents marked resolved.",
	})
)

// ObserveCheckin records one processed checkin and any duplicate rows it
// merged.
func ObserveCheckin(mergedDuplicates, ordersDelivered int) {
	checkinsTotal.Inc()
	mergedDuplicatesTotal.Add(float64(mergedDuplicates))
	ordersDeliveredTotal.Add(float64(ordersDelivered))
}

// EvidenceAccepted records an accepted bundle.
func EvidenceAccepted() {
	evidenceAcceptedTotal.Inc()
}

// EvidenceRejected records a rejected bundle with the rejection reason.
func EvidenceRejected(reason string) {
	evidenceRejectedTotal.WithLabelValues(reason).Inc()
}

// SetChainIntact publishes the outcome of a site chain verification.
func SetChainIntact(siteID string, ok bool) {
	v := 0.0
	if ok {
		v = 1.0
	}
	chainIntact.WithLabelValues(siteID).Set(v)
}

// RulePromoted records one flywheel promotion.
func RulePromoted() {
	rulesPromotedTotal.Inc()
}

// IncidentOpened records a newly opened incident.
func IncidentOpened() {
	incidentsOpenedTotal.Inc()
}

// IncidentsResolved records n incidents transitioning to resolved.
func IncidentsResolved(n int) {
	incidentsResolvedTotal.Add(float64(n))
}

// Handler serves the Prometheus exposition endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware instruments every request with the route pattern chi matched,
// so /api/evidence/sites/site-001/submit and site-002 land in one series.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		mw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(mw, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(mw.status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type metricsResponseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *metricsResponseWriter) WriteHeader(status int) {
	if !w.wroteHeader {
		w.status = status
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.wroteHeader = true
	}
	return w.ResponseWriter.Write(b)
}
