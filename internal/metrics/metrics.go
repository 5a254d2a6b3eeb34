// Package metrics provides Prometheus instrumentation for the settlement engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// DraftsTotal counts draft lifecycle operations by action and outcome.
	DraftsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simengine_drafts_total",
		Help: "Draft create/edit/delete operations",
	}, []string{"action", "result"})

	// RiskChecksTotal counts completed risk checks by aggregate status.
	RiskChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simengine_risk_checks_total",
		Help: "Risk checks by aggregate status",
	}, []string{"status"})

	// RiskVerdictsTotal counts non-PASS verdicts by rule code.
	RiskVerdictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simengine_risk_verdicts_total",
		Help: "Risk verdicts by rule code and severity",
	}, []string{"code", "severity"})

	// SettlementsTotal counts confirmations that reached settlement.
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simengine_settlements_total",
		Help: "Settlements by result (executed, failed)",
	}, []string{"result"})

	// ConfirmRejections counts confirmations refused before settlement.
	ConfirmRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simengine_confirm_rejections_total",
		Help: "Confirmations rejected, by error code",
	}, []string{"code"})

	SettlementLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "simengine_settlement_latency_seconds",
		Help:    "Time from confirm request to committed settlement",
		Buckets: prometheus.DefBuckets,
	})

	// LockWait tracks time spent waiting for the portfolio guard.
	LockWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "simengine_lock_wait_seconds",
		Help:    "Portfolio lock acquisition wait in seconds",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	// TradeVolume tracks cumulative simulated fill quantity.
	TradeVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simengine_trade_volume_shares_total",
		Help: "Cumulative simulated fill volume in shares",
	}, []string{"side"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "simengine_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simengine_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "simengine_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})

	// AuditArchived counts audit records exported to object storage.
	AuditArchived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "simengine_audit_archived_records_total",
		Help: "Audit records exported to the archive",
	})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Route pattern keeps path cardinality bounded.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				path = p
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack is required for the WebSocket upgrade to pass through.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
