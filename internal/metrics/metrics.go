// Package metrics exposes Prometheus collectors for frontdesk.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/frontdesk/internal/escalation"
)

var (
	RequestCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frontdesk_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "frontdesk_http_request_duration_seconds",
			Help: "HTTP request duration in seconds",
		},
		[]string{"method", "route"},
	)

	Escalations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frontdesk_escalations_total",
			Help: "Escalations by terminal state",
		},
		[]string{"outcome"},
	)

	ActiveWaits = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "frontdesk_escalations_waiting",
			Help: "Escalations currently waiting for a human answer",
		},
	)

	Notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frontdesk_notifications_total",
			Help: "Out-of-band notification attempts by result",
		},
		[]string{"result"},
	)

	Archived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "frontdesk_knowledge_archived_total",
			Help: "Answered questions folded into long-term knowledge",
		},
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request count and latency by chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		RequestCount.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		RequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// EscalationObserver feeds coordinator transitions into the collectors.
type EscalationObserver struct{}

func (EscalationObserver) Transition(from, to escalation.State) {
	switch to {
	case escalation.StateWaiting:
		ActiveWaits.Inc()
		return
	case escalation.StateAnswered, escalation.StateTimedOut, escalation.StateAbandoned:
		if from == escalation.StateWaiting {
			ActiveWaits.Dec()
		}
		Escalations.WithLabelValues(to.String()).Inc()
	}
}

// NotifyObserver counts dispatcher send attempts.
type NotifyObserver struct{}

func (NotifyObserver) Notified(err error) {
	if err != nil {
		Notifications.WithLabelValues("failed").Inc()
		return
	}
	Notifications.WithLabelValues("sent").Inc()
}
