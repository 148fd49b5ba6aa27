package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type ctxKey string

const routeLabelKey ctxKey = "metrics_route"

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "duesync_http_requests_total",
		Help: "Total number of HTTP requests processed.",
	}, []string{"method", "route"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "duesync_http_request_duration_seconds",
		Help:    "Histogram of latencies for HTTP requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	dbLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "duesync_db_latency_seconds",
		Help:    "Histogram of database operation latencies.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "route"})

	ticksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "duesync_scheduler_ticks_total",
		Help: "Scheduler passes by trigger.",
	}, []string{"trigger"})

	tickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "duesync_scheduler_tick_duration_seconds",
		Help:    "Wall time of a full scheduler pass.",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
	})

	userOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "duesync_user_outcomes_total",
		Help: "Per-user scheduler outcomes by status.",
	}, []string{"status"})

	instancesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "duesync_instances_created_total",
		Help: "Recurring instances materialized.",
	})

	remindersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "duesync_reminders_total",
		Help: "Reminder delivery attempts by result.",
	}, []string{"result"})

	syncOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "duesync_calendar_sync_ops_total",
		Help: "Calendar sync operations by op and result.",
	}, []string{"op", "result"})
)

// Middleware records request metrics and marks the context so DB latency from
// API handlers is labelled apart from scheduler work.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			ctx := context.WithValue(r.Context(), routeLabelKey, "http")
			next.ServeHTTP(ww, r.WithContext(ctx))

			// The pattern is only known after routing.
			route := routePattern(r)
			status := strconv.Itoa(ww.Status())
			httpRequestsTotal.WithLabelValues(r.Method, route).Inc()
			httpRequestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
		})
	}
}

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveDBLatency records database latency for an operation.
func ObserveDBLatency(ctx context.Context, operation string, start time.Time) {
	dbLatency.WithLabelValues(operation, routeFromContext(ctx)).Observe(time.Since(start).Seconds())
}

func ObserveTick(trigger string, start time.Time) {
	ticksTotal.WithLabelValues(trigger).Inc()
	tickDuration.Observe(time.Since(start).Seconds())
}

func IncUserOutcome(status string) {
	userOutcomes.WithLabelValues(status).Inc()
}

func AddInstancesCreated(n int) {
	if n > 0 {
		instancesCreated.Add(float64(n))
	}
}

func IncReminder(result string) {
	remindersTotal.WithLabelValues(result).Inc()
}

func IncSyncOp(op, result string) {
	syncOpsTotal.WithLabelValues(op, result).Inc()
}

func routeFromContext(ctx context.Context) string {
	if route, ok := ctx.Value(routeLabelKey).(string); ok && route != "" {
		return route
	}
	return "scheduler"
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := strings.TrimSpace(rctx.RoutePattern()); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}
