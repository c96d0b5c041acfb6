package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "empathy-ledger/backend/metrics"

// otelTransitions mirrors the transition counter onto whatever OpenTelemetry
// MeterProvider is installed globally. Without one it is a no-op.
var otelTransitions, _ = otel.Meter(meterName).Int64Counter(
	"workflow.transitions",
	metric.WithDescription("Workflow stage transitions applied"),
	metric.WithUnit("{transition}"),
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "empathy_ledger_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "empathy_ledger_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	stageTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "empathy_ledger_workflow_transitions_total",
			Help: "Workflow stage transitions applied, by source and target stage",
		},
		[]string{"from", "to"},
	)

	batchItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "empathy_ledger_workflow_batch_items_total",
			Help: "Workflow records processed by batch advances, by outcome",
		},
		[]string{"outcome"},
	)

	storeErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "empathy_ledger_workflow_store_errors_total",
			Help: "Workflow operations that failed, by operation and error kind",
		},
		[]string{"operation", "kind"},
	)
)

// RecordHTTPRequest records an HTTP request
func RecordHTTPRequest(method, endpoint string, statusCode int, durationSeconds float64) {
	httpRequestsTotal.WithLabelValues(method, endpoint, statusClass(statusCode)).Inc()
	httpRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordTransition counts one applied stage transition.
func RecordTransition(ctx context.Context, from, to string) {
	stageTransitionsTotal.WithLabelValues(from, to).Inc()
	if otelTransitions != nil {
		otelTransitions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		))
	}
}

// RecordBatchItem counts one batch item outcome ("updated" or "failed").
func RecordBatchItem(outcome string) {
	batchItemsTotal.WithLabelValues(outcome).Inc()
}

// RecordOperationError counts a failed workflow operation.
func RecordOperationError(operation, kind string) {
	storeErrorsTotal.WithLabelValues(operation, kind).Inc()
}

// Middleware records request counts and latency per route template.
func Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				// Commit the error response now so the recorded status is final.
				c.Error(err)
			}
			status := c.Response().Status
			endpoint := c.Path()
			if endpoint == "" {
				endpoint = "unmatched"
			}
			RecordHTTPRequest(c.Request().Method, endpoint, status, time.Since(start).Seconds())
			return err
		}
	}
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "unknown"
	}
	return strconv.Itoa(code/100) + "xx"
}
