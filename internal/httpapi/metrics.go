package httpapi

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "creditledger_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "creditledger_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	}, []string{"method", "endpoint"})

	generationGateDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "creditledger_generation_gate_decisions_total",
		Help: "Generation gate outcomes: settled, voided, refused, duplicate",
	}, []string{"outcome"})
)

// requestMetrics records count and latency per route. The route template is
// used as the endpoint label so path parameters do not explode cardinality.
func requestMetrics() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		startedAt := time.Now()
		ctx.Next()
		endpoint := ctx.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		method := ctx.Request.Method
		httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(ctx.Writer.Status())).Inc()
		httpRequestDuration.WithLabelValues(method, endpoint).Observe(time.Since(startedAt).Seconds())
	}
}
