package telemetry

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	DeliveriesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "deliveries_received_total",
		Help: "Total number of task deliveries accepted by the queue endpoint",
	}, []string{"task_kind"})
	DeliveriesCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "deliveries_completed_total",
		Help: "Total number of deliveries that produced a completed result",
	}, []string{"task_kind"})
	DeliveriesFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "deliveries_failed_total",
		Help: "Total number of deliveries that produced a failed result",
	}, []string{"task_kind"})
	DeliveriesRedelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "deliveries_redelivered_total",
		Help: "Total number of deliveries the runner asked the queue to redeliver",
	}, []string{"task_kind"})
	HandlerDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "handler_execution_duration_seconds",
		Help:    "Histogram of handler Execute durations",
		Buckets: prometheus.DefBuckets,
	}, []string{"task_kind"})
	CacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cache_hits_total",
		Help: "Total number of cache hits, by cache name",
	}, []string{"cache"})
	CacheMisses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cache_misses_total",
		Help: "Total number of cache misses, by cache name",
	}, []string{"cache"})
	CallbackPagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "callback_pages_sent_total",
		Help: "Total number of callback pages successfully delivered",
	}, []string{"task_kind"})
	CallbackRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "callback_retries_total",
		Help: "Total number of callback delivery retry attempts",
	})
	HTTPPoolInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_pool_in_flight",
		Help: "Current number of in-flight requests through the bounded HTTP pool",
	})
)

func init() {
	prometheus.MustRegister(DeliveriesReceived, DeliveriesCompleted, DeliveriesFailed,
		DeliveriesRedelivered, HandlerDuration, CacheHits, CacheMisses, CallbackPagesSent,
		CallbackRetries, HTTPPoolInFlight)
}

// StartMetricsServer exposes /metrics on the given port and returns the
// server for controlled shutdown.
func StartMetricsServer(port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
