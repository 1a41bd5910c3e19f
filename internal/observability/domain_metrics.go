package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	remoteRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spice_remote_requests_total",
			Help: "Total number of HTTP requests issued to the remote query service.",
		},
		[]string{"method", "status"},
	)
	remoteRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spice_remote_request_duration_seconds",
			Help:    "Remote query service request latency.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
	remoteRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spice_remote_retries_total",
			Help: "Total number of retried remote requests by triggering status.",
		},
		[]string{"status"},
	)
	executionsTriggeredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "spice_executions_triggered_total",
			Help: "Total number of remote executions started.",
		},
	)
	executionPollDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "spice_execution_poll_duration_seconds",
			Help:    "Wall time spent polling an execution until it reached a terminal state.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
	)
	executionFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spice_execution_failures_total",
			Help: "Total number of executions that ended without a result.",
		},
		[]string{"reason"},
	)
	resultPagesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "spice_result_pages_total",
			Help: "Total number of result pages fetched.",
		},
	)
	cacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spice_cache_lookups_total",
			Help: "Total number of result cache lookups by outcome.",
		},
		[]string{"result"},
	)
	cacheWriteFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "spice_cache_write_failures_total",
			Help: "Total number of result cache writes that failed and were skipped.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		remoteRequestsTotal,
		remoteRequestDurationSeconds,
		remoteRetriesTotal,
		executionsTriggeredTotal,
		executionPollDurationSeconds,
		executionFailuresTotal,
		resultPagesTotal,
		cacheLookupsTotal,
		cacheWriteFailuresTotal,
	)
}

// ObserveRemoteRequest records one HTTP exchange. A zero status means the
// request never produced a response.
func ObserveRemoteRequest(method string, status int, elapsed time.Duration) {
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	remoteRequestsTotal.WithLabelValues(method, label).Inc()
	remoteRequestDurationSeconds.WithLabelValues(method).Observe(elapsed.Seconds())
}

func IncrementRemoteRetry(status int) {
	remoteRetriesTotal.WithLabelValues(strconv.Itoa(status)).Inc()
}

func IncrementExecutionTriggered() {
	executionsTriggeredTotal.Inc()
}

func ObserveExecutionPoll(elapsed time.Duration) {
	executionPollDurationSeconds.Observe(elapsed.Seconds())
}

// IncrementExecutionFailure counts terminal failures; reason is one of
// "failed", "timeout" or "rejected".
func IncrementExecutionFailure(reason string) {
	executionFailuresTotal.WithLabelValues(reason).Inc()
}

func AddResultPages(pages int) {
	if pages > 0 {
		resultPagesTotal.Add(float64(pages))
	}
}

// IncrementCacheLookup counts a lookup as "hit", "miss", "stale" or "error".
func IncrementCacheLookup(result string) {
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

func IncrementCacheWriteFailure() {
	cacheWriteFailuresTotal.Inc()
}
