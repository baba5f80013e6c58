// Package metrics exposes the Prometheus collectors of the ingestion services.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sot"

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	eventsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "listener",
			Name:      "events_received_total",
			Help:      "Transfer events observed by the listener.",
		},
		[]string{"source"}, // live, backfill
	)

	enqueueFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "listener",
			Name:      "enqueue_failures_total",
			Help:      "Events observed but dropped because the enqueue failed.",
		},
	)

	listenerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "listener",
			Name:      "state",
			Help:      "1 for the listener's current state, 0 otherwise.",
		},
		[]string{"state"},
	)

	reconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "listener",
			Name:      "reconnects_total",
			Help:      "Resubscription attempts after a dropped subscription.",
		},
	)

	jobsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "processor",
			Name:      "jobs_total",
			Help:      "Processed ingest jobs by outcome and error category.",
		},
		[]string{"status", "category"},
	)

	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "processor",
			Name:      "job_duration_seconds",
			Help:      "Duration of ingest job handling.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
		[]string{"status"},
	)

	jobsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "jobs_dropped_total",
			Help:      "Jobs discarded after exhausting their attempts.",
		},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Jobs per queue list.",
		},
		[]string{"list"},
	)

	locationsWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "processor",
			Name:      "locations_total",
			Help:      "Location inserts by result.",
		},
		[]string{"result"}, // created, duplicate
	)

	checkpointHeight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "checkpoint",
			Name:      "height",
			Help:      "Last block number recorded as processed.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)
)

func init() {
	Registry.MustRegister(
		eventsReceived,
		enqueueFailures,
		listenerState,
		reconnects,
		jobsProcessed,
		jobDuration,
		jobsDropped,
		queueDepth,
		locationsWritten,
		checkpointHeight,
		httpRequests,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordEventReceived counts an observed Transfer event
func RecordEventReceived(source string) {
	eventsReceived.WithLabelValues(source).Inc()
}

// RecordEnqueueFailure counts an observed event that never reached the queue
func RecordEnqueueFailure() {
	enqueueFailures.Inc()
}

// SetListenerState marks state as current and clears the others
func SetListenerState(state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		listenerState.WithLabelValues(s).Set(v)
	}
}

// RecordReconnect counts a resubscription attempt
func RecordReconnect() {
	reconnects.Inc()
}

// RecordJob records the outcome of one job execution
func RecordJob(status, category string, duration time.Duration) {
	jobsProcessed.WithLabelValues(status, category).Inc()
	jobDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordJobDropped counts a job discarded after its final attempt
func RecordJobDropped() {
	jobsDropped.Inc()
}

// SetQueueDepth publishes the size of a queue list
func SetQueueDepth(list string, n int64) {
	queueDepth.WithLabelValues(list).Set(float64(n))
}

// RecordLocation counts a location insert, created or duplicate
func RecordLocation(created bool) {
	if created {
		locationsWritten.WithLabelValues("created").Inc()
		return
	}
	locationsWritten.WithLabelValues("duplicate").Inc()
}

// SetCheckpoint publishes the checkpoint height
func SetCheckpoint(height uint64) {
	checkpointHeight.Set(float64(height))
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		httpRequests.WithLabelValues(strings.ToUpper(r.Method), canonicalPath(r.URL.Path), strconv.Itoa(rec.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// canonicalPath collapses per-record paths so label cardinality stays bounded
func canonicalPath(path string) string {
	if strings.HasPrefix(path, "/api/locations/") {
		return "/api/locations/{uniqueId}"
	}
	return path
}
