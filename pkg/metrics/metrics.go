// Package metrics defines the Prometheus collectors exported by the service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, route and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total HTTP requests.",
	}, []string{"method", "route", "status"})

	// HTTPRequestDuration observes request latency by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	// ChunksIngested counts accepted chunk parts.
	ChunksIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recording_chunks_ingested_total",
		Help: "Accepted chunk parts.",
	})

	// ChunkBytesIngested counts accepted chunk bytes.
	ChunkBytesIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recording_chunk_bytes_total",
		Help: "Accepted chunk bytes.",
	})

	// TranscodeJobs counts transcode job outcomes (done, error, skipped).
	TranscodeJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcode_jobs_total",
		Help: "Transcode job outcomes.",
	}, []string{"result"})

	// TranscodeDuration observes wall-clock transcode time for completed jobs.
	TranscodeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "transcode_duration_seconds",
		Help:    "Wall-clock transcode time.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	// RetentionDeleted counts sessions removed by the retention sweep.
	RetentionDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "retention_sessions_deleted_total",
		Help: "Sessions removed by the retention sweep.",
	}, []string{"status"})
)
