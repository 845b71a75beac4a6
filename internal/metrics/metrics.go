// ============================================================================
// Bottomless Replicator - Prometheus Monitoring
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Collect and expose Prometheus metrics for the replicator
// (submitted/uploaded frame counts, upload latency, restore outcomes).
//
// Metric Categories:
//   - Counters: frames submitted, batches uploaded, upload failures,
//     restores attempted/succeeded
//   - Histogram: upload latency
//   - Gauges: last committed frame number, in-flight uploads
//
// HTTP endpoint: exposed on metrics_addr via /metrics in Prometheus text
// format, only when metrics_addr is configured (config.go).
//
// ============================================================================

package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects the replicator's Prometheus metrics against its own
// registry (never the global DefaultRegisterer), so multiple replicator
// instances in one process don't collide on metric names.
type Collector struct {
	framesSubmitted  prometheus.Counter
	batchesUploaded  prometheus.Counter
	uploadFailures   prometheus.Counter
	restoresAttempted prometheus.Counter
	restoresSucceeded prometheus.Counter

	uploadLatency prometheus.Histogram

	lastCommittedFrame prometheus.Gauge
	uploadsInFlight     prometheus.Gauge

	registry *prometheus.Registry
	srv      *http.Server
	mu       sync.Mutex
}

// NewCollector builds a Collector registered against a fresh registry.
func NewCollector() *Collector {
	c := &Collector{
		framesSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bottomless_frames_submitted_total",
			Help: "Total number of WAL frames submitted to the replicator",
		}),
		batchesUploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bottomless_batches_uploaded_total",
			Help: "Total number of batch objects successfully uploaded",
		}),
		uploadFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bottomless_upload_failures_total",
			Help: "Total number of batch upload failures",
		}),
		restoresAttempted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bottomless_restores_attempted_total",
			Help: "Total number of restore operations attempted",
		}),
		restoresSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bottomless_restores_succeeded_total",
			Help: "Total number of restore operations that succeeded",
		}),
		uploadLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bottomless_upload_latency_seconds",
			Help:    "Batch upload latency in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		lastCommittedFrame: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bottomless_last_committed_frame_no",
			Help: "Most recent frame number the committed-frame watcher has published",
		}),
		uploadsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bottomless_uploads_in_flight",
			Help: "Current number of in-flight batch uploads",
		}),
	}

	c.registry = prometheus.NewRegistry()
	c.registry.MustRegister(
		c.framesSubmitted,
		c.batchesUploaded,
		c.uploadFailures,
		c.restoresAttempted,
		c.restoresSucceeded,
		c.uploadLatency,
		c.lastCommittedFrame,
		c.uploadsInFlight,
	)

	return c
}

// RecordSubmit records n frames being submitted.
func (c *Collector) RecordSubmit(n uint32) {
	c.framesSubmitted.Add(float64(n))
}

// RecordUploadStart marks one upload as in-flight.
func (c *Collector) RecordUploadStart() {
	c.uploadsInFlight.Inc()
}

// RecordUploadSuccess records a successful upload's latency.
func (c *Collector) RecordUploadSuccess(latency time.Duration) {
	c.uploadsInFlight.Dec()
	c.batchesUploaded.Inc()
	c.uploadLatency.Observe(latency.Seconds())
}

// RecordUploadFailure records a failed upload.
func (c *Collector) RecordUploadFailure() {
	c.uploadsInFlight.Dec()
	c.uploadFailures.Inc()
}

// SetLastCommittedFrame updates the committed-frame gauge.
func (c *Collector) SetLastCommittedFrame(frameNo uint32) {
	c.lastCommittedFrame.Set(float64(frameNo))
}

// RecordRestoreAttempt records the start of a restore.
func (c *Collector) RecordRestoreAttempt() {
	c.restoresAttempted.Inc()
}

// RecordRestoreSuccess records a restore that completed without error.
func (c *Collector) RecordRestoreSuccess() {
	c.restoresSucceeded.Inc()
}

// Serve starts an HTTP server exposing /metrics on addr. It runs until
// Shutdown is called or the listener fails; a non-nil error other than
// http.ErrServerClosed indicates the listener itself failed to start.
func (c *Collector) Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))

	c.mu.Lock()
	c.srv = &http.Server{Addr: addr, Handler: mux}
	srv := c.srv
	c.mu.Unlock()

	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the metrics HTTP server, if one is running.
func (c *Collector) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	srv := c.srv
	c.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
