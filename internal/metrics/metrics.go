// Copyright 2025 Mateo Piedra
// SPDX-License-Identifier: Apache-2.0

// Package metrics registers the Prometheus instruments exposed by the
// sync daemon and serves them over HTTP.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	OpsCaptured = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_ops_captured_total",
		Help: "Outbox operations drained from the local database.",
	})

	OpsUploaded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_ops_uploaded_total",
		Help: "Operations acknowledged by the remote and removed from the queue.",
	})

	OpsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_ops_applied_total",
		Help: "Downloaded operations applied locally, by entity.",
	}, []string{"entity"})

	OpsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_ops_skipped_total",
		Help: "Downloaded operations skipped, by reason (self_echo, stale, unknown_entity).",
	}, []string{"reason"})

	UploadFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_upload_failures_total",
		Help: "Upload attempts that exhausted retries.",
	})

	DownloadBackoffs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_download_backoffs_total",
		Help: "Download polls penalized before retrying, by cause.",
	}, []string{"cause"})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sync_queue_depth",
		Help: "Pending operations in the upload queue.",
	})

	SweepRowsRepaired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_sweep_rows_repaired_total",
		Help: "Rows repaired by the reconciliation sweep, by action.",
	}, []string{"action"})

	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sync_sweep_duration_seconds",
		Help:    "Wall time of a full reconciliation sweep.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	})
)

// Serve exposes /metrics on addr in a background goroutine. A nil
// error channel is fine for callers that do not care about server
// failure.
func Serve(addr string, errs chan<- error) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed && errs != nil {
			errs <- err
		}
	}()
	return srv
}
