/*
 * Copyright (c) 2026 The Driftlog Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

/*
Package metrics exposes Prometheus metrics for the driftlog engine.

The "log" label on per-log metrics is the topic-partition directory name
(e.g. "orders-0").
*/
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every engine metric on a private Prometheus registry.
type Registry struct {
	registry *prometheus.Registry

	AppendsTotal       *prometheus.CounterVec
	AppendedBytesTotal *prometheus.CounterVec
	AppendErrorsTotal  *prometheus.CounterVec
	AppendDuration     prometheus.Histogram

	ReadsTotal      *prometheus.CounterVec
	ReadErrorsTotal *prometheus.CounterVec

	SegmentsTotal *prometheus.GaugeVec
	LogSizeBytes  *prometheus.GaugeVec
	HighWatermark *prometheus.GaugeVec
	LowWatermark  *prometheus.GaugeVec

	RotationsTotal           *prometheus.CounterVec
	RecoveryTruncationsTotal prometheus.Counter
	RetentionDeletesTotal    *prometheus.CounterVec
	ArchiveUploadsTotal      *prometheus.CounterVec
	ArchiveFailuresTotal     *prometheus.CounterVec
	FlushDuration            prometheus.Histogram
}

// NewRegistry creates and registers every engine metric.
func NewRegistry() *Registry {
	r := &Registry{registry: prometheus.NewRegistry()}

	r.AppendsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftlog_appends_total",
			Help: "Total number of records appended",
		},
		[]string{"log"},
	)
	r.AppendedBytesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftlog_appended_bytes_total",
			Help: "Total payload bytes appended",
		},
		[]string{"log"},
	)
	r.AppendErrorsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftlog_append_errors_total",
			Help: "Total number of failed appends",
		},
		[]string{"log"},
	)
	r.AppendDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "driftlog_append_duration_seconds",
			Help:    "Append latency in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		},
	)

	r.ReadsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftlog_reads_total",
			Help: "Total number of record reads",
		},
		[]string{"log"},
	)
	r.ReadErrorsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftlog_read_errors_total",
			Help: "Total number of failed reads",
		},
		[]string{"log", "reason"},
	)

	r.SegmentsTotal = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "driftlog_segments",
			Help: "Number of live segments per log",
		},
		[]string{"log"},
	)
	r.LogSizeBytes = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "driftlog_log_size_bytes",
			Help: "Total on-disk data size per log",
		},
		[]string{"log"},
	)
	r.HighWatermark = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "driftlog_high_watermark",
			Help: "Next offset to be assigned per log",
		},
		[]string{"log"},
	)
	r.LowWatermark = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "driftlog_low_watermark",
			Help: "Smallest retained offset per log",
		},
		[]string{"log"},
	)

	r.RotationsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftlog_segment_rotations_total",
			Help: "Total number of segment rotations",
		},
		[]string{"log"},
	)
	r.RecoveryTruncationsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "driftlog_recovery_truncations_total",
			Help: "Torn tails dropped during startup recovery",
		},
	)
	r.RetentionDeletesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftlog_retention_deletes_total",
			Help: "Segments deleted by the retention policy",
		},
		[]string{"log"},
	)
	r.ArchiveUploadsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftlog_archive_uploads_total",
			Help: "Segments uploaded to object storage",
		},
		[]string{"log"},
	)
	r.ArchiveFailuresTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftlog_archive_failures_total",
			Help: "Failed archive uploads (retried next cycle)",
		},
		[]string{"log"},
	)
	r.FlushDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "driftlog_flush_duration_seconds",
			Help:    "Periodic flush latency in seconds",
			Buckets: []float64{0.0001, 0.001, 0.01, 0.05, 0.1, 0.5, 1},
		},
	)

	return r
}

// Handler serves the registry in Prometheus text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry for tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}
