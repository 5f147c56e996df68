// Package metrics exposes Prometheus instruments for the upload pipeline.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the pipeline instruments.
type Metrics struct {
	ChunksReceived   prometheus.Counter       // agrodrop_chunks_received_total
	UploadsCompleted *prometheus.CounterVec   // agrodrop_uploads_completed_total{path,dedup}
	MergeDuration    prometheus.Histogram     // agrodrop_merge_duration_seconds
	BytesMerged      prometheus.Counter       // agrodrop_bytes_merged_total
	DeletionJobs     *prometheus.CounterVec   // agrodrop_deletion_jobs_total{result}
	SweptTasks       prometheus.Counter       // agrodrop_swept_tasks_total
	CommitDuration   *prometheus.HistogramVec // agrodrop_commit_duration_seconds{result}
}

// New registers the instruments on registry, or the default registerer when
// registry is nil.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	f := promauto.With(registry)
	return &Metrics{
		ChunksReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "agrodrop_chunks_received_total",
			Help: "Chunks written to the chunk store",
		}),
		UploadsCompleted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agrodrop_uploads_completed_total",
			Help: "Committed uploads by path (single, chunked) and dedup outcome",
		}, []string{"path", "dedup"}),
		MergeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "agrodrop_merge_duration_seconds",
			Help:    "Time spent assembling chunks into one file",
			Buckets: prometheus.DefBuckets,
		}),
		BytesMerged: f.NewCounter(prometheus.CounterOpts{
			Name: "agrodrop_bytes_merged_total",
			Help: "Bytes written by the merge engine",
		}),
		DeletionJobs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agrodrop_deletion_jobs_total",
			Help: "Deletion job outcomes (removed, referenced, error)",
		}, []string{"result"}),
		SweptTasks: f.NewCounter(prometheus.CounterOpts{
			Name: "agrodrop_swept_tasks_total",
			Help: "Expired task chunk directories removed by the sweeper",
		}),
		CommitDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agrodrop_commit_duration_seconds",
			Help:    "Metadata commit duration",
			Buckets: prometheus.DefBuckets,
		}, []string{"result"}),
	}
}

func (m *Metrics) ChunkReceived() {
	if m == nil {
		return
	}
	m.ChunksReceived.Inc()
}

func (m *Metrics) UploadCompleted(path string, dedup bool) {
	if m == nil {
		return
	}
	label := "miss"
	if dedup {
		label = "hit"
	}
	m.UploadsCompleted.WithLabelValues(path, label).Inc()
}

func (m *Metrics) Merged(d time.Duration, bytes int64) {
	if m == nil {
		return
	}
	m.MergeDuration.Observe(d.Seconds())
	m.BytesMerged.Add(float64(bytes))
}

func (m *Metrics) DeletionJob(result string) {
	if m == nil {
		return
	}
	m.DeletionJobs.WithLabelValues(result).Inc()
}

func (m *Metrics) Swept(n int) {
	if m == nil {
		return
	}
	m.SweptTasks.Add(float64(n))
}

func (m *Metrics) Committed(d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.CommitDuration.WithLabelValues(result).Observe(d.Seconds())
}
