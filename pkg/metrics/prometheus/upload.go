// Package prometheus provides Prometheus-backed implementations of the
// metrics ports consumed by the upload engine.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/chunkd-io/chunkd/pkg/metrics"
	"github.com/chunkd-io/chunkd/pkg/upload"
)

// uploadMetrics is the Prometheus implementation of upload.Metrics.
type uploadMetrics struct {
	sessionsCreated   prometheus.Counter
	sessionsCompleted prometheus.Counter
	sessionsExpired   prometheus.Counter
	mergesFailed      prometheus.Counter
	chunksUploaded    prometheus.Counter
	chunkBytes        prometheus.Counter
	mergeDuration     prometheus.Histogram
}

// NewUploadMetrics creates a new Prometheus-backed upload.Metrics instance.
//
// Returns nil if metrics are not enabled (InitRegistry not called); the
// engine treats a nil sink as disabled instrumentation.
func NewUploadMetrics() upload.Metrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &uploadMetrics{
		sessionsCreated: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "chunkd_sessions_created_total",
			Help: "Total number of upload sessions created",
		}),
		sessionsCompleted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "chunkd_sessions_completed_total",
			Help: "Total number of upload sessions completed successfully",
		}),
		sessionsExpired: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "chunkd_sessions_expired_total",
			Help: "Total number of upload sessions expired by the reaper",
		}),
		mergesFailed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "chunkd_merges_failed_total",
			Help: "Total number of failed merge attempts",
		}),
		chunksUploaded: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "chunkd_chunks_uploaded_total",
			Help: "Total number of chunks accepted",
		}),
		chunkBytes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "chunkd_chunk_bytes_total",
			Help: "Total chunk bytes accepted",
		}),
		mergeDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name: "chunkd_merge_duration_milliseconds",
			Help: "Duration of successful artifact merges in milliseconds",
			Buckets: []float64{
				10,    // 10ms - tiny files
				50,    // 50ms
				100,   // 100ms
				500,   // 500ms
				1000,  // 1s
				5000,  // 5s - large files
				10000, // 10s
				30000, // 30s - multipart assembly
			},
		}),
	}
}

func (m *uploadMetrics) SessionCreated() {
	m.sessionsCreated.Inc()
}

func (m *uploadMetrics) ChunkUploaded(bytes int) {
	m.chunksUploaded.Inc()
	m.chunkBytes.Add(float64(bytes))
}

func (m *uploadMetrics) SessionCompleted(mergeDuration time.Duration) {
	m.sessionsCompleted.Inc()
	m.mergeDuration.Observe(float64(mergeDuration.Microseconds()) / 1000.0)
}

func (m *uploadMetrics) SessionExpired() {
	m.sessionsExpired.Inc()
}

func (m *uploadMetrics) MergeFailed() {
	m.mergesFailed.Inc()
}

var _ upload.Metrics = (*uploadMetrics)(nil)
