package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/skypro1111/chunk-recorder/internal/audio"
	"github.com/skypro1111/chunk-recorder/internal/session"
)

// Metrics contains all Prometheus metrics for the chunk recorder.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Recording metrics
	State          prometheus.Gauge
	Transitions    *prometheus.CounterVec
	Pauses         *prometheus.CounterVec
	ChunkRotations prometheus.Counter
	ChunksWritten  prometheus.Counter
	ChunkSize      prometheus.Histogram

	// Queue metrics
	JobsEnqueued *prometheus.CounterVec
	JobOutcomes  *prometheus.CounterVec
	JobDuration  *prometheus.HistogramVec

	// Transcription and summary metrics
	Transcriptions        *prometheus.CounterVec
	TranscriptionDuration prometheus.Histogram
	Summaries             *prometheus.CounterVec
	SummaryDuration       prometheus.Histogram
	SummariesTriggered    prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		State: f.NewGauge(prometheus.GaugeOpts{
			Name: "recorder_state",
			Help: "Current recording state (0 idle, 1 recording, 2 paused, 3 stopped, 4 error)",
		}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "recorder_state_transitions_total",
			Help: "Total number of recording state transitions",
		}, []string{"from", "to"}),
		Pauses: f.NewCounterVec(prometheus.CounterOpts{
			Name: "recorder_pauses_total",
			Help: "Total number of pauses by reason",
		}, []string{"reason"}),
		ChunkRotations: f.NewCounter(prometheus.CounterOpts{
			Name: "recorder_chunk_rotations_total",
			Help: "Total number of chunk rotations",
		}),
		ChunksWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "recorder_chunks_written_total",
			Help: "Total number of chunk files closed",
		}),
		ChunkSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "recorder_chunk_size_bytes",
			Help:    "Audio payload size of closed chunk files",
			Buckets: prometheus.ExponentialBuckets(64*1024, 2, 10), // 64KB to ~32MB
		}),

		JobsEnqueued: f.NewCounterVec(prometheus.CounterOpts{
			Name: "recorder_jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		}, []string{"kind"}),
		JobOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "recorder_job_attempts_total",
			Help: "Total number of job attempts by outcome",
		}, []string{"kind", "outcome"}),
		JobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "recorder_job_duration_seconds",
			Help:    "Duration of job attempts",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		}, []string{"kind"}),

		Transcriptions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "recorder_transcriptions_total",
			Help: "Total number of transcription calls by outcome",
		}, []string{"outcome"}),
		TranscriptionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "recorder_transcription_duration_seconds",
			Help:    "Duration of transcription calls",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~50s
		}),
		Summaries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "recorder_summaries_total",
			Help: "Total number of summarization calls by outcome",
		}, []string{"outcome"}),
		SummaryDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "recorder_summary_duration_seconds",
			Help:    "Duration of summarization calls",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8), // 0.5s to ~1 minute
		}),
		SummariesTriggered: f.NewCounter(prometheus.CounterOpts{
			Name: "recorder_summaries_triggered_total",
			Help: "Total number of sessions whose chunks all finished transcription",
		}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "recorder_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "recorder_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "recorder_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// StateChanged records a recording state transition
func (m *Metrics) StateChanged(from, to session.State) {
	if m == nil {
		return
	}
	m.State.Set(float64(to))
	m.Transitions.WithLabelValues(from.String(), to.String()).Inc()
}

// Paused records a pause or a change of pause reason
func (m *Metrics) Paused(reason string) {
	if m == nil {
		return
	}
	m.Pauses.WithLabelValues(reason).Inc()
}

// ChunkRotated increments the rotation counter
func (m *Metrics) ChunkRotated() {
	if m == nil {
		return
	}
	m.ChunkRotations.Inc()
}

// RecordChunkClosed records a closed chunk file
func (m *Metrics) RecordChunkClosed(_ audio.ChunkRef, dataBytes int64) {
	if m == nil {
		return
	}
	m.ChunksWritten.Inc()
	m.ChunkSize.Observe(float64(dataBytes))
}

// JobEnqueued increments the enqueued counter for kind
func (m *Metrics) JobEnqueued(kind string) {
	if m == nil {
		return
	}
	m.JobsEnqueued.WithLabelValues(kind).Inc()
}

// JobFinished records one job attempt
func (m *Metrics) JobFinished(kind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.JobOutcomes.WithLabelValues(kind, outcome).Inc()
	m.JobDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// RecordTranscription records one transcription call
func (m *Metrics) RecordTranscription(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Transcriptions.WithLabelValues(outcome).Inc()
	if d > 0 {
		m.TranscriptionDuration.Observe(d.Seconds())
	}
}

// RecordSummary records one summarization call
func (m *Metrics) RecordSummary(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Summaries.WithLabelValues(outcome).Inc()
	if d > 0 {
		m.SummaryDuration.Observe(d.Seconds())
	}
}

// RecordSummaryTriggered increments the aggregation trigger counter
func (m *Metrics) RecordSummaryTriggered() {
	if m == nil {
		return
	}
	m.SummariesTriggered.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
