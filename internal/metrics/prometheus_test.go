package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/skypro1111/chunk-recorder/internal/audio"
	"github.com/skypro1111/chunk-recorder/internal/pipeline"
	"github.com/skypro1111/chunk-recorder/internal/queue"
	"github.com/skypro1111/chunk-recorder/internal/session"
)

// Metrics plugs into every component that reports activity
var (
	_ session.Observer  = (*Metrics)(nil)
	_ queue.Observer    = (*Metrics)(nil)
	_ pipeline.Recorder = (*Metrics)(nil)
)

func TestRecordingMetrics(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.StateChanged(session.StateIdle, session.StateRecording)
	m.StateChanged(session.StateRecording, session.StatePaused)
	m.Paused(session.ReasonCall)
	m.ChunkRotated()
	m.RecordChunkClosed(audio.ChunkRef{Index: 0}, 2646000)

	assert.Equal(t, float64(session.StatePaused), testutil.ToFloat64(m.State))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Transitions.WithLabelValues("idle", "recording")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Pauses.WithLabelValues("phone call")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChunkRotations))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChunksWritten))
}

func TestPipelineMetrics(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.JobEnqueued("transcribe")
	m.JobFinished("transcribe", queue.OutcomeRetry, 20*time.Millisecond)
	m.JobFinished("transcribe", queue.OutcomeSuccess, 30*time.Millisecond)
	m.RecordTranscription(pipeline.OutcomeRetry, time.Second)
	m.RecordTranscription(pipeline.OutcomeSuccess, time.Second)
	m.RecordSummaryTriggered()
	m.RecordSummary(pipeline.OutcomeFailure, 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobsEnqueued.WithLabelValues("transcribe")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobOutcomes.WithLabelValues("transcribe", "retry")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Transcriptions.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SummariesTriggered))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Summaries.WithLabelValues("failure")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.StateChanged(session.StateIdle, session.StateRecording)
		m.Paused(session.ReasonUser)
		m.ChunkRotated()
		m.RecordChunkClosed(audio.ChunkRef{}, 0)
		m.JobEnqueued("summary")
		m.JobFinished("summary", queue.OutcomeFailure, time.Second)
		m.RecordTranscription(pipeline.OutcomeSuccess, time.Second)
		m.RecordSummary(pipeline.OutcomeSuccess, time.Second)
		m.RecordSummaryTriggered()
		m.RecordHTTPRequest("GET", "/health", "200", 0.01)
		m.RecordHTTPError("GET", "/health", "internal")
	})
}
