package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/skypro1111/chunk-recorder/internal/queue"
	"github.com/skypro1111/chunk-recorder/internal/store"
	"github.com/skypro1111/chunk-recorder/internal/summary"
	"github.com/skypro1111/chunk-recorder/internal/transcription"
)

// Job kinds
const (
	KindTranscribe = "transcribe"
	KindSummary    = "summary"
)

// ErrNoChunks is returned when a session has no recorded chunks
var ErrNoChunks = errors.New("session has no chunks")

// Store is the persistence the pipeline needs
type Store interface {
	UpsertChunk(ctx context.Context, c store.Chunk, hooks ...store.TxHook) error
	UpdateChunkStatus(ctx context.Context, key string, status store.ChunkStatus) error
	SetTranscriptDone(ctx context.Context, key, text string) error
	SetChunkError(ctx context.Context, key, message string) error
	GetChunk(ctx context.Context, key string) (*store.Chunk, error)
	ChunksForSession(ctx context.Context, sessionID string) ([]store.Chunk, error)
	NotDoneCount(ctx context.Context, sessionID string) (int64, error)
	ChunkCount(ctx context.Context, sessionID string) (int64, error)
	PendingOrFailed(ctx context.Context) ([]store.Chunk, error)

	MarkSessionEnded(ctx context.Context, sessionID string) error
	SessionEnded(ctx context.Context, sessionID string) (bool, error)
	UnendedSessions(ctx context.Context) ([]string, error)

	EnsureSummary(ctx context.Context, sessionID string, hooks ...store.TxHook) (bool, error)
	ResetSummary(ctx context.Context, sessionID string) error
	SetSummaryDraft(ctx context.Context, sessionID string, status store.SummaryStatus, draft string) error
	SetSummaryError(ctx context.Context, sessionID, message string) error
	SetSummaryStructured(ctx context.Context, sessionID string, out store.StructuredSummary) error
}

// Jobs is the work queue the pipeline schedules onto
type Jobs interface {
	Register(kind string, h queue.Handler)
	EnqueueUnique(ctx context.Context, req queue.Request) (bool, error)
	EnqueueUniqueTx(ctx context.Context, tx *gorm.DB, req queue.Request) (bool, error)
	Wake()
}

// Recorder receives pipeline outcomes, e.g. for metrics
type Recorder interface {
	RecordTranscription(outcome string, duration time.Duration)
	RecordSummary(outcome string, duration time.Duration)
	RecordSummaryTriggered()
}

// Outcomes reported to the Recorder
const (
	OutcomeSuccess = "success"
	OutcomeRetry   = "retry"
	OutcomeFailure = "failure"
)

// Config holds pipeline settings
type Config struct {
	Backoff        time.Duration // base of the exponential retry schedule
	MaxBackoff     time.Duration
	RequireNetwork bool
	DraftThrottle  time.Duration // minimum interval between persisted summary drafts
}

// DefaultConfig returns the default pipeline settings
func DefaultConfig() Config {
	return Config{
		Backoff:        10 * time.Second,
		MaxBackoff:     queue.MaxBackoff,
		RequireNetwork: true,
		DraftThrottle:  250 * time.Millisecond,
	}
}

type transcribePayload struct {
	SessionID string `json:"session_id"`
	Index     int    `json:"index"`
	Path      string `json:"path"`
}

type summaryPayload struct {
	SessionID string `json:"session_id"`
}

// Pipeline turns closed chunk files into transcripts and finished sessions
// into summaries
type Pipeline struct {
	cfg         Config
	store       Store
	jobs        Jobs
	transcriber transcription.Transcriber
	summarizer  summary.Summarizer
	recorder    Recorder
	logger      *slog.Logger

	// latchedSession is the last session whose summary was triggered.
	// The summary row is the durable latch; this one only skips queries.
	mu             sync.Mutex
	latchedSession string
}

type noopRecorder struct{}

func (noopRecorder) RecordTranscription(string, time.Duration) {}
func (noopRecorder) RecordSummary(string, time.Duration)       {}
func (noopRecorder) RecordSummaryTriggered()                   {}

// New creates the pipeline and registers its job handlers
func New(cfg Config, st Store, jobs Jobs, transcriber transcription.Transcriber, summarizer summary.Summarizer, recorder Recorder, logger *slog.Logger) *Pipeline {
	if cfg.DraftThrottle <= 0 {
		cfg.DraftThrottle = 250 * time.Millisecond
	}
	if recorder == nil {
		recorder = noopRecorder{}
	}

	p := &Pipeline{
		cfg:         cfg,
		store:       st,
		jobs:        jobs,
		transcriber: transcriber,
		summarizer:  summarizer,
		recorder:    recorder,
		logger:      logger,
	}

	jobs.Register(KindTranscribe, p.handleTranscribe)
	jobs.Register(KindSummary, p.handleSummary)
	return p
}

// TranscribeJobKey returns the queue key of a chunk's transcription job
func TranscribeJobKey(sessionID string, index int) string {
	return fmt.Sprintf("transcribe_%s_%d", sessionID, index)
}

// SummaryJobKey returns the queue key of a session's summary job
func SummaryJobKey(sessionID string) string {
	return "summary_" + sessionID
}

func (p *Pipeline) backoff() queue.Backoff {
	return queue.Backoff{Initial: p.cfg.Backoff, Max: p.cfg.MaxBackoff}
}

func (p *Pipeline) transcribeRequest(sessionID string, index int, path string) queue.Request {
	return queue.Request{
		Key:             TranscribeJobKey(sessionID, index),
		Kind:            KindTranscribe,
		Payload:         transcribePayload{SessionID: sessionID, Index: index, Path: path},
		Policy:          queue.KeepExisting,
		Backoff:         p.backoff(),
		RequiresNetwork: p.cfg.RequireNetwork,
	}
}

func (p *Pipeline) summaryRequest(sessionID string, policy queue.Policy) queue.Request {
	return queue.Request{
		Key:             SummaryJobKey(sessionID),
		Kind:            KindSummary,
		Payload:         summaryPayload{SessionID: sessionID},
		Policy:          policy,
		Backoff:         p.backoff(),
		RequiresNetwork: p.cfg.RequireNetwork,
	}
}

// OnChunkReady records a closed chunk as QUEUED and enqueues its
// transcription job in the same transaction
func (p *Pipeline) OnChunkReady(ctx context.Context, sessionID string, index int, path string) error {
	var enqueued bool
	chunk := store.Chunk{
		SessionID: sessionID,
		Index:     index,
		FilePath:  path,
		Status:    store.ChunkQueued,
	}

	err := p.store.UpsertChunk(ctx, chunk, func(tx *gorm.DB) error {
		var err error
		enqueued, err = p.jobs.EnqueueUniqueTx(ctx, tx, p.transcribeRequest(sessionID, index, path))
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue chunk %d of %s: %w", index, sessionID, err)
	}
	p.jobs.Wake()

	p.logger.Info("Chunk queued for transcription",
		slog.String("session_id", sessionID),
		slog.Int("index", index),
		slog.String("path", path),
		slog.Bool("new_job", enqueued))
	return nil
}

// RetryAll re-enqueues every chunk that is not DONE. Failed chunks go back
// to QUEUED; in-flight chunks keep their existing job.
func (p *Pipeline) RetryAll(ctx context.Context) (int, error) {
	chunks, err := p.store.PendingOrFailed(ctx)
	if err != nil {
		return 0, err
	}

	for _, c := range chunks {
		if c.Status == store.ChunkError {
			if err := p.OnChunkReady(ctx, c.SessionID, c.Index, c.FilePath); err != nil {
				return 0, err
			}
			continue
		}
		if _, err := p.jobs.EnqueueUnique(ctx, p.transcribeRequest(c.SessionID, c.Index, c.FilePath)); err != nil {
			return 0, fmt.Errorf("failed to re-enqueue chunk %s: %w", c.Key, err)
		}
	}

	if len(chunks) > 0 {
		p.logger.Info("Retrying unfinished chunks", slog.Int("count", len(chunks)))
	}
	return len(chunks), nil
}

// Transcript joins the DONE chunk texts of a session in index order and
// reports whether every chunk is DONE
func (p *Pipeline) Transcript(ctx context.Context, sessionID string) (string, bool, error) {
	chunks, err := p.store.ChunksForSession(ctx, sessionID)
	if err != nil {
		return "", false, err
	}
	text, complete := joinTranscript(chunks)
	return text, complete, nil
}

// GenerateSummary (re)starts summarization of a session, replacing any
// summary job that is pending or running
func (p *Pipeline) GenerateSummary(ctx context.Context, sessionID string) error {
	total, err := p.store.ChunkCount(ctx, sessionID)
	if err != nil {
		return err
	}
	if total == 0 {
		return fmt.Errorf("%s: %w", sessionID, ErrNoChunks)
	}

	if err := p.store.ResetSummary(ctx, sessionID); err != nil {
		return err
	}
	if _, err := p.jobs.EnqueueUnique(ctx, p.summaryRequest(sessionID, queue.Replace)); err != nil {
		return fmt.Errorf("failed to enqueue summary for %s: %w", sessionID, err)
	}

	p.latch(sessionID)

	p.logger.Info("Summary requested", slog.String("session_id", sessionID))
	return nil
}

// OnSessionEnded seals a session: no further chunks will arrive, so the
// summary may be triggered once every stored chunk is DONE
func (p *Pipeline) OnSessionEnded(ctx context.Context, sessionID string) error {
	if err := p.store.MarkSessionEnded(ctx, sessionID); err != nil {
		return err
	}
	p.logger.Info("Session ended", slog.String("session_id", sessionID))

	p.checkCompletion(ctx, sessionID)
	return nil
}

// SealInterrupted ends every session that has chunks but was never sealed.
// Call it before recording starts.
func (p *Pipeline) SealInterrupted(ctx context.Context) (int, error) {
	ids, err := p.store.UnendedSessions(ctx)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := p.OnSessionEnded(ctx, id); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

func (p *Pipeline) latch(sessionID string) {
	p.mu.Lock()
	p.latchedSession = sessionID
	p.mu.Unlock()
}

// checkCompletion enqueues the summary job the first time an ended session
// has every chunk DONE. The summary row insert is the durable latch.
func (p *Pipeline) checkCompletion(ctx context.Context, sessionID string) {
	p.mu.Lock()
	done := p.latchedSession == sessionID
	p.mu.Unlock()
	if done {
		return
	}

	ended, err := p.store.SessionEnded(ctx, sessionID)
	if err != nil || !ended {
		return
	}
	total, err := p.store.ChunkCount(ctx, sessionID)
	if err != nil || total == 0 {
		return
	}
	notDone, err := p.store.NotDoneCount(ctx, sessionID)
	if err != nil || notDone > 0 {
		return
	}

	created, err := p.store.EnsureSummary(ctx, sessionID, func(tx *gorm.DB) error {
		_, err := p.jobs.EnqueueUniqueTx(ctx, tx, p.summaryRequest(sessionID, queue.KeepExisting))
		return err
	})
	if err != nil {
		p.logger.Error("Failed to trigger summary",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
		return
	}

	p.latch(sessionID)

	if created {
		p.jobs.Wake()
		p.recorder.RecordSummaryTriggered()
		p.logger.Info("All chunks transcribed, summary enqueued",
			slog.String("session_id", sessionID),
			slog.Int64("chunks", total))
	}
}
