package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/skypro1111/chunk-recorder/internal/apierr"
	"github.com/skypro1111/chunk-recorder/internal/audio"
	"github.com/skypro1111/chunk-recorder/internal/queue"
	"github.com/skypro1111/chunk-recorder/internal/store"
	"github.com/skypro1111/chunk-recorder/internal/summary"
)

// Summary row messages
const (
	DraftGenerating = "Generating summary…"
	MsgNoTranscript = "No transcript available"
	MsgBadJSON      = "Bad JSON from model. Please Retry."
	MsgEmptySummary = "Empty summary response"
)

func (p *Pipeline) handleTranscribe(ctx context.Context, job *queue.Job) error {
	var pl transcribePayload
	if err := job.Decode(&pl); err != nil {
		return err
	}
	key := store.ChunkKey(pl.SessionID, pl.Index)

	chunk, err := p.store.GetChunk(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return err
	}
	if err != nil {
		return queue.Retry(err)
	}
	if chunk.Status == store.ChunkDone {
		p.checkCompletion(ctx, pl.SessionID)
		return nil
	}

	path := chunk.FilePath
	var size int64
	if info, err := os.Stat(path); err == nil {
		size = info.Size()
	}
	if size <= audio.WAVHeaderSize {
		msg := fmt.Sprintf("File missing or too small: %s (%d)", path, size)
		if err := p.store.SetChunkError(ctx, key, msg); err != nil {
			return queue.Retry(err)
		}
		p.recorder.RecordTranscription(OutcomeFailure, 0)
		return errors.New(msg)
	}
	info, err := audio.ReadWAVInfo(path)
	if err != nil {
		msg := fmt.Sprintf("Unreadable chunk file: %v", err)
		if err := p.store.SetChunkError(ctx, key, msg); err != nil {
			return queue.Retry(err)
		}
		p.recorder.RecordTranscription(OutcomeFailure, 0)
		return errors.New(msg)
	}

	if job.Attempts <= 1 {
		if err := p.store.UpdateChunkStatus(ctx, key, store.ChunkUploading); err != nil {
			return queue.Retry(err)
		}
	}
	if err := p.store.UpdateChunkStatus(ctx, key, store.ChunkTranscribing); err != nil {
		return queue.Retry(err)
	}

	start := time.Now()
	text, err := p.transcriber.Transcribe(ctx, path)
	elapsed := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if apierr.IsRetryable(err) {
			p.recorder.RecordTranscription(OutcomeRetry, elapsed)
			p.logger.Warn("Transcription failed, will retry",
				slog.String("chunk", key),
				slog.Int("attempt", job.Attempts),
				slog.String("error", err.Error()))
			return queue.Retry(err)
		}

		p.recorder.RecordTranscription(OutcomeFailure, elapsed)
		if serr := p.store.SetChunkError(ctx, key, err.Error()); serr != nil {
			return queue.Retry(serr)
		}
		return err
	}

	if err := p.store.SetTranscriptDone(ctx, key, text); err != nil {
		return queue.Retry(err)
	}
	p.recorder.RecordTranscription(OutcomeSuccess, elapsed)
	p.logger.Info("Chunk transcribed",
		slog.String("chunk", key),
		slog.Int("chars", len(text)),
		slog.Float64("audio_seconds", info.Duration),
		slog.Duration("duration", elapsed))

	p.checkCompletion(ctx, pl.SessionID)
	return nil
}

func (p *Pipeline) handleSummary(ctx context.Context, job *queue.Job) error {
	var pl summaryPayload
	if err := job.Decode(&pl); err != nil {
		return err
	}
	sid := pl.SessionID

	notDone, err := p.store.NotDoneCount(ctx, sid)
	if err != nil {
		return queue.Retry(err)
	}
	if notDone > 0 {
		return queue.Retry(fmt.Errorf("%d chunks of %s are not transcribed yet", notDone, sid))
	}

	chunks, err := p.store.ChunksForSession(ctx, sid)
	if err != nil {
		return queue.Retry(err)
	}
	transcript, _ := joinTranscript(chunks)

	if _, err := p.store.EnsureSummary(ctx, sid); err != nil {
		return queue.Retry(err)
	}

	if transcript == "" {
		if err := p.store.SetSummaryError(ctx, sid, MsgNoTranscript); err != nil {
			return queue.Retry(err)
		}
		p.recorder.RecordSummary(OutcomeFailure, 0)
		return errors.New(MsgNoTranscript)
	}

	if err := p.store.SetSummaryDraft(ctx, sid, store.SummaryRunning, DraftGenerating); err != nil {
		return queue.Retry(err)
	}

	var (
		latest    string
		lastWrite time.Time
	)
	onDraft := func(draft string) {
		latest = draft
		if time.Since(lastWrite) < p.cfg.DraftThrottle {
			return
		}
		lastWrite = time.Now()
		if err := p.store.SetSummaryDraft(ctx, sid, store.SummaryRunning, draft); err != nil {
			p.logger.Warn("Failed to store summary draft",
				slog.String("session_id", sid),
				slog.String("error", err.Error()))
		}
	}

	start := time.Now()
	result, err := p.summarizer.Summarize(ctx, transcript, onDraft)
	elapsed := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return p.summaryFailed(ctx, sid, latest, elapsed, err)
	}

	err = p.store.SetSummaryStructured(ctx, sid, store.StructuredSummary{
		Title:       result.Title,
		Summary:     result.Summary,
		ActionItems: result.ActionItems,
		KeyPoints:   result.KeyPoints,
	})
	if err != nil {
		return queue.Retry(err)
	}

	p.recorder.RecordSummary(OutcomeSuccess, elapsed)
	p.logger.Info("Summary generated",
		slog.String("session_id", sid),
		slog.String("title", result.Title),
		slog.Duration("duration", elapsed))
	return nil
}

func (p *Pipeline) summaryFailed(ctx context.Context, sid, draft string, elapsed time.Duration, err error) error {
	var message string
	switch {
	case errors.Is(err, summary.ErrMalformed):
		message = MsgBadJSON
		// Keep the raw output for inspection
		if serr := p.store.SetSummaryDraft(ctx, sid, store.SummaryError, draft); serr != nil {
			return queue.Retry(serr)
		}
	case errors.Is(err, summary.ErrEmpty):
		message = MsgEmptySummary
	case apierr.IsRetryable(err):
		p.recorder.RecordSummary(OutcomeRetry, elapsed)
		p.logger.Warn("Summarization failed, will retry",
			slog.String("session_id", sid),
			slog.String("error", err.Error()))
		return queue.Retry(err)
	default:
		message = err.Error()
	}

	if serr := p.store.SetSummaryError(ctx, sid, message); serr != nil {
		return queue.Retry(serr)
	}
	p.recorder.RecordSummary(OutcomeFailure, elapsed)
	p.logger.Error("Summarization failed",
		slog.String("session_id", sid),
		slog.String("error", err.Error()))
	return err
}

// joinTranscript concatenates trimmed, non-blank chunk texts in index order
func joinTranscript(chunks []store.Chunk) (string, bool) {
	var b strings.Builder
	complete := len(chunks) > 0
	for _, c := range chunks {
		if c.Status != store.ChunkDone {
			complete = false
		}
		if c.TranscriptText == nil {
			continue
		}
		text := strings.TrimSpace(*c.TranscriptText)
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(text)
	}
	return b.String(), complete
}
