package transcription

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/skypro1111/chunk-recorder/internal/apierr"
	"github.com/skypro1111/chunk-recorder/internal/audio"
)

const op = "transcribe"

// Transcriber turns one WAV chunk file into text
type Transcriber interface {
	Transcribe(ctx context.Context, path string) (string, error)
}

// ClientStats represents client statistics
type ClientStats struct {
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ActiveRequests  int           `json:"active_requests"`
}

// limiter bounds concurrent requests and keeps request statistics
type limiter struct {
	semaphore chan struct{}

	mu              sync.RWMutex
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	avgResponseTime time.Duration
}

func newLimiter(maxConcurrent int) *limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	return &limiter{semaphore: make(chan struct{}, maxConcurrent)}
}

// do runs fn while holding a semaphore slot and records the outcome
func (l *limiter) do(ctx context.Context, fn func() (string, error)) (string, error) {
	select {
	case l.semaphore <- struct{}{}:
		defer func() { <-l.semaphore }()
	case <-ctx.Done():
		return "", ctx.Err()
	}

	start := time.Now()
	l.mu.Lock()
	l.totalRequests++
	l.mu.Unlock()

	text, err := fn()

	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil {
		l.failedRequests++
		return "", err
	}
	l.successRequests++
	// Running average over successful requests
	elapsed := time.Since(start)
	if l.successRequests == 1 {
		l.avgResponseTime = elapsed
	} else {
		l.avgResponseTime = (l.avgResponseTime*time.Duration(l.successRequests-1) + elapsed) / time.Duration(l.successRequests)
	}
	return text, nil
}

func (l *limiter) stats() ClientStats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s := ClientStats{
		TotalRequests:   l.totalRequests,
		SuccessRequests: l.successRequests,
		FailedRequests:  l.failedRequests,
		AvgResponseTime: l.avgResponseTime,
		ActiveRequests:  len(l.semaphore),
	}
	if l.totalRequests > 0 {
		s.SuccessRate = float64(l.successRequests) / float64(l.totalRequests)
	}
	return s
}

// checkChunkFile rejects files that cannot hold any audio
func checkChunkFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return apierr.Fatal(op, fmt.Errorf("chunk file unavailable: %w", err))
	}
	if info.Size() <= audio.WAVHeaderSize {
		return apierr.Fatal(op, fmt.Errorf("chunk file %s has no audio data", path))
	}
	return nil
}
