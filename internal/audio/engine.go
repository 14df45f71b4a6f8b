package audio

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrCaptureFailed is returned when the capture stream cannot be opened or read
	ErrCaptureFailed = errors.New("audio capture failed")

	// ErrNoSession is returned when chunk operations run outside a session
	ErrNoSession = errors.New("no active recording session")

	// ErrSessionActive is returned when a session is begun twice
	ErrSessionActive = errors.New("recording session already active")
)

const defaultReadBufferSize = 4096

// EngineState represents whether the engine is reading from the capture stream
type EngineState int

const (
	EngineIdle EngineState = iota
	EngineCapturing
)

// String returns the string representation of the engine state
func (s EngineState) String() string {
	switch s {
	case EngineIdle:
		return "idle"
	case EngineCapturing:
		return "capturing"
	default:
		return "unknown"
	}
}

// ChunkRef identifies one chunk file of a session
type ChunkRef struct {
	SessionID string `json:"session_id"`
	Index     int    `json:"index"`
	Path      string `json:"path"`
}

// EngineConfig contains capture and chunking parameters
type EngineConfig struct {
	Format         Format
	Overlap        time.Duration
	ChunkDuration  time.Duration
	ReadBufferSize int
}

// EngineStats represents engine statistics for monitoring
type EngineStats struct {
	State        string `json:"state"`
	SessionID    string `json:"session_id,omitempty"`
	ChunksOpened int    `json:"chunks_opened"`
	BytesRead    uint64 `json:"bytes_read"`
	Amplitude    int    `json:"amplitude"`
	Overlap      BufferStats
}

// Engine reads PCM from a Source, keeps the overlap ring filled and streams
// every buffer into the current chunk writer.
type Engine struct {
	config EngineConfig
	files  *FileManager
	source Source
	logger *slog.Logger

	onFailure     func(error)
	onChunkClosed func(ref ChunkRef, dataBytes int64)

	// Capture lifecycle
	mu       sync.Mutex
	state    EngineState
	stream   io.ReadCloser
	stopCh   chan struct{}
	loopDone chan struct{}

	// Ring, writer and session bookkeeping
	sinkMu     sync.Mutex
	ring       *RingBuffer
	writer     *ChunkWriter
	sessionID  string
	nextIndex  int
	current    *ChunkRef
	chunks     []ChunkRef
	writeFault bool

	amplitude atomic.Int64
	bytesRead atomic.Uint64
}

// NewEngine creates a capture engine writing chunk files through files
func NewEngine(config EngineConfig, files *FileManager, source Source, logger *slog.Logger) *Engine {
	if config.ReadBufferSize <= 0 {
		config.ReadBufferSize = defaultReadBufferSize
	}
	if config.Format.SampleRate == 0 {
		config.Format = DefaultFormat
	}
	return &Engine{
		config: config,
		files:  files,
		source: source,
		logger: logger,
		state:  EngineIdle,
	}
}

// OnFailure registers a callback invoked when the capture stream fails mid-run
func (e *Engine) OnFailure(fn func(error)) {
	e.onFailure = fn
}

// OnChunkClosed registers a callback invoked after a chunk header is patched
func (e *Engine) OnChunkClosed(fn func(ref ChunkRef, dataBytes int64)) {
	e.onChunkClosed = fn
}

// BeginSession allocates a new session id and its directory
func (e *Engine) BeginSession() (string, error) {
	e.sinkMu.Lock()
	defer e.sinkMu.Unlock()

	if e.sessionID != "" {
		return "", ErrSessionActive
	}

	id := e.files.NewSessionID()
	if _, err := e.files.SessionDir(id); err != nil {
		return "", err
	}

	e.sessionID = id
	e.ring = NewRingBuffer(OverlapCapacity(e.config.Format, e.config.Overlap))
	e.nextIndex = 0
	e.current = nil
	e.chunks = nil

	e.logger.Info("Recording session started", slog.String("session_id", id))
	return id, nil
}

// EndSession forgets the current session, optionally finalizing it first
func (e *Engine) EndSession(finalize bool) {
	if finalize {
		if _, err := e.Finalize(); err != nil {
			e.logger.Warn("Failed to finalize session", slog.String("error", err.Error()))
		}
	}

	e.sinkMu.Lock()
	defer e.sinkMu.Unlock()

	if e.writer != nil && !e.writer.Closed() {
		e.closeWriterLocked()
	}
	if e.sessionID != "" {
		e.logger.Info("Recording session ended",
			slog.String("session_id", e.sessionID),
			slog.Int("chunks", len(e.chunks)),
		)
	}
	e.sessionID = ""
	e.writer = nil
	e.current = nil
	e.chunks = nil
	e.nextIndex = 0
	if e.ring != nil {
		e.ring.Reset()
	}
}

// StartContinuousCapture opens the capture stream and starts the read loop.
// On failure the engine stays idle.
func (e *Engine) StartContinuousCapture() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == EngineCapturing {
		return nil
	}

	e.sinkMu.Lock()
	if e.ring == nil {
		e.ring = NewRingBuffer(OverlapCapacity(e.config.Format, e.config.Overlap))
	}
	e.sinkMu.Unlock()

	stream, err := e.source.Open(e.config.Format)
	if err != nil {
		if errors.Is(err, ErrCaptureFailed) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrCaptureFailed, err)
	}

	e.stream = stream
	e.stopCh = make(chan struct{})
	e.loopDone = make(chan struct{})
	e.state = EngineCapturing

	go e.readLoop(stream, e.stopCh, e.loopDone)

	e.logger.Debug("Capture started",
		slog.Int("sample_rate", e.config.Format.SampleRate),
		slog.Int("channels", e.config.Format.Channels),
	)
	return nil
}

// StartNewChunk closes the current chunk, opens the next one and seeds it with
// the overlap ring. It returns the chunk that was current before the call.
func (e *Engine) StartNewChunk() (*ChunkRef, error) {
	e.sinkMu.Lock()
	defer e.sinkMu.Unlock()

	if e.sessionID == "" {
		return nil, ErrNoSession
	}

	var prev *ChunkRef
	if e.current != nil {
		ref := *e.current
		prev = &ref
	}

	if e.writer != nil && !e.writer.Closed() {
		e.closeWriterLocked()
	}
	e.writer = nil

	index := e.nextIndex
	path, err := e.files.ChunkPath(e.sessionID, index)
	if err != nil {
		return prev, err
	}

	budget := ChunkBudget(e.config.Format, e.config.Overlap, e.config.ChunkDuration)
	w, err := CreateChunkWriter(path, e.config.Format, budget)
	if err != nil {
		return prev, err
	}

	if _, err := e.ring.DrainInto(w); err != nil && !errors.Is(err, ErrChunkFull) {
		w.Close()
		return prev, err
	}

	e.writer = w
	e.writeFault = false
	ref := ChunkRef{SessionID: e.sessionID, Index: index, Path: path}
	e.current = &ref
	e.chunks = append(e.chunks, ref)
	e.nextIndex++

	e.logger.Debug("Chunk opened",
		slog.String("session_id", e.sessionID),
		slog.Int("index", index),
		slog.Int("overlap_bytes", e.ring.Len()),
	)
	return prev, nil
}

// Pause stops the capture stream; the current chunk stays open
func (e *Engine) Pause() {
	e.stopCapture()
}

// Resume reopens the capture stream
func (e *Engine) Resume() error {
	return e.StartContinuousCapture()
}

// Finalize stops capture and closes the current chunk writer.
// It returns the last chunk of the session, if any.
func (e *Engine) Finalize() (*ChunkRef, error) {
	e.stopCapture()

	e.sinkMu.Lock()
	defer e.sinkMu.Unlock()

	var err error
	if e.writer != nil && !e.writer.Closed() {
		err = e.closeWriterLocked()
	}
	e.writer = nil

	if e.current == nil {
		return nil, err
	}
	ref := *e.current
	return &ref, err
}

// Abort is Finalize for failure paths: errors are logged, not returned
func (e *Engine) Abort() *ChunkRef {
	ref, err := e.Finalize()
	if err != nil {
		e.logger.Warn("Best-effort chunk close failed", slog.String("error", err.Error()))
	}
	return ref
}

// State returns the capture state
func (e *Engine) State() EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// SessionID returns the active session id, or "" outside a session
func (e *Engine) SessionID() string {
	e.sinkMu.Lock()
	defer e.sinkMu.Unlock()
	return e.sessionID
}

// CurrentChunk returns the chunk currently being written
func (e *Engine) CurrentChunk() *ChunkRef {
	e.sinkMu.Lock()
	defer e.sinkMu.Unlock()
	if e.current == nil {
		return nil
	}
	ref := *e.current
	return &ref
}

// Chunks returns all chunks opened in the session, in index order
func (e *Engine) Chunks() []ChunkRef {
	e.sinkMu.Lock()
	defer e.sinkMu.Unlock()
	out := make([]ChunkRef, len(e.chunks))
	copy(out, e.chunks)
	return out
}

// CurrentFileSize returns header plus payload bytes of the open chunk
func (e *Engine) CurrentFileSize() int64 {
	e.sinkMu.Lock()
	defer e.sinkMu.Unlock()
	if e.writer == nil {
		return 0
	}
	return WAVHeaderSize + e.writer.Written()
}

// Amplitude returns the peak absolute sample of the most recent read buffer
func (e *Engine) Amplitude() int {
	return int(e.amplitude.Load())
}

// GetStats returns engine statistics
func (e *Engine) GetStats() EngineStats {
	state := e.State()

	e.sinkMu.Lock()
	defer e.sinkMu.Unlock()

	stats := EngineStats{
		State:        state.String(),
		SessionID:    e.sessionID,
		ChunksOpened: len(e.chunks),
		BytesRead:    e.bytesRead.Load(),
		Amplitude:    e.Amplitude(),
	}
	if e.ring != nil {
		stats.Overlap = e.ring.GetStats()
	}
	return stats
}

func (e *Engine) stopCapture() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stream == nil {
		e.state = EngineIdle
		return
	}

	close(e.stopCh)
	if err := e.stream.Close(); err != nil {
		e.logger.Debug("Capture stream close failed", slog.String("error", err.Error()))
	}
	<-e.loopDone

	e.stream = nil
	e.state = EngineIdle
	e.amplitude.Store(0)
}

func (e *Engine) readLoop(stream io.Reader, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	buf := make([]byte, e.config.ReadBufferSize)
	for {
		select {
		case <-stop:
			return
		default:
		}

		n, err := stream.Read(buf)
		if n > 0 {
			e.amplitude.Store(int64(PeakAmplitude(buf[:n])))
			e.bytesRead.Add(uint64(n))
			e.feed(buf[:n])
		}

		if err != nil {
			select {
			case <-stop:
				return
			default:
			}

			e.logger.Error("Capture stream failed", slog.String("error", err.Error()))
			if e.onFailure != nil {
				go e.onFailure(fmt.Errorf("%w: %v", ErrCaptureFailed, err))
			}
			return
		}
	}
}

func (e *Engine) feed(p []byte) {
	e.sinkMu.Lock()
	defer e.sinkMu.Unlock()

	e.ring.Push(p)

	if e.writer == nil || e.writer.Closed() {
		return
	}

	if _, err := e.writer.Write(p); err != nil && !errors.Is(err, ErrChunkFull) && !e.writeFault {
		e.writeFault = true
		e.logger.Error("Chunk write failed",
			slog.String("path", e.writer.Path()),
			slog.String("error", err.Error()),
		)
	}

	if e.writer.Exhausted() {
		e.closeWriterLocked()
	}
}

func (e *Engine) closeWriterLocked() error {
	w := e.writer
	err := w.Close()
	if err != nil {
		e.logger.Error("Failed to close chunk",
			slog.String("path", w.Path()),
			slog.String("error", err.Error()),
		)
	}

	if e.current != nil {
		e.logger.Debug("Chunk closed",
			slog.String("path", w.Path()),
			slog.Int64("data_bytes", w.DataSize()),
		)
		if e.onChunkClosed != nil {
			e.onChunkClosed(*e.current, w.DataSize())
		}
	}
	return err
}
