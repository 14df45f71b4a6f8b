package audio

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource hands out streams that read whatever the test feeds
type fakeSource struct {
	mu      sync.Mutex
	feed    chan []byte
	openErr error
	opens   int
	streams []*fakeStream
}

func newFakeSource() *fakeSource {
	return &fakeSource{feed: make(chan []byte, 1024)}
}

func (s *fakeSource) Open(Format) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opens++
	if s.openErr != nil {
		return nil, s.openErr
	}
	st := &fakeStream{feed: s.feed, done: make(chan struct{}), fail: make(chan error, 1)}
	s.streams = append(s.streams, st)
	return st, nil
}

func (s *fakeSource) lastStream() *fakeStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams[len(s.streams)-1]
}

type fakeStream struct {
	feed chan []byte
	done chan struct{}
	fail chan error
	once sync.Once
}

func (f *fakeStream) Read(p []byte) (int, error) {
	select {
	case b := <-f.feed:
		return copy(p, b), nil
	case err := <-f.fail:
		return 0, err
	case <-f.done:
		return 0, io.EOF
	}
}

func (f *fakeStream) Close() error {
	f.once.Do(func() { close(f.done) })
	return nil
}

// pattern returns n deterministic bytes starting at stream offset off
func pattern(off, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		v := off + i
		out[i] = byte(v*7 + v>>8)
	}
	return out
}

func feedBytes(src *fakeSource, off, n int) int {
	for n > 0 {
		step := 4096
		if n < step {
			step = n
		}
		src.feed <- pattern(off, step)
		off += step
		n -= step
	}
	return off
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, src Source, chunk time.Duration) *Engine {
	t.Helper()
	cfg := EngineConfig{
		Format:        DefaultFormat,
		Overlap:       2000 * time.Millisecond,
		ChunkDuration: chunk,
	}
	return NewEngine(cfg, NewFileManager(t.TempDir()), src, testLogger())
}

func waitForBytes(t *testing.T, e *Engine, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return e.GetStats().BytesRead >= uint64(n)
	}, 5*time.Second, 5*time.Millisecond)
}

func readPayload(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(data), WAVHeaderSize)
	return data[WAVHeaderSize:]
}

func TestEngineOverlapBetweenChunks(t *testing.T) {
	src := newFakeSource()
	e := newTestEngine(t, src, 30*time.Second)

	sid, err := e.BeginSession()
	require.NoError(t, err)
	require.NoError(t, e.StartContinuousCapture())
	assert.Equal(t, EngineCapturing, e.State())

	prev, err := e.StartNewChunk()
	require.NoError(t, err)
	assert.Nil(t, prev)

	off := feedBytes(src, 0, 300000)
	waitForBytes(t, e, off)

	prev, err = e.StartNewChunk()
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, 0, prev.Index)
	assert.Equal(t, sid, prev.SessionID)

	off2 := feedBytes(src, off, 50000)
	waitForBytes(t, e, off2)

	last, err := e.Finalize()
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, 1, last.Index)
	assert.Equal(t, EngineIdle, e.State())

	first := readPayload(t, prev.Path)
	second := readPayload(t, last.Path)

	overlap := 176400
	require.Len(t, first, 300000)
	require.Len(t, second, overlap+50000)
	assert.True(t, bytes.Equal(first[len(first)-overlap:], second[:overlap]))
	assert.True(t, bytes.Equal(pattern(off, 50000), second[overlap:]))

	chunks := e.Chunks()
	require.Len(t, chunks, 2)
	assert.Equal(t, "chunk_000.wav", filepath.Base(chunks[0].Path))
	assert.Equal(t, "chunk_001.wav", filepath.Base(chunks[1].Path))
}

func TestEngineBudgetClosesChunk(t *testing.T) {
	src := newFakeSource()
	// 10ms chunk + 2s overlap budget = 2.01s of audio
	e := newTestEngine(t, src, 10*time.Millisecond)
	budget := int(ChunkBudget(DefaultFormat, 2000*time.Millisecond, 10*time.Millisecond))

	var closedMu sync.Mutex
	var closed []int64
	e.OnChunkClosed(func(ref ChunkRef, n int64) {
		closedMu.Lock()
		closed = append(closed, n)
		closedMu.Unlock()
	})

	_, err := e.BeginSession()
	require.NoError(t, err)
	require.NoError(t, e.StartContinuousCapture())
	_, err = e.StartNewChunk()
	require.NoError(t, err)

	off := feedBytes(src, 0, budget+10000)
	waitForBytes(t, e, off)

	closedMu.Lock()
	assert.Equal(t, []int64{int64(budget)}, closed)
	closedMu.Unlock()

	last, err := e.Finalize()
	require.NoError(t, err)
	assert.Len(t, readPayload(t, last.Path), budget)
}

func TestEnginePauseResumeKeepsChunkOpen(t *testing.T) {
	src := newFakeSource()
	e := newTestEngine(t, src, 30*time.Second)

	_, err := e.BeginSession()
	require.NoError(t, err)
	require.NoError(t, e.StartContinuousCapture())
	_, err = e.StartNewChunk()
	require.NoError(t, err)

	off := feedBytes(src, 0, 8192)
	waitForBytes(t, e, off)

	e.Pause()
	assert.Equal(t, EngineIdle, e.State())

	require.NoError(t, e.Resume())
	assert.Equal(t, EngineCapturing, e.State())
	assert.Equal(t, 2, src.opens)

	off = feedBytes(src, off, 4096)
	waitForBytes(t, e, off)

	last, err := e.Finalize()
	require.NoError(t, err)
	assert.Equal(t, 0, last.Index)
	assert.Equal(t, pattern(0, off), readPayload(t, last.Path))
}

func TestEngineOpenFailureStaysIdle(t *testing.T) {
	src := newFakeSource()
	src.openErr = errors.New("device busy")
	e := newTestEngine(t, src, 30*time.Second)

	err := e.StartContinuousCapture()
	assert.ErrorIs(t, err, ErrCaptureFailed)
	assert.Equal(t, EngineIdle, e.State())
}

func TestEngineReadFailureNotifies(t *testing.T) {
	src := newFakeSource()
	e := newTestEngine(t, src, 30*time.Second)

	failed := make(chan error, 1)
	e.OnFailure(func(err error) { failed <- err })

	_, err := e.BeginSession()
	require.NoError(t, err)
	require.NoError(t, e.StartContinuousCapture())

	src.lastStream().fail <- errors.New("device removed")

	select {
	case err := <-failed:
		assert.ErrorIs(t, err, ErrCaptureFailed)
	case <-time.After(5 * time.Second):
		t.Fatal("failure callback not invoked")
	}

	e.Abort()
	assert.Equal(t, EngineIdle, e.State())
}

func TestEngineSessionGuards(t *testing.T) {
	e := newTestEngine(t, newFakeSource(), 30*time.Second)

	_, err := e.StartNewChunk()
	assert.ErrorIs(t, err, ErrNoSession)

	_, err = e.BeginSession()
	require.NoError(t, err)
	_, err = e.BeginSession()
	assert.ErrorIs(t, err, ErrSessionActive)

	e.EndSession(true)
	assert.Equal(t, "", e.SessionID())
	assert.Nil(t, e.CurrentChunk())

	_, err = e.BeginSession()
	assert.NoError(t, err)
}

func TestEngineContiguousIndices(t *testing.T) {
	src := newFakeSource()
	e := newTestEngine(t, src, 30*time.Second)

	sid, err := e.BeginSession()
	require.NoError(t, err)
	require.NoError(t, e.StartContinuousCapture())

	var handed []int
	for i := 0; i < 5; i++ {
		prev, err := e.StartNewChunk()
		require.NoError(t, err)
		if prev != nil {
			handed = append(handed, prev.Index)
		}
	}
	last, err := e.Finalize()
	require.NoError(t, err)
	handed = append(handed, last.Index)

	assert.Equal(t, []int{0, 1, 2, 3, 4}, handed)
	for _, ref := range e.Chunks() {
		assert.Equal(t, sid, SessionIDFromPath(ref.Path))
		idx, ok := IndexFromPath(ref.Path)
		assert.True(t, ok)
		assert.Equal(t, ref.Index, idx)
	}
}
