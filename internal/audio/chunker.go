package audio

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// ErrChunkFull is returned by ChunkWriter.Write when the byte budget truncated the write
var ErrChunkFull = errors.New("chunk byte budget exhausted")

// ChunkBudget returns the maximum PCM payload of one chunk file: the overlap
// prefix plus one nominal chunk duration.
func ChunkBudget(f Format, overlap, chunkDuration time.Duration) int64 {
	return f.BytesFor(overlap + chunkDuration)
}

// ChunkWriter streams PCM into a WAV file whose header sizes are patched on Close
type ChunkWriter struct {
	path      string
	file      *os.File
	w         *bufio.Writer
	remaining int64
	written   int64
	closed    bool
	dataSize  int64
}

// CreateChunkWriter creates path, writes a placeholder header and returns a
// writer accepting at most budget PCM bytes.
func CreateChunkWriter(path string, f Format, budget int64) (*ChunkWriter, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create chunk file %s: %w", path, err)
	}

	w := bufio.NewWriterSize(file, 64*1024)
	if err := WriteHeader(w, NewWAVHeader(f, 0)); err != nil {
		file.Close()
		return nil, err
	}

	if budget < 0 {
		budget = 0
	}

	return &ChunkWriter{
		path:      path,
		file:      file,
		w:         w,
		remaining: budget,
	}, nil
}

// Write appends PCM bytes up to the remaining budget
func (c *ChunkWriter) Write(p []byte) (int, error) {
	if c.closed {
		return 0, fmt.Errorf("chunk %s: write after close", c.path)
	}

	n := int64(len(p))
	if n > c.remaining {
		n = c.remaining
	}

	if n > 0 {
		written, err := c.w.Write(p[:n])
		c.written += int64(written)
		c.remaining -= int64(written)
		if err != nil {
			return written, fmt.Errorf("failed to write chunk %s: %w", c.path, err)
		}
	}

	if int(n) < len(p) {
		return int(n), ErrChunkFull
	}
	return int(n), nil
}

// Remaining returns how many more PCM bytes the writer accepts
func (c *ChunkWriter) Remaining() int64 {
	return c.remaining
}

// Exhausted reports whether the budget has been fully consumed
func (c *ChunkWriter) Exhausted() bool {
	return c.remaining <= 0
}

// Written returns the number of PCM bytes accepted so far
func (c *ChunkWriter) Written() int64 {
	return c.written
}

// Path returns the chunk file path
func (c *ChunkWriter) Path() string {
	return c.path
}

// Closed reports whether Close has run
func (c *ChunkWriter) Closed() bool {
	return c.closed
}

// DataSize returns the payload size recorded in the patched header
func (c *ChunkWriter) DataSize() int64 {
	return c.dataSize
}

// Close flushes the stream, derives the payload size from the file position
// and patches the RIFF and data lengths. Subsequent calls are no-ops.
func (c *ChunkWriter) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true

	flushErr := c.w.Flush()

	var size int64
	pos, seekErr := c.file.Seek(0, io.SeekCurrent)
	if seekErr == nil {
		size = pos
	} else if info, statErr := c.file.Stat(); statErr == nil {
		size = info.Size()
	}

	closeErr := c.file.Close()

	data := size - WAVHeaderSize
	if data < 0 {
		data = 0
	}
	c.dataSize = data

	patchErr := patchSizes(c.path, data)

	switch {
	case flushErr != nil:
		return fmt.Errorf("failed to flush chunk %s: %w", c.path, flushErr)
	case closeErr != nil:
		return fmt.Errorf("failed to close chunk %s: %w", c.path, closeErr)
	case patchErr != nil:
		return patchErr
	}
	return nil
}

// patchSizes rewrites the two length fields of a WAV header in place
func patchSizes(path string, data int64) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("failed to reopen chunk %s: %w", path, err)
	}
	defer f.Close()

	var field [4]byte

	binary.LittleEndian.PutUint32(field[:], uint32(36+data))
	if _, err := f.WriteAt(field[:], riffSizeOffset); err != nil {
		return fmt.Errorf("failed to patch RIFF size of %s: %w", path, err)
	}

	binary.LittleEndian.PutUint32(field[:], uint32(data))
	if _, err := f.WriteAt(field[:], dataSizeOffset); err != nil {
		return fmt.Errorf("failed to patch data size of %s: %w", path, err)
	}

	return nil
}
