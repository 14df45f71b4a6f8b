package audio

import (
	"fmt"
	"io"
	"time"
)

// RingBuffer keeps the most recent PCM bytes of a capture run so that the
// next chunk can start with a copy of the previous chunk's tail.
// It is not safe for concurrent use; the Engine serializes access.
type RingBuffer struct {
	data     []byte
	writePos int // next write offset
	filled   int // valid bytes, at most len(data)
}

// BufferStats represents ring buffer statistics for monitoring
type BufferStats struct {
	Capacity int `json:"capacity_bytes"`
	Filled   int `json:"filled_bytes"`
}

// OverlapCapacity returns the ring size holding overlap worth of PCM, never below 1 byte
func OverlapCapacity(f Format, overlap time.Duration) int {
	n := int(f.BytesFor(overlap))
	if n < 1 {
		return 1
	}
	return n
}

// NewRingBuffer creates a ring buffer with the given capacity in bytes
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer{data: make([]byte, capacity)}
}

// Push appends p, overwriting the oldest bytes once the buffer is full
func (r *RingBuffer) Push(p []byte) {
	capacity := len(r.data)

	// Only the trailing capacity bytes of p can survive
	if len(p) >= capacity {
		copy(r.data, p[len(p)-capacity:])
		r.writePos = 0
		r.filled = capacity
		return
	}

	n := copy(r.data[r.writePos:], p)
	if n < len(p) {
		copy(r.data, p[n:])
	}
	r.writePos = (r.writePos + len(p)) % capacity

	r.filled += len(p)
	if r.filled > capacity {
		r.filled = capacity
	}
}

// DrainInto writes the buffered bytes to w in oldest-to-newest order.
// The buffer contents are left untouched.
func (r *RingBuffer) DrainInto(w io.Writer) (int, error) {
	if r.filled == 0 {
		return 0, nil
	}

	capacity := len(r.data)
	start := (r.writePos - r.filled + capacity) % capacity

	if start+r.filled <= capacity {
		n, err := w.Write(r.data[start : start+r.filled])
		if err != nil {
			return n, fmt.Errorf("failed to drain overlap: %w", err)
		}
		return n, nil
	}

	first := capacity - start
	n, err := w.Write(r.data[start:])
	if err != nil {
		return n, fmt.Errorf("failed to drain overlap: %w", err)
	}
	m, err := w.Write(r.data[:r.filled-first])
	if err != nil {
		return n + m, fmt.Errorf("failed to drain overlap: %w", err)
	}
	return n + m, nil
}

// Bytes returns a copy of the buffered bytes, oldest first
func (r *RingBuffer) Bytes() []byte {
	out := &sliceWriter{buf: make([]byte, 0, r.filled)}
	r.DrainInto(out)
	return out.buf
}

// Len returns the number of valid bytes
func (r *RingBuffer) Len() int {
	return r.filled
}

// Cap returns the buffer capacity in bytes
func (r *RingBuffer) Cap() int {
	return len(r.data)
}

// Reset discards all buffered bytes
func (r *RingBuffer) Reset() {
	r.writePos = 0
	r.filled = 0
}

// GetStats returns buffer statistics
func (r *RingBuffer) GetStats() BufferStats {
	return BufferStats{Capacity: len(r.data), Filled: r.filled}
}

type sliceWriter struct {
	buf []byte
}

func (s *sliceWriter) Write(p []byte) (int, error) {
	s.buf = append(s.buf, p...)
	return len(p), nil
}
