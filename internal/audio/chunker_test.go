package audio

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readLE32(t *testing.T, data []byte, offset int) uint32 {
	t.Helper()
	require.GreaterOrEqual(t, len(data), offset+4)
	return binary.LittleEndian.Uint32(data[offset:])
}

func TestChunkBudget(t *testing.T) {
	budget := ChunkBudget(DefaultFormat, 2000*time.Millisecond, 30*time.Second)
	assert.Equal(t, int64(32*44100*2), budget)
}

func TestChunkWriterPatchesHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chunk_000.wav")

	w, err := CreateChunkWriter(path, DefaultFormat, 1<<20)
	require.NoError(t, err)

	payload := make([]byte, 10000)
	for i := range payload {
		payload[i] = byte(i)
	}
	n, err := w.Write(payload)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)

	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, data, WAVHeaderSize+len(payload))

	assert.Equal(t, uint32(36+len(payload)), readLE32(t, data, 4))
	assert.Equal(t, uint32(len(payload)), readLE32(t, data, 40))
	assert.Equal(t, payload, data[WAVHeaderSize:])

	info, err := GetWAVInfo(data)
	require.NoError(t, err)
	assert.Equal(t, uint32(44100), info.SampleRate)
	assert.Equal(t, uint16(1), info.Channels)
	assert.Equal(t, uint32(len(payload)), info.DataSize)
}

func TestChunkWriterZeroLength(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chunk_000.wav")

	w, err := CreateChunkWriter(path, DefaultFormat, 100)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, data, WAVHeaderSize)
	assert.Equal(t, uint32(36), readLE32(t, data, 4))
	assert.Equal(t, uint32(0), readLE32(t, data, 40))
	assert.NoError(t, ValidateWAV(data))
}

func TestChunkWriterBudget(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chunk_000.wav")

	w, err := CreateChunkWriter(path, DefaultFormat, 10)
	require.NoError(t, err)

	n, err := w.Write(make([]byte, 6))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.False(t, w.Exhausted())

	n, err = w.Write(make([]byte, 6))
	assert.ErrorIs(t, err, ErrChunkFull)
	assert.Equal(t, 4, n)
	assert.True(t, w.Exhausted())
	assert.Equal(t, int64(0), w.Remaining())

	n, err = w.Write([]byte{1})
	assert.ErrorIs(t, err, ErrChunkFull)
	assert.Equal(t, 0, n)

	require.NoError(t, w.Close())
	assert.Equal(t, int64(10), w.DataSize())
}

func TestChunkWriterCloseIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chunk_000.wav")

	w, err := CreateChunkWriter(path, DefaultFormat, 100)
	require.NoError(t, err)
	_, err = w.Write(make([]byte, 20))
	require.NoError(t, err)

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	assert.True(t, w.Closed())

	_, err = w.Write([]byte{1, 2})
	assert.Error(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, uint32(20), readLE32(t, data, 40))
}

func TestCreateChunkWriterMissingDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "chunk_000.wav")
	_, err := CreateChunkWriter(path, DefaultFormat, 100)
	assert.Error(t, err)
}
