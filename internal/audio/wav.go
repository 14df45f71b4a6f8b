package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"
)

const (
	// WAVHeaderSize is the size of the canonical PCM RIFF/WAVE header
	WAVHeaderSize = 44

	// BitsPerSample is the only supported sample width
	BitsPerSample = 16

	// BytesPerSample is BitsPerSample expressed in bytes
	BytesPerSample = BitsPerSample / 8

	riffSizeOffset = 4
	dataSizeOffset = 40
)

// Format describes the PCM stream produced by a capture source
type Format struct {
	SampleRate int // samples per second
	Channels   int // interleaved channels
}

// DefaultFormat is mono 16-bit PCM at 44.1 kHz
var DefaultFormat = Format{SampleRate: 44100, Channels: 1}

// Validate checks that the format can be encoded into a WAV header
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", f.SampleRate)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("channels must be positive, got %d", f.Channels)
	}
	return nil
}

// BytesFor returns the number of PCM bytes covering the given duration
func (f Format) BytesFor(d time.Duration) int64 {
	ms := d.Milliseconds()
	return ms * int64(f.SampleRate) * BytesPerSample * int64(f.Channels) / 1000
}

// ByteRate returns the number of PCM bytes per second
func (f Format) ByteRate() int64 {
	return int64(f.SampleRate) * BytesPerSample * int64(f.Channels)
}

// WAVHeader represents the header structure of a WAV file
type WAVHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // File size - 8 bytes
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16  // Number of channels
	SampleRate    uint32  // Sample rate
	ByteRate      uint32  // SampleRate * NumChannels * BitsPerSample / 8
	BlockAlign    uint16  // NumChannels * BitsPerSample / 8
	BitsPerSample uint16  // Bits per sample
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // Number of bytes in the data
}

// NewWAVHeader builds a PCM header for the given format and data length
func NewWAVHeader(f Format, dataSize uint32) WAVHeader {
	channels := uint16(f.Channels)
	return WAVHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   channels,
		SampleRate:    uint32(f.SampleRate),
		ByteRate:      uint32(f.SampleRate) * uint32(channels) * BitsPerSample / 8,
		BlockAlign:    channels * BitsPerSample / 8,
		BitsPerSample: BitsPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}
}

// WriteHeader encodes the header to w in little-endian order
func WriteHeader(w io.Writer, h WAVHeader) error {
	if err := binary.Write(w, binary.LittleEndian, h); err != nil {
		return fmt.Errorf("failed to write WAV header: %w", err)
	}
	return nil
}

// EncodeWAV wraps raw PCM bytes into a complete WAV file
func EncodeWAV(pcm []byte, f Format) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	buf := bytes.NewBuffer(make([]byte, 0, WAVHeaderSize+len(pcm)))
	if err := WriteHeader(buf, NewWAVHeader(f, uint32(len(pcm)))); err != nil {
		return nil, err
	}
	buf.Write(pcm)

	return buf.Bytes(), nil
}

// ValidateWAV validates a WAV file format without decoding the entire audio data
func ValidateWAV(data []byte) error {
	if len(data) < WAVHeaderSize {
		return fmt.Errorf("WAV data too short: need at least %d bytes, got %d", WAVHeaderSize, len(data))
	}

	if string(data[0:4]) != "RIFF" {
		return fmt.Errorf("invalid WAV file: missing RIFF header")
	}

	if string(data[8:12]) != "WAVE" {
		return fmt.Errorf("invalid WAV file: missing WAVE format")
	}

	if string(data[12:16]) != "fmt " {
		return fmt.Errorf("invalid WAV file: missing fmt chunk")
	}

	if string(data[36:40]) != "data" {
		return fmt.Errorf("invalid WAV file: missing data chunk")
	}

	return nil
}

// WAVInfo holds basic information about a WAV file
type WAVInfo struct {
	SampleRate    uint32  `json:"sample_rate"`
	Channels      uint16  `json:"channels"`
	BitsPerSample uint16  `json:"bits_per_sample"`
	Duration      float64 `json:"duration_seconds"`
	RIFFSize      uint32  `json:"riff_size_bytes"`
	DataSize      uint32  `json:"data_size_bytes"`
	NumSamples    uint32  `json:"num_samples"`
}

// GetWAVInfo extracts metadata from the header of a WAV file
func GetWAVInfo(data []byte) (*WAVInfo, error) {
	if err := ValidateWAV(data); err != nil {
		return nil, err
	}

	var header WAVHeader
	if err := binary.Read(bytes.NewReader(data[:WAVHeaderSize]), binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to read WAV header: %w", err)
	}

	if header.SampleRate == 0 || header.NumChannels == 0 || header.BitsPerSample == 0 {
		return nil, fmt.Errorf("invalid WAV header: zero rate, channels or sample width")
	}

	frameSize := uint32(header.NumChannels) * uint32(header.BitsPerSample) / 8
	numSamples := header.Subchunk2Size / frameSize

	return &WAVInfo{
		SampleRate:    header.SampleRate,
		Channels:      header.NumChannels,
		BitsPerSample: header.BitsPerSample,
		Duration:      float64(numSamples) / float64(header.SampleRate),
		RIFFSize:      header.ChunkSize,
		DataSize:      header.Subchunk2Size,
		NumSamples:    numSamples,
	}, nil
}

// ReadWAVInfo reads the header of the WAV file at path
func ReadWAVInfo(path string) (*WAVInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	header := make([]byte, WAVHeaderSize)
	if _, err := io.ReadFull(f, header); err != nil {
		return nil, fmt.Errorf("failed to read WAV header from %s: %w", path, err)
	}

	return GetWAVInfo(header)
}

// PeakAmplitude returns the largest absolute 16-bit little-endian sample in pcm
func PeakAmplitude(pcm []byte) int {
	peak := 0
	for i := 0; i+1 < len(pcm); i += 2 {
		v := int(int16(binary.LittleEndian.Uint16(pcm[i:])))
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	}
	return peak
}
