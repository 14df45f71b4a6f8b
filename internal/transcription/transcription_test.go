package transcription

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skypro1111/chunk-recorder/internal/apierr"
	"github.com/skypro1111/chunk-recorder/internal/audio"
)

func writeChunk(t *testing.T, samples int) string {
	t.Helper()
	data, err := audio.EncodeWAV(make([]byte, samples*audio.BytesPerSample), audio.DefaultFormat)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "chunk_000.wav")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestHTTPClientTranscribe(t *testing.T) {
	path := writeChunk(t, 4410)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		require.NoError(t, r.ParseMultipartForm(10<<20))
		assert.Equal(t, "whisper-1", r.FormValue("model"))
		assert.Equal(t, "json", r.FormValue("response_format"))

		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		assert.Equal(t, "chunk_000.wav", header.Filename)

		data, err := io.ReadAll(file)
		require.NoError(t, err)
		assert.NoError(t, audio.ValidateWAV(data))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"text": "  hello from the meeting \n"}`))
	}))
	defer server.Close()

	client, err := NewHTTPClient(Config{Endpoint: server.URL, APIKey: "secret", Model: "whisper-1"})
	require.NoError(t, err)

	text, err := client.Transcribe(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "hello from the meeting", text)

	stats := client.GetStats()
	assert.Equal(t, uint64(1), stats.TotalRequests)
	assert.Equal(t, uint64(1), stats.SuccessRequests)
	assert.Equal(t, 1.0, stats.SuccessRate)
}

func TestHTTPClientTextFormat(t *testing.T) {
	path := writeChunk(t, 100)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("plain text\n"))
	}))
	defer server.Close()

	client, err := NewHTTPClient(Config{Endpoint: server.URL, OutputFormat: "text"})
	require.NoError(t, err)

	text, err := client.Transcribe(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "plain text", text)
}

func TestHTTPClientClassifiesStatus(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retryable bool
	}{
		{"service unavailable", http.StatusServiceUnavailable, true},
		{"rate limited", http.StatusTooManyRequests, true},
		{"internal error", http.StatusInternalServerError, true},
		{"bad request", http.StatusBadRequest, false},
		{"unauthorized", http.StatusUnauthorized, false},
	}

	path := writeChunk(t, 100)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer server.Close()

			client, err := NewHTTPClient(Config{Endpoint: server.URL})
			require.NoError(t, err)

			_, err = client.Transcribe(context.Background(), path)
			require.Error(t, err)

			var apiErr *apierr.Error
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, tt.retryable, apiErr.Retryable)
			assert.Equal(t, tt.retryable, apierr.IsRetryable(err))
			assert.Contains(t, err.Error(), "nope")
		})
	}
}

func TestHTTPClientTransportFailureIsRetryable(t *testing.T) {
	path := writeChunk(t, 100)
	server := httptest.NewServer(http.NotFoundHandler())
	endpoint := server.URL
	server.Close()

	client, err := NewHTTPClient(Config{Endpoint: endpoint})
	require.NoError(t, err)

	_, err = client.Transcribe(context.Background(), path)
	require.Error(t, err)
	assert.True(t, apierr.IsRetryable(err))
	assert.Equal(t, uint64(1), client.GetStats().FailedRequests)
}

func TestRejectsUnusableChunkFiles(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer server.Close()

	client, err := NewHTTPClient(Config{Endpoint: server.URL})
	require.NoError(t, err)

	headerOnly := writeChunk(t, 0)
	_, err = client.Transcribe(context.Background(), headerOnly)
	require.Error(t, err)
	assert.False(t, apierr.IsRetryable(err))

	_, err = client.Transcribe(context.Background(), filepath.Join(t.TempDir(), "missing.wav"))
	require.Error(t, err)
	assert.False(t, apierr.IsRetryable(err))

	assert.Zero(t, hits.Load())
}

func TestNewHTTPClientRequiresEndpoint(t *testing.T) {
	_, err := NewHTTPClient(Config{})
	assert.Error(t, err)
}

func TestOpenAIClient(t *testing.T) {
	path := writeChunk(t, 4410)

	var fail atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/audio/transcriptions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		if fail.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"error": {"message": "overloaded", "type": "server_error"}}`))
			return
		}
		w.Write([]byte(`{"text": "whisper says hi"}`))
	}))
	defer server.Close()

	client := NewOpenAIClient(OpenAIConfig{APIKey: "sk-test", BaseURL: server.URL + "/v1"})

	text, err := client.Transcribe(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "whisper says hi", text)

	fail.Store(true)
	_, err = client.Transcribe(context.Background(), path)
	require.Error(t, err)

	var apiErr *apierr.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	assert.True(t, apiErr.Retryable)

	stats := client.GetStats()
	assert.Equal(t, uint64(2), stats.TotalRequests)
	assert.Equal(t, uint64(1), stats.FailedRequests)
}
