// Command mock-transcriber is a local stand-in for the transcription endpoint.
// It accepts chunk uploads, checks the WAV header and answers with a canned
// transcript. The first N requests can be failed to exercise retries.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/skypro1111/chunk-recorder/internal/audio"
)

type transcriptionResponse struct {
	Text        string    `json:"text"`
	Filename    string    `json:"filename"`
	Duration    float64   `json:"duration"`
	Language    string    `json:"language,omitempty"`
	ProcessedAt time.Time `json:"processed_at"`
}

type mockServer struct {
	logger     *slog.Logger
	text       string
	delay      time.Duration
	failFirst  int64
	failStatus int
	requests   atomic.Int64
}

func (s *mockServer) transcribe(w http.ResponseWriter, r *http.Request) {
	n := s.requests.Add(1)
	if n <= s.failFirst {
		s.logger.Warn("Failing request on purpose", slog.Int64("request", n), slog.Int("status", s.failStatus))
		http.Error(w, "simulated failure", s.failStatus)
		return
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, "Error parsing form", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "Error getting audio file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "Error reading audio file", http.StatusInternalServerError)
		return
	}

	info, err := audio.GetWAVInfo(data)
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid WAV: %v", err), http.StatusUnprocessableEntity)
		return
	}

	s.logger.Info("Transcription request received",
		slog.Int64("request", n),
		slog.String("filename", header.Filename),
		slog.Int("size", len(data)),
		slog.Float64("duration", info.Duration),
		slog.String("model", r.FormValue("model")),
		slog.String("language", r.FormValue("language")),
	)

	time.Sleep(s.delay)

	text := fmt.Sprintf("%s (%s)", s.text, header.Filename)
	if r.FormValue("response_format") == "text" {
		w.Header().Set("Content-Type", "text/plain")
		io.WriteString(w, text)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(transcriptionResponse{
		Text:        text,
		Filename:    header.Filename,
		Duration:    info.Duration,
		Language:    r.FormValue("language"),
		ProcessedAt: time.Now(),
	})
}

func main() {
	addr := flag.String("addr", ":9000", "Listen address")
	text := flag.String("text", "This is a test transcript of an audio chunk", "Transcript returned for every chunk")
	delay := flag.Duration("delay", 200*time.Millisecond, "Simulated processing time")
	failFirst := flag.Int64("fail-first", 0, "Fail this many requests before succeeding")
	failStatus := flag.Int("fail-status", http.StatusServiceUnavailable, "Status code of simulated failures")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	s := &mockServer{
		logger:     logger,
		text:       *text,
		delay:      *delay,
		failFirst:  *failFirst,
		failStatus: *failStatus,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/transcribe", s.transcribe)

	logger.Info("Mock transcription server starting",
		slog.String("endpoint", fmt.Sprintf("http://localhost%s/transcribe", *addr)),
		slog.Int64("fail_first", *failFirst),
	)

	if err := http.ListenAndServe(*addr, r); err != nil {
		logger.Error("Server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
