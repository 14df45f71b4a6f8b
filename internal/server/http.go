package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skypro1111/chunk-recorder/internal/config"
	"github.com/skypro1111/chunk-recorder/internal/guard"
	"github.com/skypro1111/chunk-recorder/internal/metrics"
	"github.com/skypro1111/chunk-recorder/internal/pipeline"
	"github.com/skypro1111/chunk-recorder/internal/queue"
	"github.com/skypro1111/chunk-recorder/internal/session"
	"github.com/skypro1111/chunk-recorder/internal/store"
	"github.com/skypro1111/chunk-recorder/internal/transcription"
)

// Recorder is the recording controller surface used by the API
type Recorder interface {
	Start(ctx context.Context) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Stop(ctx context.Context) error
	Status() session.Status
	Subscribe(ctx context.Context) <-chan session.Status
	ChunkPaths() []string
	Inject(ev guard.Event)
}

// Store is the read side of the chunk and summary store
type Store interface {
	ListSessions(ctx context.Context) ([]store.SessionInfo, error)
	ChunksForSession(ctx context.Context, sessionID string) ([]store.Chunk, error)
	GetSummary(ctx context.Context, sessionID string) (*store.Summary, error)
	ListSummaries(ctx context.Context) ([]store.Summary, error)
	WatchChunks(ctx context.Context, sessionID string) <-chan []store.Chunk
	WatchSummary(ctx context.Context, sessionID string) <-chan *store.Summary
}

// Pipeline is the transcription pipeline surface used by the API
type Pipeline interface {
	Transcript(ctx context.Context, sessionID string) (string, bool, error)
	GenerateSummary(ctx context.Context, sessionID string) error
	RetryAll(ctx context.Context) (int, error)
}

// Jobs is the work queue surface used by the API
type Jobs interface {
	List(ctx context.Context, kind string) ([]queue.Job, error)
	GetStats(ctx context.Context) (queue.Stats, error)
}

// TranscriptionStats exposes request statistics of the transcription client
type TranscriptionStats interface {
	GetStats() transcription.ClientStats
}

// Deps are the components served by the API
type Deps struct {
	Recorder Recorder
	Store    Store
	Pipeline Pipeline
	Jobs     Jobs
	Focus    *guard.ManualFocus // drives simulated focus changes
	Calls    *guard.ManualCalls // drives simulated call state
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer

	Transcription TranscriptionStats // optional
}

// HTTPServer provides the control API
type HTTPServer struct {
	server  *http.Server
	router  chi.Router
	logger  *slog.Logger
	config  *config.Config
	deps    Deps
	metrics *metrics.Metrics

	startTime time.Time
}

// HTTPServerConfig contains HTTP server configuration
type HTTPServerConfig struct {
	Port    int
	Address string
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(cfg HTTPServerConfig, logger *slog.Logger, appConfig *config.Config, deps Deps) *HTTPServer {
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	h := &HTTPServer{
		logger:    logger,
		config:    appConfig,
		deps:      deps,
		metrics:   deps.Metrics,
		startTime: time.Now(),
	}
	h.router = h.routes()

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      h.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// Handler returns the root handler
func (h *HTTPServer) Handler() http.Handler {
	return h.router
}

func (h *HTTPServer) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/", h.withMetrics("/", h.handleRoot))
	r.Get("/health", h.withMetrics("/health", h.handleHealth))
	r.Get("/config", h.withMetrics("/config", h.handleConfig))

	r.Route("/recording", func(r chi.Router) {
		r.Get("/", h.withMetrics("/recording", h.handleStatus))
		r.Get("/events", h.handleStatusEvents)
		r.Post("/{action}", h.withMetrics("/recording/{action}", h.handleRecordingAction))
	})

	r.Post("/interrupts/{event}", h.withMetrics("/interrupts/{event}", h.handleInterrupt))

	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", h.withMetrics("/sessions", h.handleSessions))
		r.Get("/{id}/chunks", h.withMetrics("/sessions/{id}/chunks", h.handleChunks))
		r.Get("/{id}/chunks/events", h.handleChunkEvents)
		r.Get("/{id}/transcript", h.withMetrics("/sessions/{id}/transcript", h.handleTranscript))
		r.Get("/{id}/summary", h.withMetrics("/sessions/{id}/summary", h.handleSummary))
		r.Post("/{id}/summary", h.withMetrics("/sessions/{id}/summary", h.handleGenerateSummary))
		r.Get("/{id}/summary/events", h.handleSummaryEvents)
	})

	r.Get("/summaries", h.withMetrics("/summaries", h.handleSummaries))
	r.Post("/chunks/retry", h.withMetrics("/chunks/retry", h.handleRetry))
	r.Get("/jobs", h.withMetrics("/jobs", h.handleJobs))

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	r.Handle("/metrics", promhttp.HandlerFor(h.deps.Gatherer, promhttp.HandlerOpts{}))

	return r
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		// Create a response writer wrapper to capture status code
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := strconv.Itoa(ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// handleRoot lists the API
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "Chunk Recorder",
		"version": "1.0.0",
		"endpoints": map[string]string{
			"GET /health":                       "Service health check",
			"GET /config":                       "Service configuration",
			"GET /recording":                    "Recording status",
			"GET /recording/events":             "Recording status stream (SSE)",
			"POST /recording/{action}":          "start, pause, resume or stop",
			"POST /interrupts/{event}":          "Simulate focus_lost, focus_gained, call_active, call_idle or storage_low",
			"GET /sessions":                     "Sessions with chunk progress",
			"GET /sessions/{id}/chunks":         "Chunk records of a session",
			"GET /sessions/{id}/chunks/events":  "Chunk record stream (SSE)",
			"GET /sessions/{id}/transcript":     "Joined transcript of a session",
			"GET /sessions/{id}/summary":        "Summary of a session",
			"POST /sessions/{id}/summary":       "Regenerate the summary of a session",
			"GET /sessions/{id}/summary/events": "Summary draft stream (SSE)",
			"GET /summaries":                    "All summaries",
			"POST /chunks/retry":                "Re-enqueue every chunk not done",
			"GET /jobs":                         "Queued jobs, optionally ?kind=",
			"GET /metrics":                      "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	})
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := h.deps.Recorder.Status()

	queueStatus := map[string]any{"status": "running"}
	if stats, err := h.deps.Jobs.GetStats(r.Context()); err != nil {
		queueStatus["status"] = "degraded"
		queueStatus["error"] = err.Error()
	} else {
		queueStatus["jobs"] = stats
	}

	components := map[string]any{
		"recorder": map[string]any{
			"state":      status.State,
			"session_id": status.SessionID,
			"silent":     status.Silent,
		},
		"queue": queueStatus,
	}
	if h.deps.Transcription != nil {
		components["transcription"] = h.deps.Transcription.GetStats()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]any{
			"name":    "chunk-recorder",
			"version": "1.0.0",
		},
		"components": components,
	})
}

// handleConfig returns the configuration without secrets
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	c := h.config
	writeJSON(w, http.StatusOK, map[string]any{
		"recording": c.Recording,
		"storage":   c.Storage,
		"silence":   c.Silence,
		"pipeline":  c.Pipeline,
		"transcription": map[string]any{
			"provider":       c.Transcription.Provider,
			"endpoint":       c.Transcription.Endpoint,
			"model":          c.Transcription.Model,
			"language":       c.Transcription.Language,
			"timeout":        c.Transcription.Timeout,
			"max_concurrent": c.Transcription.MaxConcurrent,
			"output_format":  c.Transcription.OutputFormat,
			"api_key_set":    c.Transcription.APIKey != "",
		},
		"summarization": map[string]any{
			"model":       c.Summarization.Model,
			"temperature": c.Summarization.Temperature,
			"timeout":     c.Summarization.Timeout,
			"api_key_set": c.Summarization.APIKey != "",
		},
		"interrupts": c.Interrupts,
		"logging": map[string]any{
			"level":  c.Logging.Level,
			"format": c.Logging.Format,
			"output": c.Logging.Output,
		},
	})
}

type statusResponse struct {
	session.Status
	Chunks []string `json:"chunks"`
	Error  string   `json:"error,omitempty"`
}

func (h *HTTPServer) statusBody(err error) statusResponse {
	body := statusResponse{Status: h.deps.Recorder.Status(), Chunks: h.deps.Recorder.ChunkPaths()}
	if err != nil {
		body.Error = err.Error()
	}
	return body
}

// handleStatus implements GET /recording
func (h *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.statusBody(nil))
}

// handleRecordingAction implements POST /recording/{action}
func (h *HTTPServer) handleRecordingAction(w http.ResponseWriter, r *http.Request) {
	var err error
	switch action := chi.URLParam(r, "action"); action {
	case "start":
		err = h.deps.Recorder.Start(r.Context())
	case "pause":
		err = h.deps.Recorder.Pause(r.Context())
	case "resume":
		err = h.deps.Recorder.Resume(r.Context())
	case "stop":
		err = h.deps.Recorder.Stop(r.Context())
	default:
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown action %q", action))
		return
	}

	writeJSON(w, actionStatus(err), h.statusBody(err))
}

func actionStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, session.ErrPermission):
		return http.StatusForbidden
	case errors.Is(err, session.ErrLowStorage):
		return http.StatusInsufficientStorage
	case errors.Is(err, session.ErrFocus),
		errors.Is(err, session.ErrNotRecording),
		errors.Is(err, session.ErrResumeBlocked):
		return http.StatusConflict
	case errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// handleInterrupt implements POST /interrupts/{event}
func (h *HTTPServer) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "event")
	kind, ok := guard.ParseEventKind(name)
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown interrupt %q", name))
		return
	}

	switch kind {
	case guard.FocusLost:
		h.deps.Focus.Lose()
	case guard.FocusGained:
		h.deps.Focus.Gain()
	case guard.CallActive:
		h.deps.Calls.Set(guard.CallStateOffHook)
	case guard.CallIdle:
		h.deps.Calls.Set(guard.CallStateIdle)
	case guard.StorageLow:
		h.deps.Recorder.Inject(guard.Event{Kind: guard.StorageLow, At: time.Now()})
	}

	h.logger.Info("Interrupt simulated", slog.String("event", kind.String()))
	writeJSON(w, http.StatusAccepted, map[string]string{"event": kind.String()})
}

// handleSessions implements GET /sessions
func (h *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.deps.Store.ListSessions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total_sessions": len(sessions),
		"sessions":       sessions,
	})
}

// handleChunks implements GET /sessions/{id}/chunks
func (h *HTTPServer) handleChunks(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	chunks, err := h.deps.Store.ChunksForSession(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(chunks) == 0 {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"chunks":     chunks,
	})
}

// handleTranscript implements GET /sessions/{id}/transcript
func (h *HTTPServer) handleTranscript(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	text, complete, err := h.deps.Pipeline.Transcript(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"complete":   complete,
		"transcript": text,
	})
}

type summaryView struct {
	*store.Summary
	ActionItems []string `json:"action_items"`
	KeyPoints   []string `json:"key_points"`
}

func viewSummary(s *store.Summary) summaryView {
	return summaryView{Summary: s, ActionItems: s.ActionItemList(), KeyPoints: s.KeyPointList()}
}

// handleSummary implements GET /sessions/{id}/summary
func (h *HTTPServer) handleSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := h.deps.Store.GetSummary(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "summary not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, viewSummary(sum))
}

// handleGenerateSummary implements POST /sessions/{id}/summary
func (h *HTTPServer) handleGenerateSummary(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := h.deps.Pipeline.GenerateSummary(r.Context(), id)
	if errors.Is(err, pipeline.ErrNoChunks) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"session_id": id, "status": string(store.SummaryPending)})
}

// handleSummaries implements GET /summaries
func (h *HTTPServer) handleSummaries(w http.ResponseWriter, r *http.Request) {
	rows, err := h.deps.Store.ListSummaries(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	views := make([]summaryView, len(rows))
	for i := range rows {
		views[i] = viewSummary(&rows[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"summaries": views})
}

// handleRetry implements POST /chunks/retry
func (h *HTTPServer) handleRetry(w http.ResponseWriter, r *http.Request) {
	n, err := h.deps.Pipeline.RetryAll(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"requeued": n})
}

// handleJobs implements GET /jobs
func (h *HTTPServer) handleJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.deps.Jobs.List(r.Context(), r.URL.Query().Get("kind"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	stats, err := h.deps.Jobs.GetStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stats": stats,
		"jobs":  jobs,
	})
}
