package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/skypro1111/chunk-recorder/internal/session"
	"github.com/skypro1111/chunk-recorder/internal/store"
)

// streamEvents writes every value received from src as a server-sent event
// until the client goes away or src closes.
func streamEvents[T any](h *HTTPServer, w http.ResponseWriter, r *http.Request, event string, src <-chan T, view func(T) any) {
	rc := http.NewResponseController(w)
	// The server write timeout would cut long-lived streams.
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		h.logger.Debug("Write deadline not adjustable", slog.String("error", err.Error()))
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		h.logger.Warn("Streaming unsupported", slog.String("error", err.Error()))
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case v, ok := <-src:
			if !ok {
				return
			}
			data, err := json.Marshal(view(v))
			if err != nil {
				h.logger.Error("Failed to encode event", slog.String("event", event), slog.String("error", err.Error()))
				return
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

func identity[T any](v T) any { return v }

// handleStatusEvents implements GET /recording/events
func (h *HTTPServer) handleStatusEvents(w http.ResponseWriter, r *http.Request) {
	streamEvents(h, w, r, "status", h.deps.Recorder.Subscribe(r.Context()), identity[session.Status])
}

// handleChunkEvents implements GET /sessions/{id}/chunks/events
func (h *HTTPServer) handleChunkEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	streamEvents(h, w, r, "chunks", h.deps.Store.WatchChunks(r.Context(), id), identity[[]store.Chunk])
}

// handleSummaryEvents implements GET /sessions/{id}/summary/events
func (h *HTTPServer) handleSummaryEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	streamEvents(h, w, r, "summary", h.deps.Store.WatchSummary(r.Context(), id), func(s *store.Summary) any {
		return viewSummary(s)
	})
}
