// Package api serves the read-only status routes over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Lllllllleong/documenttracker/internal/models"
	"github.com/Lllllllleong/documenttracker/internal/services"
	"github.com/gorilla/mux"
)

// StatusQuerier is the read side the handlers need. *services.StatusService implements it.
type StatusQuerier interface {
	GetStatus(ctx context.Context, documentID string) (*models.StatusResponse, error)
	ListRecent(ctx context.Context, limit int, cursor string) (*services.StatusPage, error)
	ListByBase(ctx context.Context, baseDocumentID string) ([]models.StatusResponse, error)
}

// StatusHandler serves document status requests.
type StatusHandler struct {
	service StatusQuerier
	logger  *slog.Logger
}

// NewStatusHandler creates a StatusHandler. A nil logger means slog.Default().
func NewStatusHandler(service StatusQuerier, logger *slog.Logger) *StatusHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusHandler{service: service, logger: logger}
}

// NewRouter builds the /api/v1 routes.
func NewRouter(service StatusQuerier, logger *slog.Logger) http.Handler {
	h := NewStatusHandler(service, logger)

	r := mux.NewRouter()
	r.Use(h.recovery)
	r.Use(h.requestLogger)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)

	api.HandleFunc("/documents", h.ListDocuments).Methods(http.MethodGet)
	api.HandleFunc("/documents/{id}", h.GetDocument).Methods(http.MethodGet)

	return r
}

// GetDocument returns the status of one instance.
func (h *StatusHandler) GetDocument(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	resp, err := h.service.GetStatus(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, resp)
}

// ListDocuments returns a page of instances newest first, or every instance of ?base=.
func (h *StatusHandler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if base := q.Get("base"); base != "" {
		docs, err := h.service.ListByBase(r.Context(), base)
		if err != nil {
			h.respondError(w, err)
			return
		}
		h.respondJSON(w, http.StatusOK, models.StatusListResponse{Documents: docs})
		return
	}

	limit := 0
	if raw := q.Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			h.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = v
	}

	page, err := h.service.ListRecent(r.Context(), limit, q.Get("cursor"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, models.StatusListResponse{Documents: page.Documents, NextCursor: page.NextCursor})
}

func (h *StatusHandler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", "error", err)
	}
}

// respondError maps service errors onto the public contract. Internal error details are logged only.
func (h *StatusHandler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrStatusUnknown):
		h.respondJSON(w, http.StatusNotFound, map[string]string{"status": "unknown"})
	case errors.Is(err, services.ErrInvalidCursor):
		h.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid cursor"})
	default:
		h.logger.Error("Status query failed", "error", err)
		h.respondJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "status temporarily unavailable"})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (h *StatusHandler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		h.logger.Debug("HTTP request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
	})
}

func (h *StatusHandler) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				h.logger.Error("Panic while serving request", "panic", p, "path", r.URL.Path)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
