// Package api is the HTTP surface of the service: OCR batch control,
// processing history, the websocket event bridge, and thumbnails.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/inkfeed/paperocr/internal/classify"
	"github.com/inkfeed/paperocr/internal/engine"
	"github.com/inkfeed/paperocr/internal/paperless"
	"github.com/inkfeed/paperocr/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// OCREngine is the engine surface the handlers consume.
type OCREngine interface {
	StartBatch(documentIDs []int64, skipProcessed bool) (string, error)
	ProcessOne(ctx context.Context, documentID int64) engine.DocumentResult
	Stop() bool
	GetStatus() engine.Status
	GetStatistics() (engine.Statistics, error)
	TestService(ctx context.Context) bool
	ProcessedDocumentIDs() ([]int64, error)
	DocumentHistory(documentID int64) ([]storage.ProcessingRecord, error)
	RecentHistory(limit int) ([]storage.ProcessingRecord, error)
	GetProcessedDocumentText(documentID int64) (*engine.ProcessedText, error)
	ResetDocument(documentID int64) error
	ResetAll() error
	Events() *engine.Broadcaster
}

// Thumbnails is the thumbnail cache surface the handlers consume.
type Thumbnails interface {
	Get(ctx context.Context, id int64) ([]byte, error)
	Evict(id int64) error
}

// Deps holds the collaborators of the HTTP handler. Classifier and Archive
// are optional; without them the classification endpoint reports 503.
type Deps struct {
	Engine     OCREngine
	Thumbs     Thumbnails
	Classifier classify.Provider
	Archive    classify.Archive
	APIToken   string
	Version    string
}

// NewHandler builds the router. Everything except /health requires the
// bearer token.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth(deps))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.APIToken))

		r.Route("/ocr", func(r chi.Router) {
			r.Post("/process", handleProcessBatch(deps.Engine))
			r.Post("/process/{id}", handleProcessOne(deps.Engine))
			r.Post("/stop", handleStop(deps.Engine))
			r.Get("/status", handleStatus(deps.Engine))
			r.Get("/statistics", handleStatistics(deps.Engine))
			r.Get("/history", handleRecentHistory(deps.Engine))
			r.Get("/history/{id}", handleDocumentHistory(deps.Engine))
			r.Delete("/history", handleResetAll(deps.Engine))
			r.Delete("/history/{id}", handleResetDocument(deps))
			r.Get("/text/{id}", handleDocumentText(deps.Engine))
			r.Get("/processed", handleProcessedIDs(deps.Engine))
			r.Handle("/events", eventsHandler(deps.Engine))
		})

		r.Post("/documents/{id}/classify", handleClassify(deps))
		r.Get("/thumbnails/{id}", handleThumbnail(deps.Thumbs))
	})

	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ocrUp := deps.Engine.TestService(r.Context())
		writeJSON(w, http.StatusOK, map[string]any{
			"status":        "ok",
			"version":       deps.Version,
			"ocr_available": ocrUp,
		})
	}
}

type processRequest struct {
	DocumentIDs   []int64 `json:"document_ids"`
	SkipProcessed *bool   `json:"skip_processed"`
}

func handleProcessBatch(eng OCREngine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req processRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		// Skipping already processed documents is the default; callers opt out.
		skip := true
		if req.SkipProcessed != nil {
			skip = *req.SkipProcessed
		}

		sessionID, err := eng.StartBatch(req.DocumentIDs, skip)
		switch {
		case errors.Is(err, engine.ErrAlreadyRunning):
			httpError(w, http.StatusConflict, "already_running", "a processing batch is already in progress")
			return
		case errors.Is(err, engine.ErrEmptyInput):
			httpError(w, http.StatusBadRequest, "invalid_request_error", "document_ids must not be empty")
			return
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "starting batch: %v", err)
			return
		}

		if sessionID == "" {
			writeJSON(w, http.StatusOK, map[string]any{
				"session_id": nil,
				"message":    "all documents already processed",
			})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"session_id": sessionID})
	}
}

func handleProcessOne(eng OCREngine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}

		result := eng.ProcessOne(r.Context(), id)
		status := http.StatusOK
		if !result.Success && !result.WasCancelled {
			status = http.StatusUnprocessableEntity
		}
		writeJSON(w, status, result)
	}
}

func handleStop(eng OCREngine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"stopped": eng.Stop()})
	}
}

func handleStatus(eng OCREngine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, eng.GetStatus())
	}
}

func handleStatistics(eng OCREngine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := eng.GetStatistics()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reading statistics: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func handleRecentHistory(eng OCREngine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "limit must be a non-negative integer")
				return
			}
			limit = n
		}

		records, err := eng.RecentHistory(limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reading history: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"records": records})
	}
}

func handleDocumentHistory(eng OCREngine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}

		records, err := eng.DocumentHistory(id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reading history: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"document_id": id, "records": records})
	}
}

func handleDocumentText(eng OCREngine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}

		text, err := eng.GetProcessedDocumentText(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "no successful processing record for document %d", id)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reading processed text: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, text)
	}
}

func handleProcessedIDs(eng OCREngine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ids, err := eng.ProcessedDocumentIDs()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reading processed documents: %v", err)
			return
		}
		if ids == nil {
			ids = []int64{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"document_ids": ids})
	}
}

func handleResetDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		if err := deps.Engine.ResetDocument(id); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "resetting document: %v", err)
			return
		}
		// A reprocessed document may get a new thumbnail upstream.
		if deps.Thumbs != nil {
			deps.Thumbs.Evict(id)
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleClassify(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Classifier == nil || deps.Archive == nil {
			httpError(w, http.StatusServiceUnavailable, "not_configured", "classification is not configured")
			return
		}

		id, ok := pathID(w, r)
		if !ok {
			return
		}

		text, err := deps.Engine.GetProcessedDocumentText(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "document %d has no extracted text to classify", id)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reading processed text: %v", err)
			return
		}

		opts := classify.Options{}
		if tags, err := deps.Archive.ListTags(r.Context()); err == nil {
			for _, tag := range tags {
				opts.ExistingTags = append(opts.ExistingTags, tag.Name)
			}
		}
		if correspondents, err := deps.Archive.ListCorrespondents(r.Context()); err == nil {
			for _, c := range correspondents {
				opts.ExistingCorrespondents = append(opts.ExistingCorrespondents, c.Name)
			}
		}

		suggestion, err := deps.Classifier.Suggest(r.Context(), text.ExtractedText, opts)
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "classification failed: %v", err)
			return
		}

		applied := false
		if r.URL.Query().Get("apply") == "true" {
			if err := classify.Apply(r.Context(), deps.Archive, id, suggestion); err != nil {
				httpError(w, http.StatusBadGateway, "api_error", "applying suggestion: %v", err)
				return
			}
			applied = true
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"document_id": id,
			"provider":    deps.Classifier.Name(),
			"suggestion":  suggestion,
			"applied":     applied,
		})
	}
}

func handleResetAll(eng OCREngine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := eng.ResetAll(); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "resetting history: %v", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleThumbnail(thumbs Thumbnails) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}

		data, err := thumbs.Get(r.Context(), id)
		if errors.Is(err, paperless.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "no thumbnail for document %d", id)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "fetching thumbnail: %v", err)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		w.Write(data)
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "id must be a positive integer")
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
