// Package api exposes notes, search and the enrichment queue over HTTP and MCP.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"

	"github.com/kalambet/noted/internal/capture"
	"github.com/kalambet/noted/internal/inference"
	"github.com/kalambet/noted/internal/queue"
	"github.com/kalambet/noted/internal/retrieval"
	"github.com/kalambet/noted/internal/storage"
)

const maxRequestBodySize = 25 << 20 // 25MB, room for base64 scans and PDFs

// Deps holds the components shared by the HTTP and MCP surfaces.
type Deps struct {
	Store      *storage.Store
	Queue      *queue.Queue
	Capture    *capture.Service
	Search     *retrieval.Engine
	LLM        inference.LLM
	Embeddings inference.Embeddings
	OCR        inference.OCR

	Token       string
	CORSOrigins []string
	// RelatedK is the default number of related notes.
	RelatedK int
}

// NewHandler returns the HTTP API. /health is always public; every other
// route requires the bearer token when one is configured.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	if len(deps.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Options{
			AllowedOrigins: deps.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
		}).Handler)
	}

	r.Get("/health", handleHealth(deps))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/notes", handleCreateNote(deps))
		r.Get("/notes", handleListNotes(deps))
		r.Get("/notes/{id}", handleGetNote(deps))
		r.Patch("/notes/{id}", handleUpdateNote(deps))
		r.Delete("/notes/{id}", handleDeleteNote(deps))
		r.Post("/notes/{id}/retry", handleRetryNote(deps))
		r.Get("/notes/{id}/related", handleRelatedNotes(deps))

		r.Get("/search", handleSearch(deps))

		r.Get("/queue", handleQueueStatus(deps))
		r.Post("/queue/cancel", handleQueueCancel(deps))
		r.Get("/queue/events", handleQueueEvents(deps))
	})

	return r
}

type modelJSON struct {
	Name     string  `json:"name"`
	Ready    bool    `json:"ready"`
	Busy     bool    `json:"busy"`
	Progress float64 `json:"progress"`
}

func modelState(h inference.Handle) *modelJSON {
	if h == nil {
		return nil
	}
	return &modelJSON{Name: h.Name(), Ready: h.Ready(), Busy: h.Busy(), Progress: h.Progress()}
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"status": "ok",
			"models": map[string]*modelJSON{
				"llm":        modelState(deps.LLM),
				"embeddings": modelState(deps.Embeddings),
				"ocr":        modelState(deps.OCR),
			},
		}
		if deps.Queue != nil {
			resp["queue"] = deps.Queue.Status()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
