package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/noted/internal/capture"
	"github.com/kalambet/noted/internal/inference"
	"github.com/kalambet/noted/internal/queue"
	"github.com/kalambet/noted/internal/retrieval"
	"github.com/kalambet/noted/internal/storage"
)

// CaptureRequest is the body of POST /notes. Type selects the capture path;
// Data carries base64 bytes for scans and PDFs.
type CaptureRequest struct {
	Type     string `json:"type"`
	Content  string `json:"content"`
	Title    string `json:"title"`
	NoteType string `json:"note_type"`
	Pinned   bool   `json:"pinned"`
	URL      string `json:"url"`
	Data     string `json:"data"`
}

// UpdateRequest is the body of PATCH /notes/{id}.
type UpdateRequest struct {
	Title   *string `json:"title"`
	Content *string `json:"content"`
	Type    *string `json:"type"`
	Pinned  *bool   `json:"pinned"`
}

// NoteJSON is the wire form of a note. The embedding itself is not exposed.
type NoteJSON struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	TitleIsAuto  bool      `json:"title_is_auto"`
	Content      string    `json:"content"`
	Type         string    `json:"type"`
	Source       string    `json:"source"`
	Tags         []string  `json:"tags"`
	AIStatus     string    `json:"ai_status"`
	AIError      string    `json:"ai_error,omitempty"`
	IsProcessed  bool      `json:"is_processed"`
	IsPinned     bool      `json:"is_pinned"`
	HasEmbedding bool      `json:"has_embedding"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func toNoteJSON(n storage.Note) NoteJSON {
	tags := make([]string, 0, len(n.Tags))
	for _, t := range n.Tags {
		tags = append(tags, t.Name)
	}
	return NoteJSON{
		ID:           n.ID,
		Title:        n.Title,
		TitleIsAuto:  n.TitleIsAuto,
		Content:      n.Content,
		Type:         string(n.Type),
		Source:       string(n.Source),
		Tags:         tags,
		AIStatus:     string(n.AIStatus),
		AIError:      n.AIError,
		IsProcessed:  n.IsProcessed,
		IsPinned:     n.IsPinned,
		HasEmbedding: len(n.Embedding) > 0,
		CreatedAt:    n.CreatedAt,
		UpdatedAt:    n.UpdatedAt,
	}
}

func handleCreateNote(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req CaptureRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Type == "" {
			req.Type = "text"
		}
		if req.NoteType != "" {
			if _, ok := storage.ParseNoteType(req.NoteType); !ok {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown note type %q", req.NoteType)
				return
			}
		}

		ctx := r.Context()
		var note storage.Note
		var err error
		switch req.Type {
		case "text":
			note, err = deps.Capture.Text(ctx, capture.TextInput{
				Content: req.Content,
				Title:   req.Title,
				Type:    storage.NoteType(req.NoteType),
				Pinned:  req.Pinned,
			})
		case "voice":
			note, err = deps.Capture.Voice(ctx, req.Content)
		case "scan", "pdf":
			data, decErr := base64.StdEncoding.DecodeString(req.Data)
			if decErr != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid base64 data")
				return
			}
			if req.Type == "scan" {
				note, err = deps.Capture.Scan(ctx, data)
			} else {
				note, err = deps.Capture.PDF(ctx, data, req.Title)
			}
		case "url":
			if req.URL == "" {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "url is required")
				return
			}
			note, err = deps.Capture.WebClip(ctx, req.URL)
		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown capture type %q", req.Type)
			return
		}
		if err != nil {
			captureError(w, req.Type, err)
			return
		}

		writeJSON(w, http.StatusCreated, toNoteJSON(note))
	}
}

func captureError(w http.ResponseWriter, captureType string, err error) {
	switch {
	case errors.Is(err, capture.ErrEmptyContent):
		httpError(w, http.StatusUnprocessableEntity, "invalid_request_error", "%v", err)
	case errors.Is(err, capture.ErrModelBusy):
		w.Header().Set("Retry-After", "5")
		httpError(w, http.StatusServiceUnavailable, "model_busy", "%v", err)
	case errors.Is(err, inference.ErrNotReady):
		httpError(w, http.StatusServiceUnavailable, "model_not_ready", "%v", err)
	case captureType == "url":
		httpError(w, http.StatusBadGateway, "api_error", "failed to clip url: %v", err)
	case captureType == "pdf":
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "failed to capture note: %v", err)
	}
}

func handleListNotes(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		notes, err := deps.Store.ListNotes()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list notes: %v", err)
			return
		}
		out := make([]NoteJSON, 0, len(notes))
		for _, n := range notes {
			out = append(out, toNoteJSON(n))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleGetNote(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := deps.Store.GetNote(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "note not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get note: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, toNoteJSON(n))
	}
}

// handleUpdateNote applies a user edit. A content change re-enqueues the
// note so its enrichment matches the new text, also when the note is being
// processed at the time of the edit.
func handleUpdateNote(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req UpdateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Content != nil && strings.TrimSpace(*req.Content) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "content cannot be empty")
			return
		}

		u := storage.NoteUpdate{Title: req.Title, Content: req.Content, IsPinned: req.Pinned}
		if req.Type != nil {
			t, ok := storage.ParseNoteType(*req.Type)
			if !ok {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown note type %q", *req.Type)
				return
			}
			u.Type = &t
		}

		id := chi.URLParam(r, "id")
		n, err := deps.Store.UpdateNote(id, u)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "note not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to update note: %v", err)
			return
		}

		if req.Content != nil && deps.Queue.Requeue(queue.Job{NoteID: n.ID, Content: n.Content}) {
			n.AIStatus = storage.StatusQueued
			n.IsProcessed = false
		}
		writeJSON(w, http.StatusOK, toNoteJSON(n))
	}
}

func handleDeleteNote(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := deps.Store.DeleteNote(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "note not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete note: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func handleRetryNote(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		queued, err := queue.Retry(r.Context(), deps.Store, deps.Queue, chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "note not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to retry note: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"queued": queued})
	}
}

func handleRelatedNotes(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		k := parseIntParam(r, "k", deps.RelatedK, 50)
		results, err := deps.Search.FindRelated(r.Context(), chi.URLParam(r, "id"), deps.Embeddings, k)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "note not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to find related notes: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, results)
	}
}

func handleSearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp, err := deps.Search.Query(r.Context(), r.URL.Query().Get("q"), deps.Embeddings, deps.LLM)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "search failed: %v", err)
			return
		}
		if resp.Results == nil {
			resp.Results = []retrieval.Result{}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
