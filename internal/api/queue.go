package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/kalambet/noted/internal/queue"
)

const sseKeepAlive = 15 * time.Second

func handleQueueStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Queue.Status())
	}
}

func handleQueueCancel(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deps.Queue.CancelAll()
		writeJSON(w, http.StatusOK, deps.Queue.Status())
	}
}

// handleQueueEvents streams job completions as server-sent events until the
// client disconnects.
func handleQueueEvents(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			httpError(w, http.StatusInternalServerError, "api_error", "streaming unsupported")
			return
		}

		events := make(chan queue.Completion, 16)
		id := deps.Queue.OnProcessingComplete(func(c queue.Completion) {
			select {
			case events <- c:
			default:
				slog.Warn("dropping completion event for slow client", "note_id", c.NoteID)
			}
		})
		defer deps.Queue.RemoveProcessingCompleteCallback(id)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		if err := writeEvent(w, "status", deps.Queue.Status()); err != nil {
			return
		}
		flusher.Flush()

		ticker := time.NewTicker(sseKeepAlive)
		defer ticker.Stop()
		for {
			select {
			case <-r.Context().Done():
				return
			case c := <-events:
				if err := writeEvent(w, "completion", c); err != nil {
					return
				}
				flusher.Flush()
			case <-ticker.C:
				if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, event string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, b)
	return err
}
