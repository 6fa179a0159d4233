package queue

import (
	"context"
	"fmt"

	"github.com/kalambet/noted/internal/storage"
)

// RecoveryStore lists notes whose enrichment did not settle.
type RecoveryStore interface {
	GetUnprocessedNotes() ([]storage.Note, error)
	GetNote(id string) (storage.Note, error)
}

// Recover re-admits notes interrupted by a previous shutdown: notes left
// queued or processing, and notes that were never enqueued. Failed notes wait
// for an explicit Retry. It returns the number of jobs admitted.
func Recover(ctx context.Context, store RecoveryStore, q *Queue) (int, error) {
	notes, err := store.GetUnprocessedNotes()
	if err != nil {
		return 0, fmt.Errorf("listing unprocessed notes: %w", err)
	}

	var n int
	for _, note := range notes {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		if note.AIStatus == storage.StatusFailed {
			continue
		}
		if q.Add(Job{NoteID: note.ID, Content: note.Content}) {
			n++
		}
	}
	if n > 0 {
		q.logger.Info("recovered interrupted jobs", "count", n)
	}
	return n, nil
}

// Retry re-enqueues a note with its current content. It returns false if the
// note already has a live job.
func Retry(ctx context.Context, store RecoveryStore, q *Queue, noteID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	note, err := store.GetNote(noteID)
	if err != nil {
		return false, fmt.Errorf("loading note %s: %w", noteID, err)
	}
	return q.Add(Job{NoteID: note.ID, Content: note.Content}), nil
}
