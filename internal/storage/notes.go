package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const noteColumns = `id, content, title, title_is_auto, type, source, embedding, ai_status, ai_error, is_processed, is_pinned, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNote(r rowScanner) (Note, error) {
	var n Note
	var blob []byte
	var aiError sql.NullString
	var createdAt, updatedAt string
	if err := r.Scan(&n.ID, &n.Content, &n.Title, &n.TitleIsAuto, &n.Type, &n.Source, &blob, &n.AIStatus, &aiError,
		&n.IsProcessed, &n.IsPinned, &createdAt, &updatedAt); err != nil {
		return Note{}, err
	}
	if len(blob) > 0 {
		v, err := decodeFloat32s(blob)
		if err != nil {
			return Note{}, fmt.Errorf("decoding embedding for %s: %w", n.ID, err)
		}
		n.Embedding = v
	}
	n.AIError = aiError.String
	var err error
	if n.CreatedAt, err = parseTime(createdAt); err != nil {
		return Note{}, fmt.Errorf("parsing created_at for %s: %w", n.ID, err)
	}
	if n.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Note{}, fmt.Errorf("parsing updated_at for %s: %w", n.ID, err)
	}
	return n, nil
}

// CreateNote inserts a new note in the unprocessed state. ID, timestamps,
// type and source are filled in when empty.
func (s *Store) CreateNote(n Note) (Note, error) {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.Type == "" {
		n.Type = TypeNote
	}
	if _, ok := ParseNoteType(string(n.Type)); !ok {
		return Note{}, fmt.Errorf("unknown note type %q", n.Type)
	}
	if n.Source == "" {
		n.Source = SourceText
	}
	now := s.now()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	n.UpdatedAt = n.CreatedAt
	n.TitleIsAuto = false
	n.AIStatus = StatusUnprocessed
	n.AIError = ""
	n.IsProcessed = false
	n.Embedding = nil
	n.Tags = nil

	_, err := s.db.Exec(`
		INSERT INTO notes (id, content, title, type, source, ai_status, is_processed, is_pinned, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		n.ID, n.Content, n.Title, string(n.Type), string(n.Source), string(n.AIStatus), n.IsPinned,
		formatTime(n.CreatedAt), formatTime(n.UpdatedAt),
	)
	if err != nil {
		return Note{}, fmt.Errorf("inserting note: %w", err)
	}
	return n, nil
}

// GetNote returns a live (not deleted) note with its tags.
func (s *Store) GetNote(id string) (Note, error) {
	n, err := scanNote(s.db.QueryRow(`SELECT `+noteColumns+` FROM notes WHERE id = ? AND deleted_at IS NULL`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Note{}, ErrNotFound
	}
	if err != nil {
		return Note{}, err
	}
	if n.Tags, err = s.GetTagsForNote(id); err != nil {
		return Note{}, err
	}
	return n, nil
}

// ListNotes returns every live note, pinned first then most recently updated.
func (s *Store) ListNotes() ([]Note, error) {
	return s.queryNotes(`SELECT ` + noteColumns + ` FROM notes WHERE deleted_at IS NULL
		ORDER BY is_pinned DESC, updated_at DESC`)
}

// GetUnprocessedNotes returns live notes whose enrichment has not reached a
// settled state: unprocessed, queued, processing and failed notes. Oldest first.
func (s *Store) GetUnprocessedNotes() ([]Note, error) {
	return s.queryNotes(`SELECT `+noteColumns+` FROM notes
		WHERE deleted_at IS NULL AND ai_status NOT IN (?, ?)
		ORDER BY created_at ASC`, string(StatusOrganized), string(StatusCancelled))
}

func (s *Store) queryNotes(query string, args ...any) ([]Note, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying notes: %w", err)
	}
	defer rows.Close()

	var notes []Note
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning note: %w", err)
		}
		notes = append(notes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(notes) == 0 {
		return notes, nil
	}

	tags, err := s.tagsByNote()
	if err != nil {
		return nil, err
	}
	for i := range notes {
		notes[i].Tags = tags[notes[i].ID]
	}
	return notes, nil
}

// UpdateNote applies a partial user edit. It never touches enrichment state;
// an edited title stops being treated as generated.
func (s *Store) UpdateNote(id string, u NoteUpdate) (Note, error) {
	var sets []string
	var args []any
	if u.Title != nil {
		sets = append(sets, "title = ?", "title_is_auto = 0")
		args = append(args, strings.TrimSpace(*u.Title))
	}
	if u.Content != nil {
		sets = append(sets, "content = ?")
		args = append(args, *u.Content)
	}
	if u.Type != nil {
		if _, ok := ParseNoteType(string(*u.Type)); !ok {
			return Note{}, fmt.Errorf("unknown note type %q", *u.Type)
		}
		sets = append(sets, "type = ?")
		args = append(args, string(*u.Type))
	}
	if u.IsPinned != nil {
		sets = append(sets, "is_pinned = ?")
		args = append(args, *u.IsPinned)
	}
	if len(sets) > 0 {
		sets = append(sets, "updated_at = ?")
		args = append(args, formatTime(s.now()), id)
		res, err := s.db.Exec(`UPDATE notes SET `+strings.Join(sets, ", ")+` WHERE id = ? AND deleted_at IS NULL`, args...)
		if err != nil {
			return Note{}, fmt.Errorf("updating note %s: %w", id, err)
		}
		if err := expectOne(res); err != nil {
			return Note{}, err
		}
	}
	return s.GetNote(id)
}

// SetAIStatus is the only way enrichment status changes outside of
// ApplyEnrichment. is_processed follows the status and ai_error is kept only
// for failed notes.
func (s *Store) SetAIStatus(id string, status AIStatus, errMsg string) error {
	if !status.valid() {
		return fmt.Errorf("unknown ai status %q", status)
	}
	var aiError sql.NullString
	if status == StatusFailed {
		aiError = sql.NullString{String: errMsg, Valid: true}
	}
	res, err := s.db.Exec(`
		UPDATE notes SET ai_status = ?, is_processed = ?, ai_error = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL`,
		string(status), status == StatusOrganized, aiError, formatTime(s.now()), id,
	)
	if err != nil {
		return fmt.Errorf("setting ai status for %s: %w", id, err)
	}
	return expectOne(res)
}

// ApplyEnrichment writes a complete processing result and marks the note
// organized in one transaction. Auto tags are matched by case-insensitive
// name and created when missing.
func (s *Store) ApplyEnrichment(id string, e Enrichment) error {
	if len(e.Embedding) == 0 {
		return errors.New("enrichment without embedding")
	}
	if _, ok := ParseNoteType(string(e.Type)); !ok {
		return fmt.Errorf("unknown note type %q", e.Type)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning enrichment transaction: %w", err)
	}
	defer tx.Rollback()

	now := formatTime(s.now())
	res, err := tx.Exec(`
		UPDATE notes SET
			title = CASE WHEN ? = '' THEN title ELSE ? END,
			title_is_auto = CASE WHEN ? = '' THEN title_is_auto ELSE 1 END,
			type = ?, embedding = ?, ai_status = ?, is_processed = 1, ai_error = NULL, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL`,
		e.Title, e.Title, e.Title, string(e.Type), encodeFloat32s(e.Embedding), string(StatusOrganized), now, id,
	)
	if err != nil {
		return fmt.Errorf("writing enrichment for %s: %w", id, err)
	}
	if err := expectOne(res); err != nil {
		return err
	}

	for _, name := range e.Tags {
		tagID, err := ensureTag(tx, name, true, now)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`INSERT OR IGNORE INTO note_tags (note_id, tag_id) VALUES (?, ?)`, id, tagID); err != nil {
			return fmt.Errorf("linking tag %q to %s: %w", name, id, err)
		}
	}

	return tx.Commit()
}

// DeleteNote soft-deletes a note.
func (s *Store) DeleteNote(id string) error {
	now := formatTime(s.now())
	res, err := s.db.Exec(`UPDATE notes SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`, now, now, id)
	if err != nil {
		return fmt.Errorf("deleting note %s: %w", id, err)
	}
	return expectOne(res)
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
