package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

type execQuerier interface {
	Exec(query string, args ...any) (sql.Result, error)
	QueryRow(query string, args ...any) *sql.Row
}

// ensureTag returns the ID of the tag with the given name (compared
// case-insensitively), creating it when missing.
func ensureTag(q execQuerier, name string, isAuto bool, now string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("empty tag name")
	}
	var id string
	err := q.QueryRow(`SELECT id FROM tags WHERE name = ?`, name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("looking up tag %q: %w", name, err)
	}
	id = uuid.New().String()
	if _, err := q.Exec(`INSERT INTO tags (id, name, is_auto, created_at) VALUES (?, ?, ?, ?)`, id, name, isAuto, now); err != nil {
		return "", fmt.Errorf("creating tag %q: %w", name, err)
	}
	return id, nil
}

// CreateTag returns the existing tag with a case-insensitively equal name,
// or creates a new one.
func (s *Store) CreateTag(name string, isAuto bool) (Tag, error) {
	id, err := ensureTag(s.db, name, isAuto, formatTime(s.now()))
	if err != nil {
		return Tag{}, err
	}
	var t Tag
	if err := s.db.QueryRow(`SELECT id, name, is_auto FROM tags WHERE id = ?`, id).Scan(&t.ID, &t.Name, &t.IsAuto); err != nil {
		return Tag{}, fmt.Errorf("reading tag %s: %w", id, err)
	}
	return t, nil
}

// AddTagToNote links a tag to a note. Linking twice is a no-op.
func (s *Store) AddTagToNote(noteID, tagID string) error {
	_, err := s.db.Exec(`INSERT OR IGNORE INTO note_tags (note_id, tag_id) VALUES (?, ?)`, noteID, tagID)
	if err != nil {
		return fmt.Errorf("linking tag %s to %s: %w", tagID, noteID, err)
	}
	return nil
}

func (s *Store) GetTagsForNote(noteID string) ([]Tag, error) {
	rows, err := s.db.Query(`
		SELECT t.id, t.name, t.is_auto FROM tags t
		JOIN note_tags nt ON nt.tag_id = t.id
		WHERE nt.note_id = ? ORDER BY t.name`, noteID)
	if err != nil {
		return nil, fmt.Errorf("querying tags for %s: %w", noteID, err)
	}
	defer rows.Close()

	var tags []Tag
	for rows.Next() {
		var t Tag
		if err := rows.Scan(&t.ID, &t.Name, &t.IsAuto); err != nil {
			return nil, err
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

// ListTags returns every tag ordered by name.
func (s *Store) ListTags() ([]Tag, error) {
	rows, err := s.db.Query(`SELECT id, name, is_auto FROM tags ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying tags: %w", err)
	}
	defer rows.Close()

	var tags []Tag
	for rows.Next() {
		var t Tag
		if err := rows.Scan(&t.ID, &t.Name, &t.IsAuto); err != nil {
			return nil, err
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

func (s *Store) tagsByNote() (map[string][]Tag, error) {
	rows, err := s.db.Query(`
		SELECT nt.note_id, t.id, t.name, t.is_auto FROM note_tags nt
		JOIN tags t ON t.id = nt.tag_id ORDER BY t.name`)
	if err != nil {
		return nil, fmt.Errorf("querying note tags: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]Tag)
	for rows.Next() {
		var noteID string
		var t Tag
		if err := rows.Scan(&noteID, &t.ID, &t.Name, &t.IsAuto); err != nil {
			return nil, err
		}
		out[noteID] = append(out[noteID], t)
	}
	return out, rows.Err()
}
