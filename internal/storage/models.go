package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// NoteType is the semantic badge of a note.
type NoteType string

const (
	TypeNote      NoteType = "note"
	TypeMeeting   NoteType = "meeting"
	TypeTask      NoteType = "task"
	TypeIdea      NoteType = "idea"
	TypeJournal   NoteType = "journal"
	TypeReference NoteType = "reference"
	TypeVoice     NoteType = "voice"
	TypeScan      NoteType = "scan"
)

var noteTypes = []NoteType{TypeNote, TypeMeeting, TypeTask, TypeIdea, TypeJournal, TypeReference, TypeVoice, TypeScan}

// NoteTypes returns every known note type.
func NoteTypes() []NoteType {
	out := make([]NoteType, len(noteTypes))
	copy(out, noteTypes)
	return out
}

// ParseNoteType reports whether s names a known note type.
func ParseNoteType(s string) (NoteType, bool) {
	for _, t := range noteTypes {
		if string(t) == s {
			return t, true
		}
	}
	return "", false
}

// AIStatus is the persisted enrichment state of a note.
type AIStatus string

const (
	StatusUnprocessed AIStatus = "unprocessed"
	StatusQueued      AIStatus = "queued"
	StatusProcessing  AIStatus = "processing"
	StatusOrganized   AIStatus = "organized"
	StatusFailed      AIStatus = "failed"
	StatusCancelled   AIStatus = "cancelled"
)

func (s AIStatus) valid() bool {
	switch s {
	case StatusUnprocessed, StatusQueued, StatusProcessing, StatusOrganized, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Source records which capture path created a note.
type Source string

const (
	SourceText  Source = "text"
	SourceVoice Source = "voice"
	SourceScan  Source = "scan"
	SourceWeb   Source = "web"
	SourceMCP   Source = "mcp"
	SourceCLI   Source = "cli"
)

type Tag struct {
	ID     string
	Name   string
	IsAuto bool
}

type Note struct {
	ID          string
	Content     string
	Title       string
	TitleIsAuto bool
	Type        NoteType
	Source      Source
	Embedding   []float32
	AIStatus    AIStatus
	AIError     string
	IsProcessed bool
	IsPinned    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Tags        []Tag
}

// NoteUpdate is a partial update; nil fields are left untouched.
type NoteUpdate struct {
	Title    *string
	Content  *string
	Type     *NoteType
	IsPinned *bool
}

// Enrichment is the full result of one successful processing run.
// An empty Title keeps the note's current title; a non-empty one is stored
// as generated.
type Enrichment struct {
	Title     string
	Type      NoteType
	Tags      []string
	Embedding []float32
}
