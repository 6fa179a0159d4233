// Package classify turns note content into a type badge, auto tags and a
// title, using the LLM where available and keyword heuristics otherwise.
package classify

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"unicode"

	"github.com/kalambet/noted/internal/engine"
	"github.com/kalambet/noted/internal/inference"
	"github.com/kalambet/noted/internal/llmjson"
	"github.com/kalambet/noted/internal/storage"
)

const (
	DefaultMaxTags        = 5
	DefaultMaxTitleLength = 60
	maxTagLength          = 32
)

// Classification is the type and tag set inferred for one note.
type Classification struct {
	Type storage.NoteType
	Tags []string
	// FromLLM is false when the model output was unusable and defaults were applied.
	FromLLM bool
}

// classifiedTypes are the types the LLM may assign. voice and scan describe
// how a note was captured and are never inferred from content.
var classifiedTypes = []string{
	string(storage.TypeNote), string(storage.TypeMeeting), string(storage.TypeTask),
	string(storage.TypeIdea), string(storage.TypeJournal), string(storage.TypeReference),
}

var typeAliases = map[string]storage.NoteType{
	"todo":       storage.TypeTask,
	"to-do":      storage.TypeTask,
	"action":     storage.TypeTask,
	"reminder":   storage.TypeTask,
	"diary":      storage.TypeJournal,
	"reflection": storage.TypeJournal,
	"link":       storage.TypeReference,
	"article":    storage.TypeReference,
	"bookmark":   storage.TypeReference,
	"call":       storage.TypeMeeting,
	"brainstorm": storage.TypeIdea,
}

type llmVerdict struct {
	Type string   `json:"type"`
	Tags []string `json:"tags"`
}

// Classifier asks the LLM for a type and tags.
type Classifier struct {
	maxTags int
}

func New(maxTags int) *Classifier {
	if maxTags <= 0 {
		maxTags = DefaultMaxTags
	}
	return &Classifier{maxTags: maxTags}
}

func (c *Classifier) MaxTags() int { return c.maxTags }

// Classify returns the classification for content. Malformed model output
// yields type note and no tags with a nil error; only a failed model call is
// returned as an error.
func (c *Classifier) Classify(ctx context.Context, llm inference.LLM, content string) (Classification, error) {
	fallback := Classification{Type: storage.TypeNote}
	if llm == nil {
		return fallback, fmt.Errorf("classifying: %w", inference.ErrNotReady)
	}

	raw, err := llm.Generate(ctx, buildClassifyPrompt(content, c.maxTags), classifySchema())
	if err != nil {
		return fallback, fmt.Errorf("classifying: %w", err)
	}

	v, err := llmjson.Decode(raw, llmVerdict{Type: string(storage.TypeNote)})
	if err != nil {
		slog.Warn("classifier output unusable, using defaults", "error", err, "response", raw)
		return fallback, nil
	}

	typ, ok := normalizeType(v.Type)
	if !ok {
		typ = HeuristicType(content)
	}
	return Classification{Type: typ, Tags: NormalizeTags(v.Tags, c.maxTags), FromLLM: true}, nil
}

func normalizeType(s string) (storage.NoteType, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if t, ok := storage.ParseNoteType(s); ok && t != storage.TypeVoice && t != storage.TypeScan {
		return t, true
	}
	if t, ok := typeAliases[s]; ok {
		return t, true
	}
	return "", false
}

func classifySchema() *engine.Schema {
	return &engine.Schema{
		Type: "object",
		Properties: map[string]engine.SchemaProperty{
			"type": {Type: "string", Description: "The kind of note", Enum: classifiedTypes},
			"tags": {Type: "array", Description: "Short lowercase topic tags", Items: &engine.SchemaProperty{Type: "string"}},
		},
		Required: []string{"type", "tags"},
	}
}

var keywordRules = []struct {
	typ      storage.NoteType
	keywords []string
}{
	{storage.TypeMeeting, []string{"meeting", "agenda", "attendees", "minutes", "standup", "stand-up", "1:1", "call with", "sync with"}},
	{storage.TypeTask, []string{"todo", "to-do", "to do", "buy ", "remember to", "need to", "don't forget", "deadline", "pick up", "[ ]"}},
	{storage.TypeIdea, []string{"idea", "what if", "maybe we could", "brainstorm", "concept", "could build"}},
	{storage.TypeJournal, []string{"today i", "i feel", "i felt", "dear diary", "grateful", "this morning i", "tonight i"}},
	{storage.TypeReference, []string{"http://", "https://", "www.", "isbn", "doi:", "according to", "source:"}},
}

// HeuristicType infers a type from keywords, defaulting to note.
func HeuristicType(content string) storage.NoteType {
	lower := strings.ToLower(content)
	for _, rule := range keywordRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				return rule.typ
			}
		}
	}
	return storage.TypeNote
}

var tagSeparators = regexp.MustCompile(`[\s_]+`)

// NormalizeTags lowercases, hyphenates and deduplicates tags, drops empty or
// overlong ones and keeps at most max.
func NormalizeTags(tags []string, max int) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		t = strings.TrimLeft(t, "#")
		t = tagSeparators.ReplaceAllString(t, "-")
		t = strings.Trim(t, "-.,;:")
		if t == "" || len([]rune(t)) > maxTagLength || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
		if max > 0 && len(out) == max {
			break
		}
	}
	return out
}

// CleanTitle strips quotes, labels and markdown from a model-written title
// and truncates it to max runes on a word boundary when possible.
func CleanTitle(raw string, max int) string {
	s := strings.TrimSpace(raw)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	for _, prefix := range []string{"title:", "Title:", "TITLE:"} {
		s = strings.TrimPrefix(s, prefix)
	}
	s = strings.Trim(strings.TrimSpace(s), "\"'`*#“”‘’ ")
	s = strings.TrimRight(s, ".")
	return truncate(s, max)
}

// FallbackTitle derives a title from the first line of content.
func FallbackTitle(content string, max int) string {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "#-*> "))
		if line != "" {
			return truncate(line, max)
		}
	}
	return ""
}

func truncate(s string, max int) string {
	if max <= 0 {
		max = DefaultMaxTitleLength
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	cut := max
	for i := max; i > max/2; i-- {
		if unicode.IsSpace(r[i]) {
			cut = i
			break
		}
	}
	return strings.TrimRightFunc(string(r[:cut]), unicode.IsSpace)
}
