// Package pipeline enriches one note: classification, title, embedding and a
// single atomic write of the result.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/noted/internal/classify"
	"github.com/kalambet/noted/internal/inference"
	"github.com/kalambet/noted/internal/queue"
	"github.com/kalambet/noted/internal/storage"
)

// ErrCancelled is returned when the job was cancelled between stages.
var ErrCancelled = queue.ErrCancelled

// Store is the persistence the pipeline needs.
type Store interface {
	GetNote(id string) (storage.Note, error)
	ApplyEnrichment(id string, e storage.Enrichment) error
}

// Outcome is what a successful run wrote to the note.
type Outcome struct {
	Title      string
	Type       storage.NoteType
	Tags       []string
	Dimensions int
	// FromLLM is false when classification fell back to defaults.
	FromLLM bool
}

// Pipeline runs enrichment jobs. It is safe for use by one queue worker.
type Pipeline struct {
	store          Store
	classifier     *classify.Classifier
	maxTitleLength int
	logger         *slog.Logger
}

type Option func(*Pipeline)

// WithMaxTitleLength caps generated titles, in runes.
func WithMaxTitleLength(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.maxTitleLength = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

func New(store Store, classifier *classify.Classifier, opts ...Option) *Pipeline {
	if classifier == nil {
		classifier = classify.New(classify.DefaultMaxTags)
	}
	p := &Pipeline{
		store:          store,
		classifier:     classifier,
		maxTitleLength: classify.DefaultMaxTitleLength,
		logger:         slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Run implements queue.Runner.
func (p *Pipeline) Run(ctx context.Context, job queue.Job, models inference.Models, cancelled func() bool) error {
	_, err := p.Process(ctx, job, models, cancelled)
	return err
}

// Process enriches the note named by job. Nothing is written unless every
// stage succeeds; cancellation is observed before each stage.
func (p *Pipeline) Process(ctx context.Context, job queue.Job, models inference.Models, cancelled func() bool) (Outcome, error) {
	if cancelled == nil {
		cancelled = func() bool { return false }
	}
	if !inference.Ready(models.LLM) {
		return Outcome{}, fmt.Errorf("llm: %w", inference.ErrNotReady)
	}
	if !inference.Ready(models.Embeddings) {
		return Outcome{}, fmt.Errorf("embeddings: %w", inference.ErrNotReady)
	}

	note, err := p.store.GetNote(job.NoteID)
	if err != nil {
		return Outcome{}, fmt.Errorf("loading note: %w", err)
	}
	content := note.Content
	if strings.TrimSpace(content) == "" {
		content = job.Content
	}
	start := time.Now()

	// 1. Classification.
	if cancelled() {
		return Outcome{}, ErrCancelled
	}
	cls, err := p.classifier.Classify(ctx, models.LLM, content)
	if err != nil {
		return Outcome{}, err
	}
	typ := cls.Type
	if note.Type == storage.TypeScan || note.Type == storage.TypeVoice {
		typ = note.Type
	}

	// 2. Title, unless the user set one.
	if cancelled() {
		return Outcome{}, ErrCancelled
	}
	var title string
	if strings.TrimSpace(note.Title) == "" || note.TitleIsAuto {
		if title, err = p.title(ctx, models.LLM, content); err != nil {
			return Outcome{}, err
		}
	}

	// 3. Embedding.
	if cancelled() {
		return Outcome{}, ErrCancelled
	}
	vec, err := models.Embeddings.Embed(ctx, content)
	if err != nil {
		return Outcome{}, fmt.Errorf("embedding: %w", err)
	}
	if len(vec) == 0 {
		return Outcome{}, fmt.Errorf("embedding: model returned an empty vector")
	}

	// 4. Persistence.
	if cancelled() {
		return Outcome{}, ErrCancelled
	}
	if err := p.store.ApplyEnrichment(note.ID, storage.Enrichment{
		Title:     title,
		Type:      typ,
		Tags:      cls.Tags,
		Embedding: vec,
	}); err != nil {
		return Outcome{}, fmt.Errorf("saving enrichment: %w", err)
	}

	if title == "" {
		title = note.Title
	}
	p.logger.Debug("note enriched",
		"note_id", note.ID,
		"type", typ,
		"tags", len(cls.Tags),
		"from_llm", cls.FromLLM,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return Outcome{Title: title, Type: typ, Tags: cls.Tags, Dimensions: len(vec), FromLLM: cls.FromLLM}, nil
}

func (p *Pipeline) title(ctx context.Context, llm inference.LLM, content string) (string, error) {
	raw, err := llm.Generate(ctx, classify.TitlePrompt(content, p.maxTitleLength), nil)
	if err != nil {
		return "", fmt.Errorf("generating title: %w", err)
	}
	if t := classify.CleanTitle(raw, p.maxTitleLength); t != "" {
		return t, nil
	}
	return classify.FallbackTitle(content, p.maxTitleLength), nil
}
