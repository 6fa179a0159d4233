// Package retrieval searches notes by meaning, time and text.
package retrieval

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/noted/internal/inference"
	"github.com/kalambet/noted/internal/intent"
	"github.com/kalambet/noted/internal/storage"
)

const (
	DefaultLimit    = 50
	DefaultRelatedK = 5
	excerptLength   = 160
)

// Match says how a result was found.
type Match string

const (
	MatchSemantic Match = "semantic"
	MatchLexical  Match = "lexical"
	// MatchAll marks the unfiltered listing returned for an empty query.
	MatchAll Match = "all"
)

// NoteReader is the read side of the note store.
type NoteReader interface {
	ListNotes() ([]storage.Note, error)
	GetNote(id string) (storage.Note, error)
}

type Result struct {
	ID        string           `json:"id"`
	Score     float32          `json:"score"`
	Title     string           `json:"title"`
	Excerpt   string           `json:"excerpt"`
	Type      storage.NoteType `json:"type"`
	Tags      []string         `json:"tags"`
	CreatedAt time.Time        `json:"created_at"`
	Match     Match            `json:"match"`
}

type Response struct {
	Results          []Result               `json:"results"`
	TemporalFilter   *intent.TemporalFilter `json:"temporal_filter,omitempty"`
	InterpretedQuery string                 `json:"interpreted_query,omitempty"`
}

// Engine answers search and related-notes queries.
type Engine struct {
	store       NoteReader
	interpreter *intent.Interpreter
	limit       int
	minScore    float32
	hasMin      bool
	now         func() time.Time
	logger      *slog.Logger
}

type Option func(*Engine)

// WithLimit caps the number of query results.
func WithLimit(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.limit = n
		}
	}
}

// WithMinScore drops semantic results scoring below s. Without it every
// embedded candidate is ranked, including anti-correlated ones.
func WithMinScore(s float32) Option {
	return func(e *Engine) {
		e.minScore = s
		e.hasMin = true
	}
}

// WithClock overrides the time source used to resolve relative ranges.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates a search engine. A nil interpreter uses the defaults.
func NewEngine(store NoteReader, interpreter *intent.Interpreter, opts ...Option) *Engine {
	if interpreter == nil {
		interpreter = intent.NewInterpreter(0)
	}
	e := &Engine{
		store:       store,
		interpreter: interpreter,
		limit:       DefaultLimit,
		now:         time.Now,
		logger:      slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Query searches notes. Both models are optional: without an LLM the query
// is not interpreted, and without embeddings results come from text
// matching only.
func (e *Engine) Query(ctx context.Context, text string, emb inference.Embeddings, llm inference.LLM) (Response, error) {
	notes, err := e.store.ListNotes()
	if err != nil {
		return Response{}, err
	}

	text = strings.TrimSpace(text)
	if text == "" {
		results := make([]Result, 0, len(notes))
		for _, n := range notes {
			results = append(results, toResult(n, 0, MatchAll))
		}
		return Response{Results: results}, nil
	}

	var resp Response
	semanticQuery := text
	if inference.Ready(llm) && intent.IsQuestionLike(text) {
		if in, ok := e.interpreter.Interpret(ctx, llm, text, e.now()); ok {
			resp.TemporalFilter = in.Filter
			if in.Query != "" {
				resp.InterpretedQuery = in.Query
				semanticQuery = in.Query
			}
		}
	}

	cands := notes
	if resp.TemporalFilter != nil {
		cands = inWindow(notes, *resp.TemporalFilter)
		if len(cands) == 0 {
			e.logger.Debug("no notes in time window, matching text instead", "window", resp.TemporalFilter.Description)
			resp.Results = e.lexical(notes, text)
			return resp, nil
		}
	}

	if !inference.Ready(emb) {
		resp.Results = e.lexical(cands, text)
		return resp, nil
	}
	vec, err := emb.Embed(ctx, semanticQuery)
	if err != nil || len(vec) == 0 {
		e.logger.Warn("query embedding failed, falling back to text match", "error", err)
		resp.Results = e.lexical(cands, text)
		return resp, nil
	}

	resp.Results = e.semantic(cands, vec, text)
	return resp, nil
}

// semantic ranks notes with embeddings by similarity to vec and appends text
// matches among notes not yet embedded.
func (e *Engine) semantic(cands []storage.Note, vec []float32, text string) []Result {
	var ranked []scored
	var unembedded []storage.Note
	for _, n := range cands {
		if len(n.Embedding) == 0 {
			unembedded = append(unembedded, n)
			continue
		}
		score := Cosine(vec, n.Embedding)
		if e.hasMin && score < e.minScore {
			continue
		}
		ranked = append(ranked, scored{result: toResult(n, score, MatchSemantic), createdAt: n.CreatedAt})
	}

	results := topK(ranked, e.limit)
	if room := e.limit - len(results); room > 0 {
		extra := e.lexical(unembedded, text)
		if len(extra) > room {
			extra = extra[:room]
		}
		results = append(results, extra...)
	}
	return results
}

// FindRelated returns the k notes most similar to noteID, excluding it. The
// result is empty when the note has no embedding yet or the embeddings model
// is unavailable.
func (e *Engine) FindRelated(ctx context.Context, noteID string, emb inference.Embeddings, k int) ([]Result, error) {
	if k <= 0 {
		k = DefaultRelatedK
	}
	source, err := e.store.GetNote(noteID)
	if err != nil {
		return nil, err
	}
	if len(source.Embedding) == 0 || !inference.Ready(emb) {
		return []Result{}, nil
	}

	notes, err := e.store.ListNotes()
	if err != nil {
		return nil, err
	}
	var cands []scored
	for _, n := range notes {
		if n.ID == source.ID || len(n.Embedding) == 0 {
			continue
		}
		score := Cosine(source.Embedding, n.Embedding)
		cands = append(cands, scored{result: toResult(n, score, MatchSemantic), createdAt: n.CreatedAt})
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return topK(cands, k), nil
}

func inWindow(notes []storage.Note, f intent.TemporalFilter) []storage.Note {
	var out []storage.Note
	for _, n := range notes {
		if f.Contains(n.CreatedAt) {
			out = append(out, n)
		}
	}
	return out
}

func toResult(n storage.Note, score float32, m Match) Result {
	tags := make([]string, 0, len(n.Tags))
	for _, t := range n.Tags {
		tags = append(tags, t.Name)
	}
	return Result{
		ID:        n.ID,
		Score:     score,
		Title:     n.Title,
		Excerpt:   excerpt(n.Content),
		Type:      n.Type,
		Tags:      tags,
		CreatedAt: n.CreatedAt,
		Match:     m,
	}
}

func excerpt(content string) string {
	s := strings.Join(strings.Fields(content), " ")
	r := []rune(s)
	if len(r) <= excerptLength {
		return s
	}
	return strings.TrimSpace(string(r[:excerptLength])) + "…"
}
