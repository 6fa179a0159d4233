// Package capture turns typed text, voice transcripts, scans, PDFs and web
// pages into notes and hands them to the enrichment queue.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/kalambet/noted/internal/inference"
	"github.com/kalambet/noted/internal/queue"
	"github.com/kalambet/noted/internal/storage"
)

var (
	// ErrEmptyContent is returned when a capture yields no text.
	ErrEmptyContent = errors.New("captured content is empty")
	// ErrModelBusy is returned when the OCR model is already serving a scan.
	ErrModelBusy = errors.New("model is busy, try again shortly")
)

const (
	defaultOCRTimeout   = 30 * time.Second
	defaultFetchTimeout = 10 * time.Second
	maxFetchSize        = 5 << 20 // 5MB
)

// NoteStore creates notes.
type NoteStore interface {
	CreateNote(n storage.Note) (storage.Note, error)
}

// Enqueuer admits enrichment jobs.
type Enqueuer interface {
	Add(job queue.Job) bool
}

// TextInput is a note typed by the user.
type TextInput struct {
	Content string
	Title   string
	Type    storage.NoteType
	Source  storage.Source
	Pinned  bool
}

// Service creates notes from every capture path.
type Service struct {
	store        NoteStore
	queue        Enqueuer
	ocr          inference.OCR
	client       *http.Client
	ocrTimeout   time.Duration
	fetchTimeout time.Duration
	logger       *slog.Logger
}

type Option func(*Service)

// WithOCR sets the model used by Scan.
func WithOCR(ocr inference.OCR) Option {
	return func(s *Service) { s.ocr = ocr }
}

func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) { s.client = c }
}

func WithOCRTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.ocrTimeout = d
		}
	}
}

func WithFetchTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.fetchTimeout = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func NewService(store NoteStore, q Enqueuer, opts ...Option) *Service {
	s := &Service{
		store:        store,
		queue:        q,
		client:       http.DefaultClient,
		ocrTimeout:   defaultOCRTimeout,
		fetchTimeout: defaultFetchTimeout,
		logger:       slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Text saves a typed note. The type defaults to note.
func (s *Service) Text(ctx context.Context, in TextInput) (storage.Note, error) {
	if in.Type == "" {
		in.Type = storage.TypeNote
	}
	if _, ok := storage.ParseNoteType(string(in.Type)); !ok {
		return storage.Note{}, fmt.Errorf("unknown note type %q", in.Type)
	}
	if in.Source == "" {
		in.Source = storage.SourceText
	}
	return s.save(ctx, storage.Note{
		Content:  in.Content,
		Title:    in.Title,
		Type:     in.Type,
		Source:   in.Source,
		IsPinned: in.Pinned,
	})
}

// Voice saves a speech transcript.
func (s *Service) Voice(ctx context.Context, transcript string) (storage.Note, error) {
	return s.save(ctx, storage.Note{Content: transcript, Type: storage.TypeVoice, Source: storage.SourceVoice})
}

// Scan reads text from an image with the OCR model and saves it. It fails
// fast with ErrModelBusy instead of waiting behind another scan.
func (s *Service) Scan(ctx context.Context, image []byte) (storage.Note, error) {
	if len(image) == 0 {
		return storage.Note{}, ErrEmptyContent
	}
	if s.ocr == nil || !s.ocr.Ready() {
		return storage.Note{}, fmt.Errorf("ocr: %w", inference.ErrNotReady)
	}
	if s.ocr.Busy() {
		return storage.Note{}, ErrModelBusy
	}

	ctx, cancel := context.WithTimeout(ctx, s.ocrTimeout)
	defer cancel()
	dets, err := s.ocr.Recognize(ctx, image)
	if errors.Is(err, inference.ErrBusy) {
		return storage.Note{}, ErrModelBusy
	}
	if err != nil {
		return storage.Note{}, fmt.Errorf("recognizing text: %w", err)
	}

	return s.save(ctx, storage.Note{Content: joinDetections(dets), Type: storage.TypeScan, Source: storage.SourceScan})
}

// PDF saves the text layer of a PDF document as a scan note.
func (s *Service) PDF(ctx context.Context, data []byte, title string) (storage.Note, error) {
	text, err := extractPDFText(data)
	if err != nil {
		return storage.Note{}, err
	}
	return s.save(ctx, storage.Note{Content: text, Title: title, Type: storage.TypeScan, Source: storage.SourceScan})
}

func joinDetections(dets []inference.Detection) string {
	sorted := make([]inference.Detection, len(dets))
	copy(sorted, dets)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Line < sorted[j].Line })

	lines := make([]string, 0, len(sorted))
	for _, d := range sorted {
		if t := strings.TrimSpace(d.Text); t != "" {
			lines = append(lines, t)
		}
	}
	return strings.Join(lines, "\n")
}

// save persists n and enqueues it for enrichment. A note that the queue
// refuses is still saved; Recover picks it up later.
func (s *Service) save(ctx context.Context, n storage.Note) (storage.Note, error) {
	n.Content = strings.TrimSpace(n.Content)
	if n.Content == "" {
		return storage.Note{}, ErrEmptyContent
	}
	if err := ctx.Err(); err != nil {
		return storage.Note{}, err
	}

	created, err := s.store.CreateNote(n)
	if err != nil {
		return storage.Note{}, fmt.Errorf("saving note: %w", err)
	}
	if s.queue.Add(queue.Job{NoteID: created.ID, Content: created.Content}) {
		created.AIStatus = storage.StatusQueued
	} else {
		s.logger.Warn("note saved but not queued", "note_id", created.ID)
	}
	s.logger.Info("note captured", "note_id", created.ID, "type", created.Type, "source", created.Source)
	return created, nil
}
