package inference

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kalambet/noted/internal/engine"
)

// model is the shared state behind every Ollama-backed handle. A one-slot
// channel keeps at most one call in flight per model.
type model struct {
	eng      engine.Engine
	name     string
	timeout  time.Duration
	logger   *slog.Logger
	ready    atomic.Bool
	busy     atomic.Bool
	progress atomic.Uint64
	slot     chan struct{}
}

func newModel(eng engine.Engine, name string, timeout time.Duration) *model {
	return &model{
		eng:     eng,
		name:    name,
		timeout: timeout,
		logger:  slog.Default().With("model", name),
		slot:    make(chan struct{}, 1),
	}
}

func (m *model) Name() string      { return m.name }
func (m *model) Ready() bool       { return m.ready.Load() }
func (m *model) Busy() bool        { return m.busy.Load() }
func (m *model) Progress() float64 { return math.Float64frombits(m.progress.Load()) }

func (m *model) setProgress(f float64) {
	m.progress.Store(math.Float64bits(f))
}

// Load makes the model available locally, pulling it when missing, and marks
// the handle ready.
func (m *model) Load(ctx context.Context) error {
	if !m.eng.IsRunning(ctx) {
		return fmt.Errorf("local inference engine is not running; please ensure ollama is started")
	}
	if !m.eng.HasModel(ctx, m.name) {
		m.logger.Info("pulling model")
		err := m.eng.PullModel(ctx, m.name, func(p engine.PullProgress) {
			if f := p.Fraction(); f >= 0 {
				m.setProgress(f)
			}
		})
		if err != nil {
			return fmt.Errorf("pulling model %s: %w", m.name, err)
		}
	}
	m.setProgress(1)
	m.ready.Store(true)
	m.logger.Info("model ready")
	return nil
}

func (m *model) acquire(ctx context.Context) error {
	select {
	case m.slot <- struct{}{}:
		m.busy.Store(true)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *model) tryAcquire() bool {
	select {
	case m.slot <- struct{}{}:
		m.busy.Store(true)
		return true
	default:
		return false
	}
}

func (m *model) release() {
	m.busy.Store(false)
	<-m.slot
}

func (m *model) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.timeout)
}

// call waits for the slot, then runs fn under the handle's timeout.
func (m *model) call(ctx context.Context, fn func(ctx context.Context) error) error {
	if !m.Ready() {
		return fmt.Errorf("%s: %w", m.name, ErrNotReady)
	}
	if err := m.acquire(ctx); err != nil {
		return err
	}
	defer m.release()

	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	if err := fn(ctx); err != nil {
		return fmt.Errorf("%s: %w", m.name, err)
	}
	return nil
}

// OllamaLLM is a chat model served by Ollama.
type OllamaLLM struct{ *model }

func NewLLM(eng engine.Engine, name string, timeout time.Duration) *OllamaLLM {
	return &OllamaLLM{newModel(eng, name, timeout)}
}

func (l *OllamaLLM) Generate(ctx context.Context, messages []engine.Message, schema *engine.Schema) (string, error) {
	var out string
	err := l.call(ctx, func(ctx context.Context) error {
		var err error
		out, err = l.eng.Chat(ctx, l.name, messages, schema)
		return err
	})
	return out, err
}

// OllamaEmbeddings is an embedding model served by Ollama.
type OllamaEmbeddings struct{ *model }

func NewEmbeddings(eng engine.Engine, name string, timeout time.Duration) *OllamaEmbeddings {
	return &OllamaEmbeddings{newModel(eng, name, timeout)}
}

func (e *OllamaEmbeddings) Embed(ctx context.Context, text string) ([]float32, error) {
	var out []float32
	err := e.call(ctx, func(ctx context.Context) error {
		var err error
		out, err = e.eng.Embed(ctx, e.name, text)
		return err
	})
	return out, err
}

const ocrPrompt = `Transcribe all text visible in this image exactly as written.
Output one line of text per line in the image, top to bottom, left to right.
Do not describe the image and do not add commentary. If there is no text, output nothing.`

// OllamaOCR reads text from images with a vision model served by Ollama.
type OllamaOCR struct{ *model }

func NewOCR(eng engine.Engine, name string, timeout time.Duration) *OllamaOCR {
	return &OllamaOCR{newModel(eng, name, timeout)}
}

// Recognize never queues: it returns ErrBusy if another recognition is running.
func (o *OllamaOCR) Recognize(ctx context.Context, image []byte) ([]Detection, error) {
	if !o.Ready() {
		return nil, fmt.Errorf("%s: %w", o.name, ErrNotReady)
	}
	if !o.tryAcquire() {
		return nil, fmt.Errorf("%s: %w", o.name, ErrBusy)
	}
	defer o.release()

	ctx, cancel := o.withTimeout(ctx)
	defer cancel()

	resp, err := o.eng.Chat(ctx, o.name, []engine.Message{{
		Role:    "user",
		Content: ocrPrompt,
		Images:  []string{base64.StdEncoding.EncodeToString(image)},
	}}, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: recognizing text: %w", o.name, err)
	}

	var out []Detection
	for _, line := range strings.Split(resp, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "```") {
			continue
		}
		out = append(out, Detection{Text: line, Line: len(out)})
	}
	return out, nil
}
