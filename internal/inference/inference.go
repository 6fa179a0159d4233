// Package inference exposes the local models as handles with readiness,
// busy and download-progress state.
package inference

import (
	"context"
	"errors"

	"github.com/kalambet/noted/internal/engine"
)

var (
	// ErrNotReady is returned when a handle is called before its model is loaded.
	ErrNotReady = errors.New("model not ready")
	// ErrBusy is returned by non-blocking calls while another call is in flight.
	ErrBusy = errors.New("model busy")
)

// Handle is the state every model handle exposes.
type Handle interface {
	Name() string
	Ready() bool
	Busy() bool
	// Progress is the download fraction in [0, 1].
	Progress() float64
}

type LLM interface {
	Handle
	Generate(ctx context.Context, messages []engine.Message, schema *engine.Schema) (string, error)
}

type Embeddings interface {
	Handle
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Detection is one recognised line of text, in reading order.
type Detection struct {
	Text string `json:"text"`
	Line int    `json:"line"`
}

type OCR interface {
	Handle
	Recognize(ctx context.Context, image []byte) ([]Detection, error)
}

// Models is the pair of handles the enrichment queue runs jobs with.
type Models struct {
	LLM        LLM
	Embeddings Embeddings
}

// Readiness records which models can serve calls right now.
type Readiness struct {
	LLM        bool
	Embeddings bool
}

// Admits reports whether enrichment work may run: both models must be ready.
func (r Readiness) Admits() bool {
	return r.LLM && r.Embeddings
}

func (m Models) Readiness() Readiness {
	return Readiness{
		LLM:        m.LLM != nil && m.LLM.Ready(),
		Embeddings: m.Embeddings != nil && m.Embeddings.Ready(),
	}
}

// Ready reports whether h is non-nil and loaded.
func Ready(h Handle) bool {
	return h != nil && h.Ready()
}
