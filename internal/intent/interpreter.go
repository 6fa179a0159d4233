package intent

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/noted/internal/inference"
	"github.com/kalambet/noted/internal/llmjson"
)

const defaultTimeout = 10 * time.Second

// Interpretation is what the LLM understood from a query.
type Interpretation struct {
	Query  string
	Filter *TemporalFilter
}

type interpretationJSON struct {
	InterpretedQuery string `json:"interpreted_query"`
	TimeRange        string `json:"time_range"`
}

// Interpreter asks a local LLM to extract intent and a time window from a
// search query.
type Interpreter struct {
	timeout time.Duration
}

// NewInterpreter returns an Interpreter bounding each call by timeout
// (10s when zero).
func NewInterpreter(timeout time.Duration) *Interpreter {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Interpreter{timeout: timeout}
}

// Interpret returns false on any failure (timeout, malformed JSON, model
// error, empty result); search must not depend on interpretation succeeding.
func (i *Interpreter) Interpret(ctx context.Context, llm inference.LLM, query string, now time.Time) (Interpretation, bool) {
	query = strings.TrimSpace(query)
	if query == "" || !inference.Ready(llm) {
		return Interpretation{}, false
	}

	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	raw, err := llm.Generate(ctx, BuildPrompt(query, now), interpretationSchema())
	if err != nil {
		slog.Warn("query interpretation failed", "error", err)
		return Interpretation{}, false
	}

	parsed, err := llmjson.Decode(raw, interpretationJSON{})
	if err != nil {
		slog.Warn("failed to decode query interpretation", "error", err, "response", raw)
		return Interpretation{}, false
	}

	out := Interpretation{Query: strings.TrimSpace(parsed.InterpretedQuery)}
	rangeName := strings.ToLower(strings.TrimSpace(parsed.TimeRange))
	if rangeName == "" || rangeName == rangeNone {
		// Fall back to an explicit phrase in the query itself.
		rangeName, _ = DetectRange(query)
	}
	if f, ok := Resolve(rangeName, now); ok {
		out.Filter = &f
	}
	if out.Query == "" && out.Filter == nil {
		return Interpretation{}, false
	}
	return out, true
}
