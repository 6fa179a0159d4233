package intent

import (
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/noted/internal/engine"
)

const systemPromptTemplate = `You interpret search queries over a personal notes collection. Your output must be ONLY a single valid JSON object that conforms to the provided schema. Do not include any other text, prose, or markdown.

Today is %s.

Fields:
- "interpreted_query": the topic the user is looking for, rewritten as a short search phrase without time words or filler ("ideas about travel last week" becomes "travel ideas").
- "time_range": one of %s, or "none" when the query does not mention a time.`

// BuildPrompt constructs the chat messages for query interpretation.
func BuildPrompt(query string, now time.Time) []engine.Message {
	names := make([]string, len(rangeNames))
	for i, n := range rangeNames {
		names[i] = `"` + n + `"`
	}
	return []engine.Message{
		{Role: "system", Content: fmt.Sprintf(systemPromptTemplate, now.Format("Monday, January 2, 2006"), strings.Join(names, ", "))},
		{Role: "user", Content: query},
	}
}

func interpretationSchema() *engine.Schema {
	return &engine.Schema{
		Type: "object",
		Properties: map[string]engine.SchemaProperty{
			"interpreted_query": {Type: "string", Description: "Short search phrase capturing what the user wants"},
			"time_range":        {Type: "string", Description: "Named time range or none", Enum: append([]string{rangeNone}, rangeNames...)},
		},
		Required: []string{"interpreted_query", "time_range"},
	}
}
