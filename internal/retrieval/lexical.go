package retrieval

import (
	"strings"

	"github.com/kalambet/noted/internal/storage"
)

// lexical keeps notes whose content, title or tag names contain text,
// ignoring case. Notes keep their listing order.
func (e *Engine) lexical(notes []storage.Note, text string) []Result {
	needle := strings.ToLower(strings.TrimSpace(text))
	if needle == "" {
		return nil
	}
	var out []Result
	for _, n := range notes {
		if !matchesText(n, needle) {
			continue
		}
		out = append(out, toResult(n, 0, MatchLexical))
		if len(out) == e.limit {
			break
		}
	}
	return out
}

func matchesText(n storage.Note, needle string) bool {
	if strings.Contains(strings.ToLower(n.Content), needle) || strings.Contains(strings.ToLower(n.Title), needle) {
		return true
	}
	for _, t := range n.Tags {
		if strings.Contains(strings.ToLower(t.Name), needle) {
			return true
		}
	}
	return false
}
