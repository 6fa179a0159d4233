package classify

import (
	"fmt"
	"strings"

	"github.com/kalambet/noted/internal/engine"
)

const classifySystemPrompt = `You organize personal notes. Read the note and answer with ONLY a JSON object matching the schema. Do not include any other text, prose, or markdown.

Types:
- "meeting": notes from or about a meeting or call
- "task": something to do, a reminder or a shopping list
- "idea": a new idea, plan or brainstorm
- "journal": personal reflection about the writer's day or feelings
- "reference": facts, links or material kept for later lookup
- "note": anything else

Rules:
- Pick exactly one type.
- Give at most %d short lowercase topic tags, one or two words each.
- Prefer general topics ("groceries", "travel") over words copied from the note.`

const titleSystemPrompt = `Write a concise title for the user's note, at most %d characters.
Answer with the title only: no quotes, no trailing period, no label.`

func buildClassifyPrompt(content string, maxTags int) []engine.Message {
	return []engine.Message{
		{Role: "system", Content: fmt.Sprintf(classifySystemPrompt, maxTags)},
		{Role: "user", Content: strings.TrimSpace(content)},
	}
}

// TitlePrompt builds the chat messages asking the LLM for a title.
func TitlePrompt(content string, maxLen int) []engine.Message {
	return []engine.Message{
		{Role: "system", Content: fmt.Sprintf(titleSystemPrompt, maxLen)},
		{Role: "user", Content: strings.TrimSpace(content)},
	}
}
