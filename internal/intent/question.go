package intent

import (
	"regexp"
	"strings"
)

var (
	questionStart = regexp.MustCompile(`^(what|when|where|which|who|whom|whose|why|how|show|find|list|search|give|get|did|do|does|have|has|is|are|was|were|can|could|any)\b`)
	temporalRef   = regexp.MustCompile(`\b(today|yesterday|tonight|this (morning|week|month|year)|last (night|week|month|year)|past (week|month|\d+ days)|last \d+ days|recent(ly)?|ago|earlier)\b`)
	topicRef      = regexp.MustCompile(`\b(about|regarding|related to|notes? (on|from|for)|mentioning|concerning)\b`)
	firstPerson   = regexp.MustCompile(`\b(did i|do i|have i|i wrote|i noted|my notes)\b`)
)

// IsQuestionLike reports whether text reads like a natural-language request
// worth sending to the LLM for interpretation rather than a bare keyword.
func IsQuestionLike(text string) bool {
	s := strings.ToLower(strings.TrimSpace(text))
	if s == "" {
		return false
	}
	if strings.HasSuffix(s, "?") {
		return true
	}
	return questionStart.MatchString(s) ||
		temporalRef.MatchString(s) ||
		topicRef.MatchString(s) ||
		firstPerson.MatchString(s)
}
