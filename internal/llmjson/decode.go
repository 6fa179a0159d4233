// Package llmjson decodes structured output from small local models, which
// frequently wrap JSON in markdown fences or surround it with filler text.
package llmjson

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNoObject is returned when a response contains no JSON object.
var ErrNoObject = errors.New("no JSON object in response")

// ExtractObject returns the JSON object embedded in an LLM response.
// The parser strips markdown code fences, then takes the text between the
// first '{' and the last '}'.
func ExtractObject(resp string) (string, error) {
	s := strings.TrimSpace(resp)

	if idx := strings.Index(s, "```"); idx != -1 {
		s = s[idx+3:]
		s = strings.TrimPrefix(s, "json")
		if end := strings.Index(s, "```"); end != -1 {
			s = s[:end]
		}
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end <= start {
		return "", ErrNoObject
	}
	return s[start : end+1], nil
}

// Decode parses resp into a T. On any failure it returns fallback together
// with the parse error, so callers can log and carry on with the default.
func Decode[T any](resp string, fallback T) (T, error) {
	obj, err := ExtractObject(resp)
	if err != nil {
		return fallback, err
	}
	var v T
	if err := json.Unmarshal([]byte(obj), &v); err != nil {
		return fallback, fmt.Errorf("unmarshalling response: %w", err)
	}
	return v, nil
}
