package generator

import (
	"encoding/json"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/pbaille/cpsynth/internal/domain"
)

var (
	// jsonBlockPattern matches JSON inside markdown code blocks: ```json { ... } ```
	jsonBlockPattern = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\{.*\\})\\s*```")
	// jsonObjectPattern matches any JSON object (greedy fallback).
	jsonObjectPattern = regexp.MustCompile(`(?s)\{[\s\S]*\}`)
	// trailingCommaPattern matches trailing commas before ] or }.
	trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)
)

// ExtractJSON pulls a JSON object out of model output, tolerating code fences,
// surrounding prose and trailing commas.
func ExtractJSON(content string) string {
	var raw string
	if m := jsonBlockPattern.FindStringSubmatch(content); len(m) > 1 {
		raw = m[1]
	} else {
		raw = jsonObjectPattern.FindString(content)
	}
	if raw == "" {
		return ""
	}
	return trailingCommaPattern.ReplaceAllString(raw, "$1")
}

// DecodeJSON extracts and decodes a JSON object from model output into v.
// Failures are MALFORMED_EXTERNAL_OUTPUT errors.
func DecodeJSON(content string, v any) error {
	raw := ExtractJSON(content)
	if raw == "" {
		return domain.NewError(component, domain.CodeMalformedExternalOutput, "no JSON object in model output", nil)
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return domain.NewError(component, domain.CodeMalformedExternalOutput, "model output is not valid JSON", err)
	}
	return nil
}

// Truncate shortens s for log fields.
func Truncate(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= max {
		return s
	}
	cut := max - 3
	if cut < 0 {
		cut = 0
	}
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
