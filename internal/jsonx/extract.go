// Package jsonx recovers JSON embedded in noisy model output: markdown
// fences, smart quotes, trailing commas, and surrounding prose.
package jsonx

import (
	"encoding/json"
	"strings"
)

// ExtractObject returns the first JSON object recoverable from text.
// The second return is false when no candidate parses to an object.
func ExtractObject(text string) (map[string]any, bool) {
	v, ok := Extract(text)
	if !ok {
		return nil, false
	}
	obj, ok := v.(map[string]any)
	return obj, ok
}

// Extract returns the first JSON value recoverable from text, trying
// progressively more aggressive recovery: verbatim parse, outermost brace
// span, cleanup of fences/smart quotes/trailing commas, and finally a
// depth-tracking scan for balanced top-level spans.
func Extract(text string) (any, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, false
	}

	candidates := []string{trimmed}

	if start, end := strings.Index(trimmed, "{"), strings.LastIndex(trimmed, "}"); start >= 0 && end > start {
		candidates = append(candidates, trimmed[start:end+1])
	}

	for _, c := range candidates {
		if v, ok := tryParse(c); ok {
			return v, true
		}
		if v, ok := tryParse(cleanup(c)); ok {
			return v, true
		}
	}

	for _, span := range balancedSpans(trimmed) {
		if v, ok := tryParse(span); ok {
			return v, true
		}
		if v, ok := tryParse(cleanup(span)); ok {
			return v, true
		}
	}

	return nil, false
}

func tryParse(s string) (any, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, false
	}
	switch v.(type) {
	case map[string]any, []any:
		return v, true
	default:
		return nil, false
	}
}

var smartQuotes = strings.NewReplacer(
	"“", `"`, // left double
	"”", `"`, // right double
	"‘", "'", // left single
	"’", "'", // right single
)

// cleanup strips code fences and smart quotes and removes trailing commas
// outside of string literals.
func cleanup(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	s = smartQuotes.Replace(s)
	return stripTrailingCommas(strings.TrimSpace(s))
}

func stripTrailingCommas(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]

		if inString {
			b.WriteByte(ch)
			if escaped {
				escaped = false
			} else if ch == '\\' {
				escaped = true
			} else if ch == '"' {
				inString = false
			}
			continue
		}

		if ch == '"' {
			inString = true
			b.WriteByte(ch)
			continue
		}

		if ch == ',' {
			j := i + 1
			for j < len(s) && (s[j] == ' ' || s[j] == '\t' || s[j] == '\n' || s[j] == '\r') {
				j++
			}
			if j < len(s) && (s[j] == '}' || s[j] == ']') {
				continue // drop the trailing comma
			}
		}

		b.WriteByte(ch)
	}

	return b.String()
}

// balancedSpans scans text tracking brace/bracket depth, skipping quoted
// string contents (including escaped quotes), and collects every top-level
// balanced {...} or [...] span.
func balancedSpans(s string) []string {
	var spans []string

	depth := 0
	start := -1
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		ch := s[i]

		if inString {
			if escaped {
				escaped = false
			} else if ch == '\\' {
				escaped = true
			} else if ch == '"' {
				inString = false
			}
			continue
		}

		switch ch {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{', '[':
			if depth == 0 {
				start = i
			}
			depth++
		case '}', ']':
			if depth == 0 {
				continue // stray closer in prose
			}
			depth--
			if depth == 0 && start >= 0 {
				spans = append(spans, s[start:i+1])
				start = -1
			}
		}
	}

	return spans
}
