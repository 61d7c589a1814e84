// Package llmjson extracts a JSON object from free-form LLM completion
// text. Models routinely wrap their JSON in prose or fenced code blocks;
// this package tries progressively looser strategies before giving up.
package llmjson

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var fencedBlock = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// Extract returns the first JSON object found in text, trying, in order:
// the raw text as-is, the contents of a fenced ```json code block, and
// finally the substring from the first '{' to its matching '}'.
func Extract(text string) (map[string]any, error) {
	trimmed := strings.TrimSpace(text)

	var out map[string]any
	if err := json.Unmarshal([]byte(trimmed), &out); err == nil {
		return out, nil
	}

	if m := fencedBlock.FindStringSubmatch(trimmed); m != nil {
		if err := json.Unmarshal([]byte(m[1]), &out); err == nil {
			return out, nil
		}
	}

	if candidate, ok := braceMatch(trimmed); ok {
		if err := json.Unmarshal([]byte(candidate), &out); err == nil {
			return out, nil
		}
	}

	return nil, fmt.Errorf("llmjson: no JSON object found in response")
}

// ExtractInto is Extract followed by unmarshaling into dst.
func ExtractInto(text string, dst any) error {
	obj, err := Extract(text)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

// braceMatch returns the substring from the first '{' to its matching
// '}', honoring string literals and escapes so braces inside JSON string
// values don't throw off the depth count.
func braceMatch(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
			// inside a string literal, braces don't count
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}
