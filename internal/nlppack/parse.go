package nlppack

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ParseResponse extracts the JSON object from raw model text. JSON mode
// usually returns a bare object, but fenced and prose-wrapped replies still
// occur; fences are stripped and the outermost {...} span is tried before
// giving up.
func ParseResponse(text string) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, errors.New("empty model response")
	}

	candidates := []string{trimmed}
	if stripped := stripCodeFences(trimmed); stripped != "" && stripped != trimmed {
		candidates = append(candidates, stripped)
	}
	if inner := outermostObject(trimmed); inner != "" && inner != trimmed {
		candidates = append(candidates, inner)
	}

	var lastErr error
	for _, candidate := range candidates {
		var probe map[string]json.RawMessage
		if err := json.Unmarshal([]byte(candidate), &probe); err != nil {
			lastErr = err
			continue
		}
		return json.RawMessage(candidate), nil
	}
	return nil, fmt.Errorf("no JSON object in model response: %w", lastErr)
}

func stripCodeFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return ""
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// outermostObject returns the span from the first { to the last }, the widest
// candidate when the object is wrapped in prose.
func outermostObject(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return strings.TrimSpace(s[start : end+1])
}
