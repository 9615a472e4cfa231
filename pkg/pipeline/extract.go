package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/malbeclabs/sage/pkg/query"
)

var errNoJSON = errors.New("response contains no JSON object")

// refusal is the explicit failure signal a model may return instead of a
// plan.
type refusal struct {
	Error string `json:"error"`
}

// parsePlanResponse extracts a plan from model output. Output that holds
// no JSON object, an unparseable object, or an {"error": ...} refusal is
// an error.
func parsePlanResponse(response string) (*query.Plan, error) {
	raw := extractJSON(response)
	if raw == "" {
		return nil, errNoJSON
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &probe); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	if msg, ok := probe["error"]; ok && len(probe) == 1 {
		var r refusal
		if err := json.Unmarshal([]byte(raw), &r); err == nil && r.Error != "" {
			return nil, fmt.Errorf("model declined: %s", r.Error)
		}
		return nil, fmt.Errorf("model declined: %s", string(msg))
	}

	plan, err := query.DecodePlan([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to decode plan: %w", err)
	}
	return plan, nil
}

// extractJSON finds a JSON object in a response that might contain
// markdown fences or surrounding prose.
func extractJSON(response string) string {
	response = strings.TrimSpace(response)

	for _, fence := range []string{"```json", "```"} {
		start := strings.Index(response, fence)
		if start == -1 {
			continue
		}
		start += len(fence)
		end := strings.Index(response[start:], "```")
		if end == -1 {
			continue
		}
		if content := strings.TrimSpace(response[start : start+end]); strings.HasPrefix(content, "{") {
			return content
		}
	}

	if start := strings.Index(response, "{"); start != -1 {
		return extractJSONObject(response, start)
	}
	return ""
}

// extractJSONObject returns the balanced object starting at start, skipping
// braces inside strings. Unbalanced input yields "".
func extractJSONObject(s string, start int) string {
	if start >= len(s) || s[start] != '{' {
		return ""
	}

	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
