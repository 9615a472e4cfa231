package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/malbeclabs/sage/pkg/pipeline/prompts"
	"github.com/malbeclabs/sage/pkg/query"
)

// Prompts contains the pipeline prompts loaded from embedded files.
type Prompts struct {
	Understand string // Prompt for turning a question into a plan
	Phrase     string // Prompt for phrasing a rendered summary
}

// LoadPrompts loads all prompts from the embedded filesystem and injects
// the plan JSON Schema into the understanding prompt.
func LoadPrompts() (*Prompts, error) {
	p := &Prompts{}

	var err error
	if p.Understand, err = loadPrompt("UNDERSTAND.md"); err != nil {
		return nil, fmt.Errorf("failed to load UNDERSTAND: %w", err)
	}
	if p.Phrase, err = loadPrompt("PHRASE.md"); err != nil {
		return nil, fmt.Errorf("failed to load PHRASE: %w", err)
	}

	schema, err := PlanSchema()
	if err != nil {
		return nil, err
	}
	raw, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal plan schema: %w", err)
	}
	p.Understand = strings.Replace(p.Understand, "{{PLAN_SCHEMA}}", string(raw), 1)

	return p, nil
}

// PlanSchema returns the JSON Schema of a canonical query plan.
func PlanSchema() (*jsonschema.Schema, error) {
	s, err := jsonschema.For[query.Plan](nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create plan schema: %w", err)
	}
	return s, nil
}

func loadPrompt(path string) (string, error) {
	data, err := prompts.PromptsFS.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}
