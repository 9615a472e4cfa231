package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/malbeclabs/sage/pkg/metrics"
	"github.com/malbeclabs/sage/pkg/query"
	"github.com/malbeclabs/sage/pkg/render"
)

// LLMUnderstander asks a language model for a query plan.
type LLMUnderstander struct {
	llm     LLMClient
	prompts *Prompts
	log     *slog.Logger
}

// NewLLMUnderstander creates an Understander backed by llm.
func NewLLMUnderstander(llm LLMClient, prompts *Prompts, log *slog.Logger) (*LLMUnderstander, error) {
	if llm == nil {
		return nil, errors.New("LLM client is required")
	}
	if prompts == nil {
		return nil, errors.New("prompts are required")
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &LLMUnderstander{llm: llm, prompts: prompts, log: log}, nil
}

// Understand implements Understander.
func (u *LLMUnderstander) Understand(ctx context.Context, req UnderstandRequest) (*query.Plan, error) {
	// The schema goes in the system prompt so it is cached across questions.
	schema, err := json.MarshalIndent(req.Schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	systemPrompt := u.prompts.Understand + "\n\n## Datasets\n\n```json\n" + string(schema) + "\n```"

	var userPrompt strings.Builder
	if c := req.Conversation; c != nil {
		userPrompt.WriteString("## Previous Question\n\n")
		userPrompt.WriteString(c.Question)
		userPrompt.WriteString("\n\n")
		if c.Plan != nil {
			userPrompt.WriteString("## Previous Plan\n\n```json\n")
			userPrompt.WriteString(c.Plan.String())
			userPrompt.WriteString("\n```\n\n")
		}
		if c.Summary != nil {
			userPrompt.WriteString("## Previous Answer\n\n")
			userPrompt.WriteString(c.Summary.HeadlineFact)
			userPrompt.WriteString("\n\n")
		}
	}
	userPrompt.WriteString("## Question\n\n")
	userPrompt.WriteString(req.Question)

	response, err := complete(ctx, u.llm, "understand", systemPrompt, userPrompt.String(), WithCacheControl())
	if err != nil {
		return nil, fmt.Errorf("LLM completion failed: %w", err)
	}

	plan, err := parsePlanResponse(response)
	if err != nil {
		u.log.Debug("pipeline: unusable plan response", "error", err, "response", truncate(response, 500))
		return nil, err
	}
	return plan, nil
}

// LLMPhraser asks a language model to phrase a rendered summary.
type LLMPhraser struct {
	llm     LLMClient
	prompts *Prompts
}

// NewLLMPhraser creates a Phraser backed by llm.
func NewLLMPhraser(llm LLMClient, prompts *Prompts) (*LLMPhraser, error) {
	if llm == nil {
		return nil, errors.New("LLM client is required")
	}
	if prompts == nil {
		return nil, errors.New("prompts are required")
	}
	return &LLMPhraser{llm: llm, prompts: prompts}, nil
}

// Phrase implements Phraser. A response that drops a number stated in the
// headline is rejected so the caller falls back to the summary text.
func (p *LLMPhraser) Phrase(ctx context.Context, question string, summary render.Summary) (string, error) {
	userPrompt := fmt.Sprintf(`Question: %s

Summary:
%s

Please answer the question using only the summary above.`, question, summary.Text())

	response, err := complete(ctx, p.llm, "phrase", p.prompts.Phrase, userPrompt)
	if err != nil {
		return "", fmt.Errorf("LLM completion failed: %w", err)
	}
	text := strings.TrimSpace(response)
	if text == "" {
		return "", errors.New("empty phrasing response")
	}
	if missing := missingNumbers(summary.HeadlineFact, text); len(missing) > 0 {
		return "", fmt.Errorf("phrasing dropped values %s", strings.Join(missing, ", "))
	}
	return text, nil
}

var numberRe = regexp.MustCompile(`\d[\d,]*(?:\.\d+)?`)

// missingNumbers lists the numbers in want that do not appear verbatim in
// got.
func missingNumbers(want, got string) []string {
	var missing []string
	for _, n := range numberRe.FindAllString(want, -1) {
		n = strings.TrimRight(n, ",")
		if !strings.Contains(got, n) {
			missing = append(missing, n)
		}
	}
	return missing
}

// complete calls the LLM and records the outcome.
func complete(ctx context.Context, llm LLMClient, purpose, systemPrompt, userPrompt string, opts ...CompleteOption) (string, error) {
	response, err := llm.Complete(ctx, systemPrompt, userPrompt, opts...)
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.LLMCallsTotal.WithLabelValues(purpose, status).Inc()
	return response, err
}

// truncate truncates a string to the given max length, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
