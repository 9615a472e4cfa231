package pipeline

import (
	"context"
	"time"

	"github.com/malbeclabs/sage/pkg/dataset"
	"github.com/malbeclabs/sage/pkg/query"
	"github.com/malbeclabs/sage/pkg/render"
)

// CompleteOptions holds options for LLM completion.
type CompleteOptions struct {
	CacheSystemPrompt bool // Enable prompt caching for the system prompt
}

// CompleteOption is a functional option for Complete.
type CompleteOption func(*CompleteOptions)

// WithCacheControl marks the system prompt as cacheable. The understanding
// prompt embeds the full schema and is identical across questions.
func WithCacheControl() CompleteOption {
	return func(o *CompleteOptions) {
		o.CacheSystemPrompt = true
	}
}

// LLMClient is the interface for interacting with an LLM.
type LLMClient interface {
	// Complete sends a prompt and returns the response text.
	Complete(ctx context.Context, systemPrompt, userPrompt string, opts ...CompleteOption) (string, error)
}

// Understander turns a question into a query plan.
type Understander interface {
	Understand(ctx context.Context, req UnderstandRequest) (*query.Plan, error)
}

// UnderstandRequest is the input to an Understander. Conversation is nil
// for a first question.
type UnderstandRequest struct {
	Question     string
	Schema       *dataset.Schema
	Conversation *Conversation
}

// Phraser rewrites a rendered summary as a natural-language answer.
type Phraser interface {
	Phrase(ctx context.Context, question string, summary render.Summary) (string, error)
}

// Recorder persists answered questions. Failures are logged by the
// pipeline and never change the answer.
type Recorder interface {
	Record(ctx context.Context, ans *Answer) error
}

// Conversation is the context a follow-up question is understood against.
// It is produced by one run and passed explicitly into the next.
type Conversation struct {
	Question string          `json:"question"`
	Plan     *query.Plan     `json:"plan,omitempty"`
	Summary  *render.Summary `json:"summary,omitempty"`
}

// State is a step of the answering state machine.
type State string

const (
	StateReceived   State = "received"
	StateUnderstood State = "understood"
	StateValidated  State = "validated"
	StateExecuted   State = "executed"
	StateRendered   State = "rendered"
	StateAnswered   State = "answered"
	StateErrored    State = "errored"
)

// ErrorKind classifies why a question could not be answered.
type ErrorKind string

const (
	UnderstandingFailure ErrorKind = "understanding_failure"
	PlanInvalid          ErrorKind = "plan_invalid"
	ExecutionFailure     ErrorKind = "execution_failure"
)

// Error is the terminal failure of a run. Reasons are safe to show to the
// person who asked; internal error text is only logged.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Reasons []string  `json:"reasons"`
	// State is the last state reached before failing.
	State State `json:"state"`
}

func (e *Error) Error() string {
	if len(e.Reasons) == 0 {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Reasons[0]
}

// Answer is the outcome of one run.
type Answer struct {
	Question      string          `json:"question"`
	State         State           `json:"state"`
	Text          string          `json:"text"`
	Plan          *query.Plan     `json:"plan,omitempty"`
	Result        *query.Result   `json:"result,omitempty"`
	Summary       *render.Summary `json:"summary,omitempty"`
	Error         *Error          `json:"error,omitempty"`
	LowConfidence bool            `json:"low_confidence"`
	Phrased       bool            `json:"phrased"`
	// Conversation is the context to pass with the next question. An
	// errored run hands back the conversation it was given.
	Conversation *Conversation `json:"conversation,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`
}

// ProgressStage represents a stage in the pipeline execution.
type ProgressStage string

const (
	StageUnderstanding ProgressStage = "understanding"
	StageFallback      ProgressStage = "fallback"
	StageValidating    ProgressStage = "validating"
	StageExecuting     ProgressStage = "executing"
	StageRendering     ProgressStage = "rendering"
	StagePhrasing      ProgressStage = "phrasing"
	StageComplete      ProgressStage = "complete"
	StageError         ProgressStage = "error"
)

// Progress represents the current state of pipeline execution.
type Progress struct {
	Stage ProgressStage
	State State
	Plan  *query.Plan // Set once a plan is understood
	Error *Error      // Set if the run errored
}

// ProgressCallback is called at each stage of pipeline execution.
type ProgressCallback func(Progress)
