// Package pipeline answers natural-language questions about registered
// datasets. A run moves through a fixed state machine: the question is
// understood into a plan, the plan is validated and executed, the result
// is rendered into facts, and the facts are phrased into an answer. Any
// failure ends the run in a single errored state with one apology.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/sage/pkg/dataset"
	"github.com/malbeclabs/sage/pkg/metrics"
	"github.com/malbeclabs/sage/pkg/query"
	"github.com/malbeclabs/sage/pkg/render"
)

const (
	defaultStageTimeout  = 30 * time.Second
	defaultRecordTimeout = 5 * time.Second
)

// LowConfidenceMessage is the warning attached to answers planned by
// keyword matching.
const LowConfidenceMessage = "this answer was planned by keyword matching and may not match the question exactly"

// Config holds the configuration for the pipeline.
type Config struct {
	Logger       *slog.Logger
	Understander Understander
	Phraser      Phraser // Optional; without it the rendered summary is the answer
	Source       query.Source
	Executor     *query.Executor
	Recorder     Recorder // Optional interaction log
	Clock        clockwork.Clock

	// StageTimeout bounds each language model call (default 30s).
	StageTimeout time.Duration
	// DisableFallback turns off keyword planning when understanding fails.
	DisableFallback bool
}

// Validate checks required fields and fills in defaults.
func (c *Config) Validate() error {
	if c.Understander == nil {
		return errors.New("understander is required")
	}
	if c.Source == nil {
		return errors.New("source is required")
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	if c.Executor == nil {
		c.Executor = query.NewExecutor(0, c.Logger)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.StageTimeout == 0 {
		c.StageTimeout = defaultStageTimeout
	}
	return nil
}

// Pipeline orchestrates answering a question. It holds no per-request
// state and is safe for concurrent use.
type Pipeline struct {
	cfg       *Config
	log       *slog.Logger
	heuristic *HeuristicPlanner
}

// New creates a new Pipeline.
func New(cfg *Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Pipeline{
		cfg:       cfg,
		log:       cfg.Logger,
		heuristic: NewHeuristicPlanner(cfg.Source),
	}, nil
}

// run carries the state of one question through the pipeline.
type run struct {
	p          *Pipeline
	ans        *Answer
	convo      *Conversation
	onProgress ProgressCallback
}

func (r *run) notify(stage ProgressStage) {
	if r.onProgress != nil {
		r.onProgress(Progress{Stage: stage, State: r.ans.State, Plan: r.ans.Plan, Error: r.ans.Error})
	}
}

// fail moves the run to the errored state. The incoming conversation is
// carried forward so a rephrased follow-up still has its context.
func (r *run) fail(kind ErrorKind, reasons []string) *Answer {
	r.ans.Error = &Error{Kind: kind, Reasons: reasons, State: r.ans.State}
	r.ans.State = StateErrored
	r.ans.Text = Apology(r.ans.Error)
	r.ans.Conversation = r.convo
	r.notify(StageError)
	return r.ans
}

// Run answers a question. convo is the context returned with the previous
// answer, or nil. Run never returns an error: failures are reported in
// Answer.Error with the apology as Answer.Text.
func (p *Pipeline) Run(ctx context.Context, question string, convo *Conversation, onProgress ProgressCallback) *Answer {
	start := p.cfg.Clock.Now()
	r := &run{
		p:          p,
		ans:        &Answer{Question: question, State: StateReceived, StartedAt: start},
		convo:      convo,
		onProgress: onProgress,
	}

	ans := r.answer(ctx)
	ans.Duration = p.cfg.Clock.Since(start)

	kind := ""
	if ans.Error != nil {
		kind = string(ans.Error.Kind)
	}
	metrics.PipelineRequestsTotal.WithLabelValues(string(ans.State), kind).Inc()
	p.log.Info("pipeline: question answered",
		"state", ans.State,
		"kind", kind,
		"lowConfidence", ans.LowConfidence,
		"phrased", ans.Phrased,
		"duration", ans.Duration)

	p.record(ctx, ans)
	return ans
}

func (r *run) answer(ctx context.Context) *Answer {
	p, ans := r.p, r.ans
	schema := p.cfg.Source.Schema()

	// Received -> Understood -> Validated
	plan, kind, reasons := r.understand(ctx, schema)
	if plan == nil && !p.cfg.DisableFallback {
		plan = r.fallback(schema)
	}
	if plan == nil {
		return r.fail(kind, reasons)
	}

	// Validated -> Executed
	r.notify(StageExecuting)
	stageStart := p.cfg.Clock.Now()
	res, err := p.cfg.Executor.Execute(ctx, plan, p.cfg.Source)
	observeStage("execute", p.cfg.Clock.Since(stageStart))
	if err != nil {
		p.log.Error("pipeline: execution failed", "error", err, "plan", plan.String())
		return r.fail(ExecutionFailure, []string{"the query could not be completed"})
	}
	if ans.LowConfidence {
		res.Warnings = append(res.Warnings, query.Warning{Code: query.WarnLowConfidence, Message: LowConfidenceMessage})
	}
	ans.Result = res
	ans.State = StateExecuted

	// Executed -> Rendered
	r.notify(StageRendering)
	summary := render.Render(res, p.cfg.Executor.MaxRows)
	ans.Summary = &summary
	ans.State = StateRendered

	// Rendered -> Answered
	ans.Text = summary.Text()
	if p.cfg.Phraser != nil {
		r.notify(StagePhrasing)
		if text, err := r.phrase(ctx, summary); err != nil {
			p.log.Warn("pipeline: phrasing failed, answering with summary", "error", err)
		} else {
			ans.Text = text
			ans.Phrased = true
		}
	}
	ans.State = StateAnswered
	ans.Conversation = &Conversation{Question: ans.Question, Plan: plan, Summary: &summary}
	r.notify(StageComplete)
	return ans
}

// understand asks the Understander for a plan and validates it. On failure
// it returns a nil plan with the error kind and user-safe reasons.
func (r *run) understand(ctx context.Context, schema *dataset.Schema) (*query.Plan, ErrorKind, []string) {
	p, ans := r.p, r.ans

	r.notify(StageUnderstanding)
	stageStart := p.cfg.Clock.Now()
	uctx, cancel := context.WithTimeout(ctx, p.cfg.StageTimeout)
	plan, err := p.cfg.Understander.Understand(uctx, UnderstandRequest{
		Question:     ans.Question,
		Schema:       schema,
		Conversation: r.convo,
	})
	cancel()
	observeStage("understand", p.cfg.Clock.Since(stageStart))
	if err != nil {
		p.log.Warn("pipeline: understanding failed", "error", err)
		return nil, UnderstandingFailure, []string{"the question could not be turned into a query plan"}
	}
	if plan == nil {
		p.log.Warn("pipeline: understander returned no plan")
		return nil, UnderstandingFailure, []string{"the question could not be turned into a query plan"}
	}
	ans.Plan = plan
	ans.State = StateUnderstood

	r.notify(StageValidating)
	if err := query.Validate(plan, schema); err != nil {
		var ve *query.ValidationError
		if !errors.As(err, &ve) {
			return nil, PlanInvalid, []string{"the query plan is invalid"}
		}
		p.log.Info("pipeline: plan rejected", "reasons", ve.Reasons, "plan", plan.String())
		return nil, PlanInvalid, ve.Reasons
	}
	ans.State = StateValidated
	return plan, "", nil
}

// fallback plans by keyword matching. The guessed plan is used only if it
// validates, and the answer is marked low-confidence.
func (r *run) fallback(schema *dataset.Schema) *query.Plan {
	p, ans := r.p, r.ans
	r.notify(StageFallback)

	plan, ok := p.heuristic.Plan(ans.Question, r.convo)
	if !ok {
		metrics.FallbackTotal.WithLabelValues("no_plan").Inc()
		return nil
	}
	if err := query.Validate(plan, schema); err != nil {
		metrics.FallbackTotal.WithLabelValues("invalid").Inc()
		p.log.Debug("pipeline: keyword plan rejected", "error", err, "plan", plan.String())
		return nil
	}
	metrics.FallbackTotal.WithLabelValues("used").Inc()
	p.log.Info("pipeline: answering from keyword plan", "plan", plan.String())

	ans.Plan = plan
	ans.LowConfidence = true
	ans.State = StateValidated
	return plan
}

func (r *run) phrase(ctx context.Context, summary render.Summary) (string, error) {
	p := r.p
	stageStart := p.cfg.Clock.Now()
	pctx, cancel := context.WithTimeout(ctx, p.cfg.StageTimeout)
	defer cancel()
	text, err := p.cfg.Phraser.Phrase(pctx, r.ans.Question, summary)
	observeStage("phrase", p.cfg.Clock.Since(stageStart))
	if err != nil {
		return "", fmt.Errorf("failed to phrase answer: %w", err)
	}
	return text, nil
}

// record hands the answer to the Recorder. It outlives a canceled request
// context so answered questions are still logged.
func (p *Pipeline) record(ctx context.Context, ans *Answer) {
	if p.cfg.Recorder == nil {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultRecordTimeout)
	defer cancel()
	if err := p.cfg.Recorder.Record(rctx, ans); err != nil {
		p.log.Warn("pipeline: failed to record interaction", "error", err)
	}
}

func observeStage(stage string, d time.Duration) {
	metrics.PipelineStageDuration.WithLabelValues(stage).Observe(d.Seconds())
}
