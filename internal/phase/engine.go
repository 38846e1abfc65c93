// Package phase is the retry loop of a phased pipeline: each requirement
// runs explore, plan, execute and test in order, and a failure anywhere
// retries the whole sequence up to a bounded number of attempts.
package phase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/lucasnoah/featurefactory/internal/events"
	"github.com/lucasnoah/featurefactory/internal/harness"
	"github.com/lucasnoah/featurefactory/internal/pipeline"
	"github.com/lucasnoah/featurefactory/internal/prompt"
	"github.com/lucasnoah/featurefactory/internal/telemetry"
	"github.com/lucasnoah/featurefactory/internal/workflow"
)

// DefaultMaxAttempts bounds the attempts per requirement.
const DefaultMaxAttempts = 3

// Outcome is where a run stopped.
type Outcome string

const (
	OutcomeCompleted   Outcome = "completed"
	OutcomePaused      Outcome = "paused"
	OutcomeAborted     Outcome = "aborted"
	OutcomeFailed      Outcome = "failed"
	OutcomeInterrupted Outcome = "interrupted"
)

// Sessions runs one agent session. *harness.Harness implements it.
type Sessions interface {
	Run(ctx context.Context, cfg harness.Config) (*harness.Result, error)
}

// Opts configures an Engine.
type Opts struct {
	Store         *pipeline.Store
	Sessions      Sessions
	Prompts       *prompt.Renderer
	MaxAttempts   int
	EnableTesting bool
	Model         string
	MaxTurns      int
	SystemPrompt  string
	Logger        *zap.Logger
}

// Engine runs phased pipelines.
type Engine struct {
	store    *pipeline.Store
	sessions Sessions
	prompts  *prompt.Renderer
	opts     Opts
	log      *zap.Logger
}

// NewEngine creates an Engine.
func NewEngine(opts Opts) *Engine {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Prompts == nil {
		opts.Prompts = prompt.NewRenderer("")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		store:    opts.Store,
		sessions: opts.Sessions,
		prompts:  opts.Prompts,
		opts:     opts,
		log:      log.Named("phase"),
	}
}

// stop ends the run without touching the requirement.
type stop struct{ outcome Outcome }

func (s *stop) Error() string { return "run stopped: " + string(s.outcome) }

// Run executes every remaining requirement of a pipeline whose
// requirements are set, then completes it.
func (e *Engine) Run(ctx context.Context, id string) (Outcome, error) {
	p, ok := e.store.Get(id)
	if !ok {
		return "", fmt.Errorf("run pipeline %s: %w", id, pipeline.ErrNotFound)
	}
	if p.Status.Terminal() {
		return terminalOutcome(p.Status), nil
	}
	if len(p.Requirements) == 0 {
		return "", fmt.Errorf("run pipeline %s: no requirements set", id)
	}
	bridge := workflow.NewBridge(e.store, id, e.log)
	log := e.log.With(zap.String("pipeline_id", id))

	for idx := p.Phase.RequirementIndex; idx < len(p.Requirements); idx++ {
		cur, ok := e.store.Get(id)
		if !ok {
			return "", fmt.Errorf("run pipeline %s: %w", id, pipeline.ErrNotFound)
		}
		r := cur.Requirements[idx]
		if !r.Status.Done() {
			err := e.runRequirement(ctx, cur, r, bridge, log)
			var st *stop
			if errors.As(err, &st) {
				return st.outcome, nil
			}
			if err != nil {
				return "", err
			}
		}
		next := idx + 1
		if err := e.store.UpdatePhase(id, func(ps *pipeline.PhaseState) {
			ps.RequirementIndex = next
			ps.RetryCount = 0
			ps.Current = pipeline.PhaseExploring
		}); err != nil {
			return e.storeOutcome(id, err)
		}
	}

	if err := e.store.Finish(id, pipeline.StatusCompleted, ""); err != nil {
		return e.storeOutcome(id, err)
	}
	log.Info("pipeline completed")
	return OutcomeCompleted, nil
}

// Resume continues a paused pipeline from its persisted checkpoint.
func (e *Engine) Resume(ctx context.Context, id string) (Outcome, error) {
	e.store.Resume(id)
	return e.Run(ctx, id)
}

func (e *Engine) runRequirement(ctx context.Context, p *pipeline.Pipeline, r pipeline.Requirement, bridge *workflow.Bridge, log *zap.Logger) error {
	log = log.With(zap.String("requirement_id", r.ID))
	attempt := p.Phase.RetryCount
	start := pipeline.PhaseExploring
	if p.Phase.Current != pipeline.PhaseQA && e.phaseEnabled(p.Phase.Current) {
		start = p.Phase.Current
	}

	ctx, span := telemetry.Tracer().Start(ctx, "phase.requirement")
	defer span.End()
	span.SetAttributes(attribute.String("pipeline.id", p.ID), attribute.String("requirement.id", r.ID))

	if r.Status == pipeline.RequirementPending {
		if _, err := e.store.TransitionRequirement(p.ID, r.ID, pipeline.RequirementInProgress, ""); err != nil {
			return e.stopOr(p.ID, err)
		}
	}

	previous := ""
	for {
		err := e.runPhases(ctx, p.ID, r.ID, attempt, start, previous, bridge, log)
		start = pipeline.PhaseExploring
		if err == nil {
			if _, err := e.store.TransitionRequirement(p.ID, r.ID, pipeline.RequirementCompleted, ""); err != nil &&
				!errors.Is(err, pipeline.ErrInvalidTransition) {
				return e.stopOr(p.ID, err)
			}
			log.Info("requirement completed", zap.Int("attempts", attempt+1))
			return nil
		}
		var st *stop
		if errors.As(err, &st) {
			return err
		}

		class := Classify(err)
		var f *Failure
		final := errors.As(err, &f) && f.Final
		if final || !class.Retryable() || attempt+1 >= e.opts.MaxAttempts {
			reason := err.Error()
			if !final {
				if _, terr := e.store.TransitionRequirement(p.ID, r.ID, pipeline.RequirementFailed, reason); terr != nil &&
					!errors.Is(terr, pipeline.ErrInvalidTransition) {
					return e.stopOr(p.ID, terr)
				}
			}
			span.SetStatus(codes.Error, reason)
			log.Warn("requirement failed", zap.String("class", string(class)), zap.Int("attempts", attempt+1), zap.String("reason", reason))
			return nil
		}

		attempt++
		previous = err.Error()
		if err := e.store.UpdatePhase(p.ID, func(ps *pipeline.PhaseState) {
			ps.RetryCount = attempt
			ps.Current = pipeline.PhaseExploring
		}); err != nil {
			return e.stopOr(p.ID, err)
		}
		e.store.AppendEvent(p.ID, events.New(events.RetryStartedData{
			RequirementID: r.ID, Attempt: attempt + 1, MaxAttempts: e.opts.MaxAttempts, Reason: previous,
		}))
		log.Info("retrying requirement", zap.Int("attempt", attempt+1), zap.String("reason", previous))
	}
}

func (e *Engine) phaseEnabled(ph pipeline.Phase) bool {
	return ph != pipeline.PhaseTesting || e.opts.EnableTesting
}

// runPhases runs the phases from start onward for one attempt.
func (e *Engine) runPhases(ctx context.Context, id, reqID string, attempt int, start pipeline.Phase, previous string, bridge *workflow.Bridge, log *zap.Logger) error {
	started := false
	for _, ph := range pipeline.WorkPhases {
		if ph == start {
			started = true
		}
		if !started || !e.phaseEnabled(ph) {
			continue
		}
		if err := e.checkpoint(ctx, id); err != nil {
			return err
		}
		if err := e.store.SetPhase(id, ph); err != nil {
			return e.stopOr(id, err)
		}
		if err := e.runPhase(ctx, id, reqID, ph, attempt, previous, bridge, log); err != nil {
			return err
		}
	}
	return nil
}

// checkpoint honours abort and pause before each phase.
func (e *Engine) checkpoint(ctx context.Context, id string) error {
	ctrl, ok := e.store.Control(id)
	if !ok {
		return fmt.Errorf("pipeline %s: %w", id, pipeline.ErrNotFound)
	}
	if ctrl.Aborted() || errors.Is(context.Cause(ctx), pipeline.ErrAborted) {
		return &stop{OutcomeAborted}
	}
	if ctx.Err() != nil {
		return &stop{OutcomeInterrupted}
	}
	if ctrl.PauseRequested || ctrl.Status == pipeline.StatusPaused {
		_ = e.store.MarkPaused(id, "paused by operator")
		return &stop{OutcomePaused}
	}
	return nil
}

func (e *Engine) runPhase(ctx context.Context, id, reqID string, ph pipeline.Phase, attempt int, previous string, bridge *workflow.Bridge, log *zap.Logger) error {
	p, ok := e.store.Get(id)
	if !ok {
		return fmt.Errorf("pipeline %s: %w", id, pipeline.ErrNotFound)
	}
	r := p.Requirement(reqID)
	if r == nil {
		return fmt.Errorf("%w: %s", pipeline.ErrUnknownRequirement, reqID)
	}

	ctx, span := telemetry.Tracer().Start(ctx, "phase."+string(ph))
	defer span.End()
	span.SetAttributes(attribute.Int("phase.attempt", attempt+1))

	begin := time.Now()
	e.store.AppendEvent(id, events.New(events.PhaseStartedData{Phase: string(ph), RequirementID: reqID, Attempt: attempt + 1}))

	err := e.session(ctx, p, *r, ph, attempt, previous, bridge)
	var st *stop
	if errors.As(err, &st) {
		return err
	}
	if err != nil {
		class := Classify(err)
		e.store.AppendEvent(id, events.New(events.PhaseFailedData{
			Phase: string(ph), RequirementID: reqID, Attempt: attempt + 1, Class: string(class), Reason: err.Error(),
		}))
		span.SetStatus(codes.Error, err.Error())
		log.Info("phase failed", zap.String("phase", string(ph)), zap.String("class", string(class)), zap.Error(err))
		return err
	}
	e.store.AppendEvent(id, events.New(events.PhaseCompletedData{
		Phase: string(ph), RequirementID: reqID, Attempt: attempt + 1, DurationMs: time.Since(begin).Milliseconds(),
	}))
	return nil
}

func (e *Engine) session(ctx context.Context, p *pipeline.Pipeline, r pipeline.Requirement, ph pipeline.Phase, attempt int, previous string, bridge *workflow.Bridge) error {
	name, err := prompt.PhaseTemplate(ph)
	if err != nil {
		return &Failure{Class: ClassConfiguration, Reason: err.Error(), Err: ErrConfiguration}
	}
	vars := prompt.RequirementVars(p, r, attempt+1, e.opts.MaxAttempts, previous)
	text, err := e.prompts.Render(name, vars)
	if err != nil {
		return &Failure{Class: ClassConfiguration, Reason: err.Error(), Err: fmt.Errorf("%w: %w", ErrConfiguration, err)}
	}
	system, err := e.prompts.Render(prompt.TemplateSystem, prompt.PipelineVars(p))
	if err != nil {
		return &Failure{Class: ClassConfiguration, Reason: err.Error(), Err: fmt.Errorf("%w: %w", ErrConfiguration, err)}
	}
	if e.opts.SystemPrompt != "" {
		system += "\n" + e.opts.SystemPrompt
	}

	if ph == pipeline.PhaseTesting {
		bridge.ClearVerdict(r.ID)
	}
	res, err := e.sessions.Run(ctx, harness.Config{
		PipelineID:    p.ID,
		Requirements:  p.Requirements,
		RequirementID: r.ID,
		WorkDir:       p.TargetPath,
		Model:         e.opts.Model,
		MaxTurns:      e.opts.MaxTurns,
		EnableTesting: e.opts.EnableTesting && ph == pipeline.PhaseTesting,
		Prompt:        text,
		SystemPrompt:  system,
		Phase:         ph,
		Bridge:        bridge,
	})
	if err != nil {
		return fmt.Errorf("%s session: %w", ph, err)
	}

	switch res.Outcome {
	case harness.OutcomeAborted:
		return &stop{OutcomeAborted}
	case harness.OutcomePaused:
		return &stop{OutcomePaused}
	case harness.OutcomeError:
		if ctx.Err() != nil {
			if errors.Is(context.Cause(ctx), pipeline.ErrAborted) {
				return &stop{OutcomeAborted}
			}
			return &stop{OutcomeInterrupted}
		}
		reason := "agent session failed"
		if res.Err != nil {
			reason = res.Err.Error()
		}
		return &Failure{Class: Classify(errors.New(reason)), Reason: reason, Err: res.Err}
	case harness.OutcomeMaxTurns:
		return &Failure{Class: ClassAgent, Reason: fmt.Sprintf("%s phase ran out of turns", ph)}
	}

	cur, ok := e.store.Get(p.ID)
	if !ok {
		return fmt.Errorf("pipeline %s: %w", p.ID, pipeline.ErrNotFound)
	}
	if cr := cur.Requirement(r.ID); cr != nil && cr.Status == pipeline.RequirementFailed {
		reason := cr.FailureReason
		if reason == "" {
			reason = "requirement marked failed by the agent"
		}
		return &Failure{Class: ClassAgent, Reason: reason, Final: true}
	}

	if ph == pipeline.PhaseTesting {
		v, ok := bridge.Verdict(r.ID)
		switch {
		case !ok:
			return &Failure{Class: ClassTesting, Reason: "testing session did not report a result"}
		case v.FailureKind == string(ClassConfiguration):
			return &Failure{Class: ClassConfiguration, Reason: "test environment: " + v.Summary, Err: ErrConfiguration}
		case !v.Passed:
			reason := "tests failed"
			if v.Summary != "" {
				reason += ": " + v.Summary
			}
			return &Failure{Class: ClassTesting, Reason: reason}
		}
	}
	return nil
}

// stopOr maps store errors caused by a concurrent abort to a stop.
func (e *Engine) stopOr(id string, err error) error {
	if errors.Is(err, pipeline.ErrTerminal) {
		if ctrl, ok := e.store.Control(id); ok && ctrl.Aborted() {
			return &stop{OutcomeAborted}
		}
		return &stop{terminalOutcome(e.status(id))}
	}
	return err
}

func (e *Engine) storeOutcome(id string, err error) (Outcome, error) {
	var st *stop
	if errors.As(e.stopOr(id, err), &st) {
		return st.outcome, nil
	}
	return "", err
}

func (e *Engine) status(id string) pipeline.Status {
	ctrl, _ := e.store.Control(id)
	return ctrl.Status
}

func terminalOutcome(s pipeline.Status) Outcome {
	switch s {
	case pipeline.StatusAborted:
		return OutcomeAborted
	case pipeline.StatusCompleted:
		return OutcomeCompleted
	case pipeline.StatusFailed:
		return OutcomeFailed
	}
	return OutcomeInterrupted
}
