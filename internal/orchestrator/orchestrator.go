// Package orchestrator composes the pipeline store, the harness and the
// phase engine into the operations an operator drives: create, pause,
// resume, abort, answer and recover. Each active pipeline has one run task
// goroutine owned by the Orchestrator.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lucasnoah/featurefactory/internal/config"
	"github.com/lucasnoah/featurefactory/internal/events"
	"github.com/lucasnoah/featurefactory/internal/harness"
	"github.com/lucasnoah/featurefactory/internal/notify"
	"github.com/lucasnoah/featurefactory/internal/phase"
	"github.com/lucasnoah/featurefactory/internal/pipeline"
	"github.com/lucasnoah/featurefactory/internal/prompt"
)

var (
	// ErrConflict is returned by Create while another pipeline is active.
	ErrConflict = errors.New("another pipeline is active")
	// ErrNotPaused is returned by Resume and SubmitInput for a pipeline
	// that is not paused.
	ErrNotPaused = errors.New("pipeline is not paused")
	// ErrRunning is returned by Go for a pipeline whose run task is alive.
	ErrRunning = errors.New("pipeline is already running")
	// ErrAborted is the cancellation cause of an aborted run.
	ErrAborted = pipeline.ErrAborted

	errShutdown = errors.New("orchestrator shutting down")
	errCleared  = errors.New("pipelines cleared")
)

// Opts configures an Orchestrator.
type Opts struct {
	Store    *pipeline.Store
	Sessions phase.Sessions
	Prompts  *prompt.Renderer
	Notifier notify.Notifier
	Logger   *zap.Logger

	Mode          string
	MaxAttempts   int
	EnableTesting bool
	Model         string
	MaxTurns      int
	SystemPrompt  string
}

// OptsFromConfig fills the run settings of Opts from cfg.
func OptsFromConfig(cfg *config.Config, o Opts) Opts {
	o.Mode = cfg.Pipeline.Mode
	o.MaxAttempts = cfg.Pipeline.MaxAttempts
	o.EnableTesting = cfg.Pipeline.EnableTesting
	o.Model = cfg.Agent.Model
	o.MaxTurns = cfg.Agent.MaxTurns
	o.SystemPrompt = cfg.Agent.SystemPrompt
	return o
}

// run is a live run task.
type run struct {
	cancel  context.CancelCauseFunc
	done    chan struct{}
	restart bool
}

// Orchestrator composes pipeline lifecycle operations.
type Orchestrator struct {
	store    *pipeline.Store
	sessions phase.Sessions
	engine   *phase.Engine
	prompts  *prompt.Renderer
	notifier notify.Notifier
	log      *zap.Logger
	opts     Opts

	base       context.Context
	cancelBase context.CancelCauseFunc

	mu   sync.Mutex
	runs map[string]*run
	wg   sync.WaitGroup
}

// New creates an Orchestrator.
func New(opts Opts) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Prompts == nil {
		opts.Prompts = prompt.NewRenderer("")
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop{}
	}
	if opts.Mode == "" {
		opts.Mode = config.ModePhased
	}
	log := opts.Logger.Named("orchestrator")
	base, cancel := context.WithCancelCause(context.Background())
	return &Orchestrator{
		store:    opts.Store,
		sessions: opts.Sessions,
		engine: phase.NewEngine(phase.Opts{
			Store:         opts.Store,
			Sessions:      opts.Sessions,
			Prompts:       opts.Prompts,
			MaxAttempts:   opts.MaxAttempts,
			EnableTesting: opts.EnableTesting,
			Model:         opts.Model,
			MaxTurns:      opts.MaxTurns,
			SystemPrompt:  opts.SystemPrompt,
			Logger:        opts.Logger,
		}),
		prompts:    opts.Prompts,
		notifier:   opts.Notifier,
		log:        log,
		opts:       opts,
		base:       base,
		cancelBase: cancel,
		runs:       make(map[string]*run),
	}
}

// Store returns the underlying pipeline store.
func (o *Orchestrator) Store() *pipeline.Store {
	return o.store
}

// Create admits a new pipeline and starts its run task.
func (o *Orchestrator) Create(prompt, targetPath string) (*pipeline.Pipeline, error) {
	p := o.store.Create(prompt, targetPath)
	if p == nil {
		return nil, fmt.Errorf("create pipeline: %w", ErrConflict)
	}
	o.log.Info("pipeline created", zap.String("pipeline_id", p.ID), zap.String("target_path", targetPath))
	o.start(p.ID)
	return p, nil
}

// Get returns a copy of a pipeline.
func (o *Orchestrator) Get(id string) (*pipeline.Pipeline, error) {
	p, ok := o.store.Get(id)
	if !ok {
		return nil, fmt.Errorf("get pipeline %s: %w", id, pipeline.ErrNotFound)
	}
	return p, nil
}

// List returns summaries of every pipeline, newest first.
func (o *Orchestrator) List() []pipeline.Summary {
	return o.store.List()
}

// Pause asks the run task to stop at its next checkpoint. A pipeline with
// no run task is paused at once.
func (o *Orchestrator) Pause(id string) error {
	if !o.store.RequestPause(id) {
		return o.controlError("pause", id)
	}
	if !o.IsRunning(id) {
		if err := o.store.MarkPaused(id, "paused by operator"); err != nil {
			return fmt.Errorf("pause pipeline %s: %w", id, err)
		}
	}
	o.log.Info("pause requested", zap.String("pipeline_id", id))
	return nil
}

// Abort moves the pipeline to aborted immediately and cancels its run
// task. In-flight tool calls finish but nothing new starts.
func (o *Orchestrator) Abort(id string) error {
	if !o.store.RequestAbort(id) {
		return o.controlError("abort", id)
	}
	o.mu.Lock()
	if r, ok := o.runs[id]; ok {
		r.restart = false
		r.cancel(ErrAborted)
	}
	o.mu.Unlock()
	o.log.Info("pipeline aborted", zap.String("pipeline_id", id))
	return nil
}

// Resume continues a paused pipeline from its checkpoint.
func (o *Orchestrator) Resume(id string) error {
	if !o.store.Resume(id) {
		if err := o.controlError("resume", id); err != nil {
			return err
		}
		return fmt.Errorf("resume pipeline %s: %w", id, ErrNotPaused)
	}
	o.log.Info("pipeline resumed", zap.String("pipeline_id", id))
	o.start(id)
	return nil
}

// Go restarts the run task of a non-terminal pipeline that has none, for
// example after a process restart. A paused pipeline is resumed first.
func (o *Orchestrator) Go(id string) error {
	p, err := o.Get(id)
	if err != nil {
		return err
	}
	if p.Status.Terminal() {
		return fmt.Errorf("go pipeline %s: %w", id, pipeline.ErrTerminal)
	}
	if o.IsRunning(id) {
		return fmt.Errorf("go pipeline %s: %w", id, ErrRunning)
	}
	o.store.Resume(id)
	o.log.Info("pipeline restarted", zap.String("pipeline_id", id), zap.String("phase", string(p.Phase.Current)))
	o.start(id)
	return nil
}

// SubmitInput answers a paused pipeline's question: the answer joins the
// conversation history and the run resumes.
func (o *Orchestrator) SubmitInput(id, answer string) error {
	p, err := o.Get(id)
	if err != nil {
		return err
	}
	if p.Status != pipeline.StatusPaused {
		return fmt.Errorf("submit input to %s: %w", id, ErrNotPaused)
	}
	if err := o.store.AppendMessage(id, "user", answer); err != nil {
		return fmt.Errorf("submit input to %s: %w", id, err)
	}
	o.store.AppendEvent(id, events.New(events.UserInputReceivedData{Answer: answer}))
	return o.Resume(id)
}

// Subscribe streams a pipeline's events: the backlog first, then live
// events, then done.
func (o *Orchestrator) Subscribe(id string, h pipeline.Handler) func() {
	return o.store.Subscribe(id, h)
}

// ClearAll stops every run task and deletes every pipeline.
func (o *Orchestrator) ClearAll() int {
	o.stopAll(context.Background(), errCleared)
	n := o.store.ClearAll()
	o.log.Info("pipelines cleared", zap.Int("count", n))
	return n
}

// IsRunning reports whether the pipeline has a live run task.
func (o *Orchestrator) IsRunning(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.runs[id]
	return ok
}

// Wait blocks until the pipeline's run task exits or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, id string) error {
	o.mu.Lock()
	r, ok := o.runs[id]
	o.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown cancels every run task and waits for them to exit. Pipelines
// keep their state and can be continued with Go.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.cancelBase(errShutdown)
	return o.stopAll(ctx, errShutdown)
}

func (o *Orchestrator) stopAll(ctx context.Context, cause error) error {
	o.mu.Lock()
	for _, r := range o.runs {
		r.restart = false
		r.cancel(cause)
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) controlError(op, id string) error {
	ctrl, ok := o.store.Control(id)
	if !ok {
		return fmt.Errorf("%s pipeline %s: %w", op, id, pipeline.ErrNotFound)
	}
	if ctrl.Status.Terminal() {
		return fmt.Errorf("%s pipeline %s: %w", op, id, pipeline.ErrTerminal)
	}
	return nil
}

// start launches the run task for id. When one is alive it is asked to
// start again once it exits, so a resume racing a pause is never lost.
func (o *Orchestrator) start(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if r, ok := o.runs[id]; ok {
		r.restart = true
		return
	}
	if o.base.Err() != nil {
		return
	}
	ctx, cancel := context.WithCancelCause(o.base)
	r := &run{cancel: cancel, done: make(chan struct{})}
	o.runs[id] = r
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.execute(ctx, id)
		cancel(nil)

		o.mu.Lock()
		delete(o.runs, id)
		again := r.restart
		o.mu.Unlock()
		close(r.done)
		if again {
			o.start(id)
		}
	}()
}

// execute is the body of a run task.
func (o *Orchestrator) execute(ctx context.Context, id string) {
	log := o.log.With(zap.String("pipeline_id", id))
	defer func() {
		if r := recover(); r != nil {
			log.Error("run task panicked", zap.Any("panic", r))
			o.fail(id, fmt.Sprintf("internal error: %v", r))
		}
	}()

	p, ok := o.store.Get(id)
	if !ok || p.Status.Terminal() {
		return
	}
	if len(p.Requirements) == 0 {
		proceed, err := o.runQA(ctx, p)
		if err != nil {
			o.failUnlessCancelled(ctx, id, err, log)
		}
		if !proceed {
			o.notifyStopped(id)
			return
		}
	}

	var err error
	switch o.opts.Mode {
	case config.ModeAgent:
		err = o.runAgent(ctx, id)
	default:
		var out phase.Outcome
		out, err = o.engine.Run(ctx, id)
		log.Info("run finished", zap.String("outcome", string(out)))
	}
	if err != nil {
		o.failUnlessCancelled(ctx, id, err, log)
	}
	o.notifyStopped(id)
}

// runQA runs the requirements session. It reports whether requirements
// are now set and the run may continue.
func (o *Orchestrator) runQA(ctx context.Context, p *pipeline.Pipeline) (bool, error) {
	vars := prompt.PipelineVars(p)
	text, err := o.prompts.Render(prompt.TemplateQA, vars)
	if err != nil {
		return false, fmt.Errorf("render qa prompt: %w", err)
	}
	system, err := o.system(p)
	if err != nil {
		return false, err
	}
	if err := o.store.SetPhase(p.ID, pipeline.PhaseQA); err != nil {
		if errors.Is(err, pipeline.ErrTerminal) {
			return false, nil
		}
		return false, fmt.Errorf("enter qa: %w", err)
	}

	res, err := o.sessions.Run(ctx, harness.Config{
		PipelineID:   p.ID,
		WorkDir:      p.TargetPath,
		Model:        o.opts.Model,
		MaxTurns:     o.opts.MaxTurns,
		Prompt:       text,
		SystemPrompt: system,
		Phase:        pipeline.PhaseQA,
	})
	if err != nil {
		return false, fmt.Errorf("qa session: %w", err)
	}

	switch res.Outcome {
	case harness.OutcomePaused, harness.OutcomeAborted:
		return false, nil
	case harness.OutcomeError:
		if ctx.Err() != nil {
			return false, nil
		}
		reason := "qa session failed"
		if res.Err != nil {
			reason = res.Err.Error()
		}
		return false, errors.New(reason)
	case harness.OutcomeMaxTurns:
		_ = o.store.MarkPaused(p.ID, "max turns reached; run go to continue")
		return false, nil
	}

	cur, ok := o.store.Get(p.ID)
	if !ok {
		return false, nil
	}
	if len(cur.Requirements) == 0 {
		return false, errors.New("qa session ended without setting requirements")
	}
	return true, nil
}

// runAgent hands every requirement to one session that finalizes the
// pipeline itself.
func (o *Orchestrator) runAgent(ctx context.Context, id string) error {
	p, err := o.Get(id)
	if err != nil {
		return err
	}
	if p.Status == pipeline.StatusPaused {
		return nil
	}
	vars := prompt.PipelineVars(p)
	if o.opts.EnableTesting {
		vars["enable_testing"] = "true"
	}
	text, err := o.prompts.Render(prompt.TemplateAgent, vars)
	if err != nil {
		return fmt.Errorf("render agent prompt: %w", err)
	}
	system, err := o.system(p)
	if err != nil {
		return err
	}
	start := p.Phase.Current
	if start == pipeline.PhaseQA {
		start = pipeline.PhaseExploring
	}
	if err := o.store.SetPhase(id, start); err != nil {
		if errors.Is(err, pipeline.ErrTerminal) {
			return nil
		}
		return fmt.Errorf("enter %s: %w", start, err)
	}

	res, err := o.sessions.Run(ctx, harness.Config{
		PipelineID:    id,
		Requirements:  p.Requirements,
		WorkDir:       p.TargetPath,
		Model:         o.opts.Model,
		MaxTurns:      o.opts.MaxTurns,
		EnableTesting: o.opts.EnableTesting,
		Prompt:        text,
		SystemPrompt:  system,
		Phase:         start,
		Finalize:      true,
	})
	if err != nil {
		return fmt.Errorf("agent session: %w", err)
	}
	o.log.Info("agent session finished",
		zap.String("pipeline_id", id), zap.String("outcome", string(res.Outcome)), zap.Int("turns", res.Turns))
	return nil
}

func (o *Orchestrator) system(p *pipeline.Pipeline) (string, error) {
	system, err := o.prompts.Render(prompt.TemplateSystem, prompt.PipelineVars(p))
	if err != nil {
		return "", fmt.Errorf("render system prompt: %w", err)
	}
	if o.opts.SystemPrompt != "" {
		system += "\n" + o.opts.SystemPrompt
	}
	return system, nil
}

// failUnlessCancelled fails the pipeline for err unless the run was
// cancelled, in which case the state is left for Go.
func (o *Orchestrator) failUnlessCancelled(ctx context.Context, id string, err error, log *zap.Logger) {
	if ctx.Err() != nil {
		log.Info("run cancelled", zap.NamedError("cause", context.Cause(ctx)))
		return
	}
	log.Error("run failed", zap.Error(err))
	o.fail(id, err.Error())
}

func (o *Orchestrator) fail(id, reason string) {
	_ = o.store.SetError(id, reason)
	if err := o.store.Finish(id, pipeline.StatusFailed, reason); err != nil && !errors.Is(err, pipeline.ErrTerminal) {
		o.log.Warn("mark pipeline failed", zap.String("pipeline_id", id), zap.Error(err))
	}
}

// notifyStopped tells the operator a run ended somewhere that needs them.
func (o *Orchestrator) notifyStopped(id string) {
	p, ok := o.store.Get(id)
	if !ok {
		return
	}
	n := notify.Notification{PipelineID: id, Timestamp: time.Now()}
	switch {
	case p.Status.Terminal():
		n.Kind = notify.KindFinished
		n.Message = fmt.Sprintf("pipeline %s", p.Status)
	case p.Status == pipeline.StatusPaused && p.PendingInput == nil:
		n.Kind = notify.KindPaused
		n.Message = "pipeline paused"
	default:
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.notifier.Notify(ctx, n); err != nil {
		o.log.Warn("notify operator", zap.String("pipeline_id", id), zap.Error(err))
	}
}
