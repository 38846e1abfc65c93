// Package harness runs one agent session against a pipeline. Every tool
// call the agent makes passes through an ordered interceptor chain that
// enforces operator control, answers workflow and domain tools in-process,
// and turns everything that happens into pipeline events.
package harness

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/lucasnoah/featurefactory/internal/agent"
	"github.com/lucasnoah/featurefactory/internal/domaintool"
	"github.com/lucasnoah/featurefactory/internal/events"
	"github.com/lucasnoah/featurefactory/internal/notify"
	"github.com/lucasnoah/featurefactory/internal/pipeline"
	"github.com/lucasnoah/featurefactory/internal/telemetry"
	"github.com/lucasnoah/featurefactory/internal/workflow"
)

const (
	DefaultMaxTurns       = 500
	DefaultResultTruncate = 2000
)

// Outcome is how a session ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeAborted   Outcome = "aborted"
	OutcomePaused    Outcome = "paused"
	OutcomeMaxTurns  Outcome = "max_turns"
	OutcomeError     Outcome = "error"
)

var errMaxTurns = errors.New("max turns reached")

// Config describes one session.
type Config struct {
	PipelineID    string
	// Requirements scopes the session: RequirementID must be one of them
	// and the result counts only these. Empty means every requirement of
	// the pipeline.
	Requirements  []pipeline.Requirement
	RequirementID string
	WorkDir       string
	Model         string
	MaxTurns      int
	EnableTesting bool
	Prompt        string
	SystemPrompt  string
	Phase         pipeline.Phase
	// Finalize sets the pipeline's terminal status when the session ends.
	Finalize bool
	// Bridge answers workflow tools; one is created when nil.
	Bridge *workflow.Bridge
}

// Result summarizes a finished session.
type Result struct {
	Outcome      Outcome
	Subtype      string
	Turns        int
	InputTokens  int
	OutputTokens int
	Completed    int
	Failed       int
	Pending      int
	Err          error
}

// Opts configures a Harness.
type Opts struct {
	Store          *pipeline.Store
	Runner         agent.Runner
	Domain         domaintool.Executor
	DomainTools    []string
	Notifier       notify.Notifier
	Logger         *zap.Logger
	ResultTruncate int
	// Interceptors run after the built-in chain and before passthrough.
	Interceptors []Interceptor
}

// Harness runs sessions. It is safe for concurrent use.
type Harness struct {
	store       *pipeline.Store
	runner      agent.Runner
	domain      domaintool.Executor
	notifier    notify.Notifier
	log         *zap.Logger
	truncate    int
	domainOK    map[string]bool
	domainTools []string
	extra       []Interceptor
}

// New creates a Harness.
func New(opts Opts) *Harness {
	h := &Harness{
		store:    opts.Store,
		runner:   opts.Runner,
		domain:   opts.Domain,
		notifier: opts.Notifier,
		log:      opts.Logger,
		truncate: opts.ResultTruncate,
		domainOK: make(map[string]bool, len(opts.DomainTools)),
		extra:    opts.Interceptors,
	}
	if h.log == nil {
		h.log = zap.NewNop()
	}
	h.log = h.log.Named("harness")
	if h.notifier == nil {
		h.notifier = notify.Nop{}
	}
	if h.truncate <= 0 {
		h.truncate = DefaultResultTruncate
	}
	for _, t := range opts.DomainTools {
		if !h.domainOK[t] {
			h.domainOK[t] = true
			h.domainTools = append(h.domainTools, t)
		}
	}
	return h
}

// Session is the mutable state of one running session, shared between the
// stream reader and the tool hooks.
type Session struct {
	cfg    Config
	h      *Harness
	bridge *workflow.Bridge
	cancel context.CancelCauseFunc

	mu         sync.Mutex
	turns      int
	inTokens   int
	outTokens  int
	pendingIn  int
	pendingOut int
	stop       Outcome
	started    map[string]startedCall
}

type startedCall struct {
	at   time.Time
	kind string
}

// Config returns the session's configuration.
func (s *Session) Config() Config { return s.cfg }

// Store returns the pipeline store.
func (s *Session) Store() *pipeline.Store { return s.h.store }

// Emit appends a typed event to the session's pipeline.
func (s *Session) Emit(p events.Payload) {
	s.h.store.AppendEvent(s.cfg.PipelineID, events.New(p))
}

// Stop records why the session is ending. The first reason wins.
func (s *Session) Stop(o Outcome) {
	s.mu.Lock()
	if s.stop == "" {
		s.stop = o
	}
	s.mu.Unlock()
}

func (s *Session) stopReason() Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stop
}

// takeTokens returns the usage accumulated since the last tool completion.
func (s *Session) takeTokens() (in, out int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, out = s.pendingIn, s.pendingOut
	s.pendingIn, s.pendingOut = 0, 0
	return in, out
}

func (s *Session) addUsage(u agent.Usage) {
	s.mu.Lock()
	s.inTokens += u.InputTokens
	s.outTokens += u.OutputTokens
	s.pendingIn += u.InputTokens
	s.pendingOut += u.OutputTokens
	s.mu.Unlock()
}

func (s *Session) markStarted(call agent.Call, kind string) {
	s.mu.Lock()
	s.started[callKey(call)] = startedCall{at: time.Now(), kind: kind}
	s.mu.Unlock()
}

func (s *Session) takeStarted(call agent.Call) (startedCall, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.started[callKey(call)]
	delete(s.started, callKey(call))
	return st, ok
}

func callKey(call agent.Call) string {
	if call.ID != "" {
		return call.ID
	}
	return call.Name + "\x00" + string(call.Input)
}

// Completed emits tool_completed for a call answered in-process.
func (s *Session) Completed(call agent.Call, kind string, start time.Time, output string) {
	res, truncated := truncate(output, s.h.truncate)
	in, out := s.takeTokens()
	s.Emit(events.ToolCompletedData{
		ToolUseID:    call.ID,
		Tool:         toolName(call.Name),
		Kind:         kind,
		DurationMs:   time.Since(start).Milliseconds(),
		Result:       res,
		Truncated:    truncated,
		InputTokens:  in,
		OutputTokens: out,
	})
}

// Failed emits tool_error for a call answered in-process.
func (s *Session) Failed(call agent.Call, kind string, start time.Time, err error) {
	msg, _ := truncate(err.Error(), s.h.truncate)
	s.Emit(events.ToolErrorData{
		ToolUseID:  call.ID,
		Tool:       toolName(call.Name),
		Kind:       kind,
		DurationMs: time.Since(start).Milliseconds(),
		Error:      msg,
	})
}

// Run executes one session to completion.
func (h *Harness) Run(ctx context.Context, cfg Config) (*Result, error) {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = DefaultMaxTurns
	}
	if _, ok := h.store.Get(cfg.PipelineID); !ok {
		return nil, fmt.Errorf("run session: pipeline %s: %w", cfg.PipelineID, pipeline.ErrNotFound)
	}
	if cfg.RequirementID != "" && len(cfg.Requirements) > 0 && !inScope(cfg.Requirements, cfg.RequirementID) {
		return nil, fmt.Errorf("run session: requirement %s: %w", cfg.RequirementID, pipeline.ErrUnknownRequirement)
	}
	bridge := cfg.Bridge
	if bridge == nil {
		bridge = workflow.NewBridge(h.store, cfg.PipelineID, h.log)
	}
	log := h.log.With(zap.String("pipeline_id", cfg.PipelineID), zap.String("phase", string(cfg.Phase)))

	ctx, span := telemetry.Tracer().Start(ctx, "harness.session")
	defer span.End()
	span.SetAttributes(
		attribute.String("pipeline.id", cfg.PipelineID),
		attribute.String("pipeline.phase", string(cfg.Phase)),
		attribute.String("requirement.id", cfg.RequirementID),
	)

	sessCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	s := &Session{cfg: cfg, h: h, bridge: bridge, cancel: cancel, started: make(map[string]startedCall)}
	chain := h.chain()

	s.Emit(events.SessionStartedData{
		Phase: string(cfg.Phase), Model: cfg.Model, MaxTurns: cfg.MaxTurns, WorkDir: cfg.WorkDir,
	})
	log.Info("session starting", zap.Int("max_turns", cfg.MaxTurns))

	req := agent.Request{
		Prompt:       cfg.Prompt,
		SystemPrompt: cfg.SystemPrompt,
		WorkDir:      cfg.WorkDir,
		Model:        cfg.Model,
		MaxTurns:     cfg.MaxTurns,
		Tools:        h.tools(cfg),
	}
	hooks := agent.Hooks{
		PreToolUse: func(ctx context.Context, call agent.Call) agent.Decision {
			return s.pre(ctx, chain, call)
		},
		PostToolUse: func(_ context.Context, call agent.Call, res agent.ToolResult) {
			s.post(call, res)
		},
	}

	res := &Result{}
	ch, err := h.runner.Run(sessCtx, req, hooks)
	if err != nil {
		res.Err = fmt.Errorf("start agent: %w", err)
	} else {
		s.consume(ch, res, log)
	}

	s.mu.Lock()
	res.Turns = s.turns
	res.InputTokens, res.OutputTokens = s.inTokens, s.outTokens
	s.mu.Unlock()
	res.Outcome = s.outcome(ctx, res)

	if res.Outcome == OutcomeError {
		errMsg := "agent session failed"
		if res.Err != nil {
			errMsg = res.Err.Error()
		} else if res.Subtype != "" {
			errMsg = "agent session ended with " + res.Subtype
		}
		s.Emit(events.SessionErrorData{Phase: string(cfg.Phase), Subtype: res.Subtype, Error: errMsg})
		span.SetStatus(codes.Error, errMsg)
		log.Warn("session failed", zap.String("error", errMsg))
	}

	if p, ok := h.store.Get(cfg.PipelineID); ok {
		res.Completed, res.Failed, res.Pending = scopedCounts(p, cfg.Requirements)
	}
	if res.Outcome != OutcomePaused {
		s.Emit(events.SessionCompletedData{
			Phase:        string(cfg.Phase),
			Outcome:      string(res.Outcome),
			Turns:        res.Turns,
			InputTokens:  res.InputTokens,
			OutputTokens: res.OutputTokens,
			Completed:    res.Completed,
			Failed:       res.Failed,
			Pending:      res.Pending,
		})
	}
	if cfg.Finalize {
		h.finalize(ctx, cfg.PipelineID, res, log)
	}
	span.SetAttributes(attribute.String("session.outcome", string(res.Outcome)), attribute.Int("session.turns", res.Turns))
	log.Info("session finished", zap.String("outcome", string(res.Outcome)), zap.Int("turns", res.Turns))
	return res, nil
}

func (s *Session) consume(ch <-chan agent.Message, res *Result, log *zap.Logger) {
	for msg := range ch {
		switch msg.Kind {
		case agent.KindAssistant:
			// Output after a stop decision is not part of the session.
			if s.stopReason() != "" {
				continue
			}
			s.mu.Lock()
			s.turns++
			over := s.turns > s.cfg.MaxTurns
			turns := s.turns
			s.mu.Unlock()
			if msg.Text != "" {
				s.Emit(events.AgentMessageData{Text: msg.Text})
				if s.cfg.Phase == pipeline.PhaseQA {
					_ = s.h.store.AppendMessage(s.cfg.PipelineID, "assistant", msg.Text)
				}
			}
			if over {
				s.Stop(OutcomeMaxTurns)
				s.Emit(events.MaxTurnsReachedData{Turns: turns, MaxTurns: s.cfg.MaxTurns})
				log.Info("max turns reached", zap.Int("turns", turns))
				s.cancel(errMaxTurns)
			}
		case agent.KindUsage:
			if msg.Usage != nil {
				s.addUsage(*msg.Usage)
			}
		case agent.KindResult:
			res.Subtype = msg.Subtype
			if msg.Usage != nil {
				s.addUsage(*msg.Usage)
			}
		case agent.KindError:
			if msg.Err != nil && !errors.Is(msg.Err, errMaxTurns) {
				res.Err = msg.Err
			}
		}
	}
}

// outcome decides how the session ended. Abort always wins.
func (s *Session) outcome(parent context.Context, res *Result) Outcome {
	if ctrl, ok := s.h.store.Control(s.cfg.PipelineID); ok && ctrl.Aborted() {
		return OutcomeAborted
	}
	if errors.Is(context.Cause(parent), pipeline.ErrAborted) {
		return OutcomeAborted
	}
	switch s.stopReason() {
	case OutcomeAborted:
		return OutcomeAborted
	case OutcomePaused:
		return OutcomePaused
	case OutcomeMaxTurns:
		return OutcomeMaxTurns
	}
	if res.Subtype == agent.SubtypeErrorMaxTurn {
		s.Emit(events.MaxTurnsReachedData{Turns: res.Turns, MaxTurns: s.cfg.MaxTurns})
		return OutcomeMaxTurns
	}
	if parent.Err() != nil {
		if res.Err == nil {
			res.Err = context.Cause(parent)
		}
		return OutcomeError
	}
	if res.Err != nil {
		return OutcomeError
	}
	if res.Subtype != agent.SubtypeSuccess && res.Subtype != agent.SubtypeStopped {
		return OutcomeError
	}
	return OutcomeCompleted
}

// finalize sets the terminal status in agent-driven mode. A session
// interrupted by shutdown leaves the pipeline as is so it can be resumed.
func (h *Harness) finalize(ctx context.Context, id string, res *Result, log *zap.Logger) {
	if res.Outcome == OutcomePaused {
		return
	}
	if ctx.Err() != nil && !errors.Is(context.Cause(ctx), pipeline.ErrAborted) {
		return
	}
	var err error
	switch {
	case res.Outcome == OutcomeAborted:
		err = h.store.Finish(id, pipeline.StatusAborted, "aborted by operator")
	case res.Pending == 0:
		err = h.store.Finish(id, pipeline.StatusCompleted, "")
	case res.Outcome == OutcomeMaxTurns:
		err = h.store.MarkPaused(id, "max turns reached; run go to continue")
	default:
		reason := fmt.Sprintf("session ended with %d pending requirements", res.Pending)
		if res.Err != nil {
			reason = res.Err.Error()
		}
		_ = h.store.SetError(id, reason)
		err = h.store.Finish(id, pipeline.StatusFailed, reason)
	}
	if err != nil && !errors.Is(err, pipeline.ErrTerminal) {
		log.Warn("finalize pipeline", zap.Error(err))
	}
}

func inScope(reqs []pipeline.Requirement, id string) bool {
	for _, r := range reqs {
		if r.ID == id {
			return true
		}
	}
	return false
}

// scopedCounts tallies the live status of the scoped requirements, or of
// all of them when scope is empty.
func scopedCounts(p *pipeline.Pipeline, scope []pipeline.Requirement) (completed, failed, pending int) {
	if len(scope) == 0 {
		return p.Counts()
	}
	for _, sr := range scope {
		r := p.Requirement(sr.ID)
		switch {
		case r == nil:
			pending++
		case r.Status == pipeline.RequirementCompleted:
			completed++
		case r.Status == pipeline.RequirementFailed:
			failed++
		default:
			pending++
		}
	}
	return completed, failed, pending
}

func truncate(s string, n int) (string, bool) {
	if n <= 0 || len(s) <= n {
		return s, false
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut], true
}
