package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lucasnoah/featurefactory/internal/agent"
	"github.com/lucasnoah/featurefactory/internal/events"
	"github.com/lucasnoah/featurefactory/internal/notify"
	"github.com/lucasnoah/featurefactory/internal/pipeline"
	"github.com/lucasnoah/featurefactory/internal/workflow"
)

// ToolAskUser pauses the pipeline until the operator answers.
const ToolAskUser = "ask_user"

// Tool kinds reported on tool events and metrics.
const (
	KindWorkflow = "workflow"
	KindAskUser  = "ask_user"
	KindDomain   = "domain"
	KindBuiltin  = "builtin"
)

const mcpPrefix = "mcp__factory__"

// Interceptor inspects a tool call before it runs. It returns handled=false
// to pass the call to the next interceptor.
type Interceptor interface {
	Intercept(ctx context.Context, s *Session, call agent.Call) (d agent.Decision, handled bool)
}

// InterceptorFunc adapts a function to Interceptor.
type InterceptorFunc func(ctx context.Context, s *Session, call agent.Call) (agent.Decision, bool)

// Intercept calls f.
func (f InterceptorFunc) Intercept(ctx context.Context, s *Session, call agent.Call) (agent.Decision, bool) {
	return f(ctx, s, call)
}

// chain is the fixed interceptor order: abort, pause, workflow, ask_user,
// domain, any extras, then passthrough.
func (h *Harness) chain() []Interceptor {
	c := []Interceptor{
		InterceptorFunc(interceptAbort),
		InterceptorFunc(interceptPause),
		InterceptorFunc(interceptWorkflow),
		InterceptorFunc(h.interceptAskUser),
		InterceptorFunc(h.interceptDomain),
	}
	return append(c, h.extra...)
}

func toolName(name string) string {
	return strings.TrimPrefix(name, mcpPrefix)
}

func (s *Session) pre(ctx context.Context, chain []Interceptor, call agent.Call) agent.Decision {
	call.Name = toolName(call.Name)
	for _, ic := range chain {
		if d, ok := ic.Intercept(ctx, s, call); ok {
			return d
		}
	}
	s.Emit(events.ToolStartedData{ToolUseID: call.ID, Tool: call.Name, Kind: KindBuiltin})
	s.markStarted(call, KindBuiltin)
	return agent.AllowCall()
}

// post records the result of a call the agent executed itself. Calls
// answered in-process were recorded when they were answered.
func (s *Session) post(call agent.Call, res agent.ToolResult) {
	call.Name = toolName(call.Name)
	st, ok := s.takeStarted(call)
	if !ok {
		return
	}
	if res.IsError {
		s.Failed(call, st.kind, st.at, errors.New(res.Output))
		return
	}
	s.Completed(call, st.kind, st.at, res.Output)
}

func interceptAbort(ctx context.Context, s *Session, call agent.Call) (agent.Decision, bool) {
	ctrl, _ := s.Store().Control(s.cfg.PipelineID)
	if !ctrl.Aborted() && ctx.Err() == nil {
		return agent.Decision{}, false
	}
	reason := "pipeline aborted"
	if ctx.Err() != nil && !ctrl.Aborted() {
		reason = "session cancelled"
	}
	s.Emit(events.ToolRejectedData{ToolUseID: call.ID, Tool: call.Name, Reason: reason})
	if ctrl.Aborted() {
		s.Stop(OutcomeAborted)
	}
	return agent.DenyCall(reason, true), true
}

func interceptPause(_ context.Context, s *Session, call agent.Call) (agent.Decision, bool) {
	ctrl, _ := s.Store().Control(s.cfg.PipelineID)
	if !ctrl.PauseRequested {
		return agent.Decision{}, false
	}
	const reason = "pipeline paused by operator"
	s.Emit(events.ToolRejectedData{ToolUseID: call.ID, Tool: call.Name, Reason: reason})
	_ = s.Store().MarkPaused(s.cfg.PipelineID, reason)
	s.Stop(OutcomePaused)
	return agent.DenyCall(reason, true), true
}

func interceptWorkflow(ctx context.Context, s *Session, call agent.Call) (agent.Decision, bool) {
	if !workflow.IsTool(call.Name) {
		return agent.Decision{}, false
	}
	start := time.Now()
	s.Emit(events.ToolStartedData{ToolUseID: call.ID, Tool: call.Name, Kind: KindWorkflow})
	out, err := s.bridge.Call(ctx, call.Name, call.Input)
	if err != nil {
		s.Failed(call, KindWorkflow, start, err)
		return agent.RespondCall("Error: "+err.Error(), true), true
	}
	s.Completed(call, KindWorkflow, start, out)
	return agent.RespondCall(out, false), true
}

type askUserInput struct {
	Questions []string `json:"questions,omitempty" jsonschema:"questions for the operator"`
	Question  string   `json:"question,omitempty" jsonschema:"a single question, when there is only one"`
}

const askUserReply = "Your questions were sent to the operator. Stop here; the session continues with their answer."

func (h *Harness) interceptAskUser(ctx context.Context, s *Session, call agent.Call) (agent.Decision, bool) {
	if call.Name != ToolAskUser {
		return agent.Decision{}, false
	}
	start := time.Now()
	s.Emit(events.ToolStartedData{ToolUseID: call.ID, Tool: call.Name, Kind: KindAskUser})

	var in askUserInput
	if err := json.Unmarshal(call.Input, &in); err != nil {
		err = fmt.Errorf("invalid input: %w", err)
		s.Failed(call, KindAskUser, start, err)
		return agent.RespondCall("Error: "+err.Error(), true), true
	}
	questions := in.Questions
	if in.Question != "" {
		questions = append(questions, in.Question)
	}
	if len(questions) == 0 {
		err := errors.New("at least one question is required")
		s.Failed(call, KindAskUser, start, err)
		return agent.RespondCall("Error: "+err.Error(), true), true
	}

	id := s.cfg.PipelineID
	phase := s.cfg.Phase
	if phase == "" {
		phase = pipeline.PhaseQA
	}
	if err := s.Store().SetPendingInput(id, &pipeline.InputRequest{
		Questions: questions, Phase: phase, ToolUseID: call.ID,
	}); err != nil {
		s.Failed(call, KindAskUser, start, err)
		return agent.RespondCall("Error: "+err.Error(), true), true
	}
	_ = s.Store().AppendMessage(id, "assistant", strings.Join(questions, "\n"))
	_ = s.Store().MarkPaused(id, "waiting for operator input")
	s.Stop(OutcomePaused)

	if err := h.notifier.Notify(ctx, notify.Notification{
		PipelineID: id,
		Kind:       notify.KindInputRequested,
		Message:    "The agent needs input to continue.",
		Questions:  questions,
	}); err != nil {
		h.log.Warn("notify operator", zap.String("pipeline_id", id), zap.Error(err))
	}

	s.Completed(call, KindAskUser, start, askUserReply)
	d := agent.RespondCall(askUserReply, false)
	d.Stop = true
	return d, true
}

func (h *Harness) interceptDomain(ctx context.Context, s *Session, call agent.Call) (agent.Decision, bool) {
	if !s.cfg.EnableTesting || h.domain == nil || !h.domainOK[call.Name] {
		return agent.Decision{}, false
	}
	start := time.Now()
	s.Emit(events.ToolStartedData{ToolUseID: call.ID, Tool: call.Name, Kind: KindDomain})

	res, err := h.domain.Execute(ctx, call.Name, call.Input)
	if err != nil {
		s.Failed(call, KindDomain, start, err)
		return agent.RespondCall("Error: "+err.Error(), true), true
	}

	out := res.Output
	var artifactID string
	if a := res.Artifact; a != nil && len(a.Data) > 0 {
		ref, err := s.Store().SaveArtifact(s.cfg.PipelineID, pipeline.ArtifactRef{
			Type: a.Type, RequirementID: s.cfg.RequirementID,
		}, a.Ext, a.Data)
		if err != nil {
			h.log.Warn("save artifact", zap.String("pipeline_id", s.cfg.PipelineID), zap.Error(err))
		} else {
			artifactID = ref.ID
			out += fmt.Sprintf("\n[%s saved: %s]", ref.Type, ref.Path)
		}
	}
	summary, _ := truncate(res.Output, h.truncate)
	s.Emit(events.DomainToolData{
		Tool: call.Name, Passed: res.Passed, Output: summary,
		ArtifactID: artifactID, RequirementID: s.cfg.RequirementID,
	})
	s.Completed(call, KindDomain, start, out)
	return agent.RespondCall(out, !res.Passed), true
}

// tools lists the in-process tools offered to the agent.
func (h *Harness) tools(cfg Config) []agent.ToolSpec {
	specs := workflow.Specs()
	specs = append(specs, agent.ToolSpec{
		Name:        ToolAskUser,
		Description: "Ask the operator one or more clarifying questions. The pipeline pauses until they answer.",
		InputSchema: agent.SchemaFor[askUserInput](),
	})
	if cfg.EnableTesting && h.domain != nil {
		for _, name := range h.domainTools {
			specs = append(specs, agent.ToolSpec{
				Name:        name,
				Description: "Browser automation tool " + name + " for verifying the running application.",
			})
		}
	}
	return specs
}
