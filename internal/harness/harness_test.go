package harness

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasnoah/featurefactory/internal/agent"
	"github.com/lucasnoah/featurefactory/internal/agent/agenttest"
	"github.com/lucasnoah/featurefactory/internal/domaintool"
	"github.com/lucasnoah/featurefactory/internal/events"
	"github.com/lucasnoah/featurefactory/internal/notify"
	"github.com/lucasnoah/featurefactory/internal/pipeline"
)

type recordingNotifier struct {
	mu    sync.Mutex
	notes []notify.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n notify.Notification) error {
	r.mu.Lock()
	r.notes = append(r.notes, n)
	r.mu.Unlock()
	return nil
}

type fixture struct {
	store  *pipeline.Store
	id     string
	runner *agenttest.Runner
	notes  *recordingNotifier
	opts   Opts
}

func newFixture(t *testing.T, withReqs bool, scripts ...agenttest.Script) *fixture {
	t.Helper()
	store := pipeline.NewStore(t.TempDir())
	p := store.Create("build a todo app", "")
	require.NotNil(t, p)
	if withReqs {
		require.NoError(t, store.SetRequirements(p.ID, []pipeline.Requirement{
			{ID: "R1", Title: "list todos"},
			{ID: "R2", Title: "add todo"},
		}, nil))
	}
	f := &fixture{
		store:  store,
		id:     p.ID,
		runner: &agenttest.Runner{Scripts: scripts},
		notes:  &recordingNotifier{},
	}
	f.opts = Opts{Store: store, Runner: f.runner, Notifier: f.notes}
	return f
}

func (f *fixture) run(t *testing.T, cfg Config) *Result {
	t.Helper()
	cfg.PipelineID = f.id
	if cfg.Phase == "" {
		cfg.Phase = pipeline.PhaseExecuting
	}
	res, err := New(f.opts).Run(context.Background(), cfg)
	require.NoError(t, err)
	return res
}

func (f *fixture) events(t *testing.T, typ events.Type) []events.Event {
	t.Helper()
	p, ok := f.store.Get(f.id)
	require.True(t, ok)
	var out []events.Event
	for _, ev := range p.Events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (f *fixture) status(t *testing.T) pipeline.Status {
	t.Helper()
	p, _ := f.store.Get(f.id)
	return p.Status
}

func req(id string) map[string]string { return map[string]string{"requirement_id": id} }

func TestWorkflowSessionFinalizesCompleted(t *testing.T) {
	f := newFixture(t, true, agenttest.Script{Steps: []agenttest.Step{
		agenttest.Say("working through requirements"),
		agenttest.Call("start_requirement", req("R1")),
		agenttest.Call("complete_requirement", req("R1")),
		agenttest.Call("mcp__factory__start_requirement", req("R2")),
		agenttest.Call("fail_requirement", map[string]string{"requirement_id": "R2", "reason": "no api"}),
	}})

	res := f.run(t, Config{Finalize: true})
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, 1, res.Completed)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 0, res.Pending)

	assert.Equal(t, pipeline.StatusCompleted, f.status(t))
	done := f.events(t, events.PipelineCompleted)
	require.Len(t, done, 1)
	data, err := events.Decode[events.PipelineCompletedData](done[0])
	require.NoError(t, err)
	assert.True(t, data.Partial)

	completed := f.events(t, events.ToolCompleted)
	require.Len(t, completed, 4)
	for _, ev := range completed {
		assert.Equal(t, KindWorkflow, ev.String("kind"))
	}
	assert.Equal(t, "start_requirement", completed[2].String("tool"))
	assert.Len(t, f.events(t, events.SessionCompleted), 1)
}

func TestWorkflowErrorIsReportedAndSessionContinues(t *testing.T) {
	f := newFixture(t, true, agenttest.Script{Steps: []agenttest.Step{
		agenttest.Call("complete_requirement", req("R1")),
		agenttest.Call("log_progress", map[string]string{"message": "still going"}),
	}})

	res := f.run(t, Config{})
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	errs := f.events(t, events.ToolError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].String("error"), "invalid requirement transition")
	assert.Len(t, f.events(t, events.Progress), 1)

	calls := f.runner.Calls()
	require.Len(t, calls, 2)
}

func TestTokensAttributedToNextCompletion(t *testing.T) {
	f := newFixture(t, true, agenttest.Script{Steps: []agenttest.Step{
		agenttest.Tokens(100, 20),
		agenttest.Tokens(5, 1),
		agenttest.CallReturning("Bash", map[string]string{"command": "ls"}, "main.go", false),
		agenttest.Call("log_progress", map[string]string{"message": "x"}),
	}})

	res := f.run(t, Config{})
	assert.Equal(t, 105, res.InputTokens)
	assert.Equal(t, 21, res.OutputTokens)

	completed := f.events(t, events.ToolCompleted)
	require.Len(t, completed, 2)
	first, err := events.Decode[events.ToolCompletedData](completed[0])
	require.NoError(t, err)
	assert.Equal(t, "Bash", first.Tool)
	assert.Equal(t, KindBuiltin, first.Kind)
	assert.Equal(t, 105, first.InputTokens)
	assert.Equal(t, 21, first.OutputTokens)
	second, err := events.Decode[events.ToolCompletedData](completed[1])
	require.NoError(t, err)
	assert.Zero(t, second.InputTokens)
}

func TestBuiltinResultTruncated(t *testing.T) {
	long := strings.Repeat("a", 5000)
	f := newFixture(t, false, agenttest.Script{Steps: []agenttest.Step{
		agenttest.CallReturning("Read", map[string]string{"file_path": "x"}, long, false),
		agenttest.CallReturning("Bash", map[string]string{"command": "false"}, "exit 1", true),
	}})

	f.run(t, Config{})
	completed := f.events(t, events.ToolCompleted)
	require.Len(t, completed, 1)
	data, err := events.Decode[events.ToolCompletedData](completed[0])
	require.NoError(t, err)
	assert.Len(t, data.Result, DefaultResultTruncate)
	assert.True(t, data.Truncated)

	errs := f.events(t, events.ToolError)
	require.Len(t, errs, 1)
	assert.Equal(t, "exit 1", errs[0].String("error"))
}

func TestAbortStopsSession(t *testing.T) {
	var f *fixture
	f = newFixture(t, true, agenttest.Script{Steps: []agenttest.Step{
		agenttest.Call("start_requirement", req("R1")),
		agenttest.Do(func() { f.store.RequestAbort(f.id) }),
		agenttest.Call("Bash", map[string]string{"command": "rm -rf build"}),
		agenttest.Call("complete_requirement", req("R1")),
	}})

	res := f.run(t, Config{Finalize: true})
	assert.Equal(t, OutcomeAborted, res.Outcome)
	assert.Equal(t, pipeline.StatusAborted, f.status(t))

	rejected := f.events(t, events.ToolRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, "Bash", rejected[0].String("tool"))
	assert.Len(t, f.runner.Calls(), 2, "calls after the stop must not be offered")

	p, _ := f.store.Get(f.id)
	assert.Equal(t, pipeline.RequirementInProgress, p.Requirement("R1").Status)
	assert.Len(t, f.events(t, events.PipelineCompleted), 0)
}

func TestPauseFlagStopsSession(t *testing.T) {
	var f *fixture
	f = newFixture(t, true, agenttest.Script{Steps: []agenttest.Step{
		agenttest.Do(func() { f.store.RequestPause(f.id) }),
		agenttest.Call("Edit", map[string]string{"file_path": "a.go"}),
	}})

	res := f.run(t, Config{Finalize: true})
	assert.Equal(t, OutcomePaused, res.Outcome)
	assert.Equal(t, pipeline.StatusPaused, f.status(t))
	assert.Len(t, f.events(t, events.Paused), 1)
	assert.Len(t, f.events(t, events.ToolRejected), 1)
	assert.Empty(t, f.events(t, events.SessionCompleted))
	assert.Equal(t, f.id, f.store.ActiveID(), "paused pipelines keep the admission slot")
}

func TestAskUserPausesWithPendingInput(t *testing.T) {
	f := newFixture(t, false, agenttest.Script{Steps: []agenttest.Step{
		agenttest.Say("I need details"),
		agenttest.Call("ask_user", map[string]any{"questions": []string{"Which database?", "Auth needed?"}}),
		agenttest.Say("unreachable"),
	}})

	res := f.run(t, Config{Phase: pipeline.PhaseQA})
	assert.Equal(t, OutcomePaused, res.Outcome)

	p, _ := f.store.Get(f.id)
	assert.Equal(t, pipeline.StatusPaused, p.Status)
	require.NotNil(t, p.PendingInput)
	assert.Equal(t, []string{"Which database?", "Auth needed?"}, p.PendingInput.Questions)
	assert.Equal(t, pipeline.PhaseQA, p.PendingInput.Phase)
	assert.Equal(t, "toolu_001", p.PendingInput.ToolUseID)

	require.Len(t, f.notes.notes, 1)
	assert.Equal(t, notify.KindInputRequested, f.notes.notes[0].Kind)

	// QA assistant text is kept in the conversation history.
	var texts []string
	for _, m := range p.Conversation {
		texts = append(texts, m.Content)
	}
	assert.Contains(t, texts, "I need details")
	assert.NotContains(t, texts, "unreachable")
}

func TestMaxTurnsSoftStop(t *testing.T) {
	f := newFixture(t, true, agenttest.Script{Steps: []agenttest.Step{
		agenttest.Say("one"),
		agenttest.Say("two"),
		agenttest.Say("three"),
		agenttest.Say("four"),
	}})

	res := f.run(t, Config{MaxTurns: 2, Finalize: true})
	assert.Equal(t, OutcomeMaxTurns, res.Outcome)
	assert.Equal(t, 3, res.Turns)
	assert.Len(t, f.events(t, events.MaxTurnsReached), 1)
	assert.Empty(t, f.events(t, events.SessionError))
	assert.Equal(t, pipeline.StatusPaused, f.status(t), "pending work waits for go")
}

func TestAgentReportedMaxTurns(t *testing.T) {
	f := newFixture(t, true, agenttest.Script{Subtype: agent.SubtypeErrorMaxTurn})
	res := f.run(t, Config{})
	assert.Equal(t, OutcomeMaxTurns, res.Outcome)
}

func TestSessionErrorFinalizesFailed(t *testing.T) {
	f := newFixture(t, true, agenttest.Script{Err: errors.New("agent crashed")})

	res := f.run(t, Config{Finalize: true})
	assert.Equal(t, OutcomeError, res.Outcome)
	require.Len(t, f.events(t, events.SessionError), 1)
	assert.Equal(t, "agent crashed", f.events(t, events.SessionError)[0].String("error"))
	assert.Equal(t, pipeline.StatusFailed, f.status(t))
	assert.Empty(t, f.store.ActiveID())
}

func TestStartFailure(t *testing.T) {
	f := newFixture(t, true, agenttest.Script{StartErr: errors.New("claude not found")})
	res := f.run(t, Config{})
	assert.Equal(t, OutcomeError, res.Outcome)
	assert.ErrorContains(t, res.Err, "claude not found")
}

func TestDomainToolSavesArtifact(t *testing.T) {
	f := newFixture(t, true, agenttest.Script{Steps: []agenttest.Step{
		agenttest.Call("browser_screenshot", map[string]string{"url": "http://localhost:3000"}),
		agenttest.Call("browser_check", map[string]string{"selector": "#todos"}),
	}})
	f.opts.DomainTools = []string{"browser_screenshot", "browser_check"}
	f.opts.Domain = domaintool.Func(func(_ context.Context, name string, input json.RawMessage) (*domaintool.Result, error) {
		if name == "browser_check" {
			return nil, errors.New("selector not found")
		}
		return &domaintool.Result{
			Passed:   true,
			Output:   "captured",
			Artifact: &domaintool.Artifact{Type: "screenshot", Ext: "png", Data: []byte("png-bytes")},
		}, nil
	})

	f.run(t, Config{EnableTesting: true, Phase: pipeline.PhaseTesting, RequirementID: "R1"})

	p, _ := f.store.Get(f.id)
	require.Len(t, p.Artifacts, 1)
	art := p.Artifacts[0]
	assert.Equal(t, "screenshot", art.Type)
	assert.Equal(t, "R1", art.RequirementID)
	data, err := os.ReadFile(art.Path)
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(data))

	results := f.events(t, events.DomainToolRun)
	require.Len(t, results, 1)
	assert.Equal(t, art.ID, results[0].String("artifact_id"))
	assert.Len(t, f.events(t, events.ArtifactCreated), 1)

	errs := f.events(t, events.ToolError)
	require.Len(t, errs, 1)
	assert.Equal(t, KindDomain, errs[0].String("kind"))

	tools := f.runner.Requests()[0].Tools
	var names []string
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	assert.Contains(t, names, "browser_screenshot")
	assert.Contains(t, names, ToolAskUser)
}

func TestDomainToolsIgnoredWithoutTesting(t *testing.T) {
	f := newFixture(t, true, agenttest.Script{Steps: []agenttest.Step{
		agenttest.Call("browser_check", map[string]string{}),
	}})
	f.opts.DomainTools = []string{"browser_check"}
	f.opts.Domain = domaintool.Func(func(context.Context, string, json.RawMessage) (*domaintool.Result, error) {
		t.Fatal("domain executor must not run when testing is disabled")
		return nil, nil
	})

	f.run(t, Config{})
	completed := f.events(t, events.ToolCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, KindBuiltin, completed[0].String("kind"))
}

func TestCustomInterceptorRunsBeforePassthrough(t *testing.T) {
	f := newFixture(t, true, agenttest.Script{Steps: []agenttest.Step{
		agenttest.Call("WebFetch", map[string]string{"url": "http://example.com"}),
	}})
	f.opts.Interceptors = []Interceptor{InterceptorFunc(func(_ context.Context, s *Session, call agent.Call) (agent.Decision, bool) {
		if call.Name != "WebFetch" {
			return agent.Decision{}, false
		}
		s.Emit(events.ToolRejectedData{ToolUseID: call.ID, Tool: call.Name, Reason: "network disabled"})
		return agent.DenyCall("network disabled", false), true
	})}

	res := f.run(t, Config{})
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Len(t, f.events(t, events.ToolRejected), 1)
	assert.Empty(t, f.events(t, events.ToolCompleted))
}

func TestTruncateRuneSafe(t *testing.T) {
	s, cut := truncate("héllo", 2)
	assert.True(t, cut)
	assert.Equal(t, "h", s)
	s, cut = truncate("short", 10)
	assert.False(t, cut)
	assert.Equal(t, "short", s)
}

func TestOfferedToolsCarrySchemas(t *testing.T) {
	f := newFixture(t, false)
	specs := map[string]agent.ToolSpec{}
	for _, s := range New(f.opts).tools(Config{}) {
		specs[s.Name] = s
	}

	for name, want := range map[string]string{
		"start_requirement":    "requirement_id",
		"complete_requirement": "requirement_id",
		"fail_requirement":     "reason",
		"report_test_result":   "passed",
		"set_requirements":     "requirements",
		"update_status":        "phase",
	} {
		spec, ok := specs[name]
		require.True(t, ok, name)
		require.NotNil(t, spec.InputSchema, name)
		assert.Contains(t, spec.InputSchema.Required, want, name)
	}

	ask, ok := specs[ToolAskUser]
	require.True(t, ok)
	require.NotNil(t, ask.InputSchema)
	assert.Empty(t, ask.InputSchema.Required)
	assert.Contains(t, ask.InputSchema.Properties, "questions")
	assert.Contains(t, ask.InputSchema.Properties, "question")
}

func TestSessionCountsOnlyScopedRequirements(t *testing.T) {
	f := newFixture(t, true, agenttest.Script{Steps: []agenttest.Step{
		agenttest.Call("start_requirement", req("R1")),
		agenttest.Call("complete_requirement", req("R1")),
	}})
	p, _ := f.store.Get(f.id)

	res := f.run(t, Config{Requirements: p.Requirements[:1], RequirementID: "R1"})
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, 1, res.Completed)
	assert.Equal(t, 0, res.Pending, "R2 is outside the session")
}

func TestSessionRejectsRequirementOutsideScope(t *testing.T) {
	f := newFixture(t, true)
	p, _ := f.store.Get(f.id)

	_, err := New(f.opts).Run(context.Background(), Config{
		PipelineID:    f.id,
		Requirements:  p.Requirements,
		RequirementID: "R9",
		Phase:         pipeline.PhaseExecuting,
	})
	assert.ErrorIs(t, err, pipeline.ErrUnknownRequirement)
	assert.Empty(t, f.events(t, events.SessionStarted))
}
