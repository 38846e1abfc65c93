package workflow

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasnoah/featurefactory/internal/events"
	"github.com/lucasnoah/featurefactory/internal/pipeline"
)

func setup(t *testing.T) (*pipeline.Store, *Bridge) {
	t.Helper()
	store := pipeline.NewStore(t.TempDir())
	p := store.Create("build a todo app", "")
	require.NotNil(t, p)
	return store, NewBridge(store, p.ID, nil)
}

func call(t *testing.T, b *Bridge, name, input string) (string, error) {
	t.Helper()
	return b.Call(context.Background(), name, json.RawMessage(input))
}

func mustCall(t *testing.T, b *Bridge, name, input string) string {
	t.Helper()
	out, err := call(t, b, name, input)
	require.NoError(t, err, "%s %s", name, input)
	return out
}

const twoReqs = `{"requirements":[
	{"id":"R1","title":"list todos","priority":"high","epic_id":"E1"},
	{"id":"R2","title":"add todo","acceptance_criteria":["form submits"],"epic_id":"E1"}
],"epics":[{"id":"E1","title":"todos"}]}`

func TestSetRequirementsAndLifecycle(t *testing.T) {
	store, b := setup(t)

	mustCall(t, b, ToolSetRequirements, twoReqs)
	mustCall(t, b, ToolStartRequirement, `{"requirement_id":"R1"}`)
	mustCall(t, b, ToolCompleteRequirement, `{"requirement_id":"R1","note":"done"}`)
	mustCall(t, b, ToolFailRequirement, `{"requirement_id":"R2","reason":"no db"}`)

	p, ok := store.Get(b.PipelineID())
	require.True(t, ok)
	assert.Equal(t, 2, p.Phase.TotalRequirements)
	assert.Equal(t, pipeline.RequirementCompleted, p.Requirement("R1").Status)
	assert.Equal(t, "no db", p.Requirement("R2").FailureReason)
	require.Len(t, p.Epics, 1)
	assert.Equal(t, pipeline.EpicProgress{Total: 2, Completed: 1, Failed: 1}, p.Epics[0].Progress)

	var snap Snapshot
	require.NoError(t, pipeline.ReadJSON(store.RequirementsPath(b.PipelineID()), &snap))
	assert.Equal(t, pipeline.RequirementFailed, snap.Requirements[1].Status)
}

func TestSetRequirementsOnce(t *testing.T) {
	_, b := setup(t)
	mustCall(t, b, ToolSetRequirements, twoReqs)
	_, err := call(t, b, ToolSetRequirements, twoReqs)
	assert.ErrorIs(t, err, pipeline.ErrRequirementsLocked)
}

func TestStrictDecoding(t *testing.T) {
	_, b := setup(t)
	mustCall(t, b, ToolSetRequirements, twoReqs)

	tests := []struct {
		name  string
		tool  string
		input string
	}{
		{"unknown field", ToolStartRequirement, `{"requirement_id":"R1","force":true}`},
		{"wrong type", ToolLogProgress, `{"message":42}`},
		{"trailing data", ToolStartRequirement, `{"requirement_id":"R1"} {}`},
		{"missing id", ToolStartRequirement, `{}`},
		{"missing reason", ToolFailRequirement, `{"requirement_id":"R1"}`},
		{"bad percent", ToolLogProgress, `{"message":"x","percent":150}`},
		{"bad phase", ToolUpdateStatus, `{"phase":"deploying"}`},
		{"bad priority", ToolSetRequirements, `{"requirements":[{"title":"x","priority":"urgent"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := call(t, b, tt.tool, tt.input)
			assert.Error(t, err)
		})
	}
}

func TestInvalidTransitionRejected(t *testing.T) {
	_, b := setup(t)
	mustCall(t, b, ToolSetRequirements, twoReqs)
	mustCall(t, b, ToolStartRequirement, `{"requirement_id":"R1"}`)
	mustCall(t, b, ToolCompleteRequirement, `{"requirement_id":"R1"}`)

	_, err := call(t, b, ToolStartRequirement, `{"requirement_id":"R1"}`)
	assert.ErrorIs(t, err, pipeline.ErrInvalidTransition)

	_, err = call(t, b, ToolCompleteRequirement, `{"requirement_id":"nope"}`)
	assert.ErrorIs(t, err, pipeline.ErrUnknownRequirement)
}

func TestGetRequirementsFilterAndAbbreviate(t *testing.T) {
	_, b := setup(t)
	mustCall(t, b, ToolSetRequirements, twoReqs)
	mustCall(t, b, ToolStartRequirement, `{"requirement_id":"R2"}`)

	out := mustCall(t, b, ToolGetRequirements, `{"status":"in_progress","abbreviated":true}`)
	var got struct {
		Requirements []map[string]any `json:"requirements"`
		Count        int              `json:"count"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, 1, got.Count)
	assert.Equal(t, map[string]any{"id": "R2", "title": "add todo", "status": "in_progress"}, got.Requirements[0])

	out = mustCall(t, b, ToolGetRequirements, "")
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, 2, got.Count)
	assert.Contains(t, got.Requirements[1], "acceptance_criteria")
}

func TestGetRequirementsFallsBackToSnapshot(t *testing.T) {
	store, b := setup(t)
	mustCall(t, b, ToolSetRequirements, twoReqs)

	// A fresh store over the same directory that has not loaded state.
	cold := pipeline.NewStore(store.BaseDir())
	out := mustCall(t, NewBridge(cold, b.PipelineID(), nil), ToolGetRequirements, `{"abbreviated":true}`)
	assert.Contains(t, out, `"R1"`)

	_, err := call(t, NewBridge(cold, "missing", nil), ToolGetRequirements, `{}`)
	assert.ErrorIs(t, err, pipeline.ErrNotFound)
}

func TestUpdateStatusAndProgressEvents(t *testing.T) {
	store, b := setup(t)
	mustCall(t, b, ToolSetRequirements, twoReqs)
	before, _ := store.Get(b.PipelineID())
	mustCall(t, b, ToolUpdateStatus, `{"phase":"executing","message":"coding"}`)
	mustCall(t, b, ToolLogProgress, `{"message":"half way","requirement_id":"R1","percent":50}`)

	p, _ := store.Get(b.PipelineID())
	assert.Equal(t, before.Status, p.Status, "update_status must not change the status")
	assert.Equal(t, before.Phase.Current, p.Phase.Current, "update_status must not move the phase")

	status, err := events.Decode[events.StatusUpdateData](p.Events[len(p.Events)-2])
	require.NoError(t, err)
	assert.Equal(t, "executing", status.Phase)
	assert.Equal(t, "coding", status.Message)

	last := p.Events[len(p.Events)-1]
	prog, err := events.Decode[events.ProgressData](last)
	require.NoError(t, err)
	assert.Equal(t, "half way", prog.Message)
	require.NotNil(t, prog.Percent)
	assert.Equal(t, 50, *prog.Percent)
}

func TestReportTestResult(t *testing.T) {
	store, b := setup(t)
	mustCall(t, b, ToolSetRequirements, twoReqs)
	mustCall(t, b, ToolReportTestResult, `{"requirement_id":"R1","passed":false,"summary":"server down","failure_kind":"configuration"}`)

	v, ok := b.Verdict("R1")
	require.True(t, ok)
	assert.False(t, v.Passed)
	assert.Equal(t, "configuration", v.FailureKind)

	b.ClearVerdict("R1")
	_, ok = b.Verdict("R1")
	assert.False(t, ok)

	p, _ := store.Get(b.PipelineID())
	assert.Equal(t, events.TestResult, p.Events[len(p.Events)-1].Type)

	_, err := call(t, b, ToolReportTestResult, `{"requirement_id":"R9","passed":true}`)
	assert.ErrorIs(t, err, pipeline.ErrUnknownRequirement)
}

func TestUnknownTool(t *testing.T) {
	_, b := setup(t)
	_, err := call(t, b, "deploy", `{}`)
	assert.ErrorIs(t, err, ErrUnknownTool)
	assert.False(t, IsTool("deploy"))
	assert.True(t, IsTool(ToolGetRequirements))
	assert.Len(t, Specs(), 8)
}
