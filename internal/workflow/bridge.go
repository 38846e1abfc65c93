// Package workflow is the tool surface the agent uses to report structured
// progress: requirement transitions, status, progress notes, the QA result
// and test verdicts. Calls are handled in-process against the pipeline
// store; AddTools exposes the same tools on an MCP server.
package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lucasnoah/featurefactory/internal/agent"
	"github.com/lucasnoah/featurefactory/internal/events"
	"github.com/lucasnoah/featurefactory/internal/pipeline"
)

// Tool names.
const (
	ToolStartRequirement    = "start_requirement"
	ToolCompleteRequirement = "complete_requirement"
	ToolFailRequirement     = "fail_requirement"
	ToolUpdateStatus        = "update_status"
	ToolLogProgress         = "log_progress"
	ToolGetRequirements     = "get_requirements"
	ToolSetRequirements     = "set_requirements"
	ToolReportTestResult    = "report_test_result"
)

// ErrUnknownTool is returned by Call for names the bridge does not own.
var ErrUnknownTool = errors.New("unknown workflow tool")

var toolDescriptions = []agent.ToolSpec{
	{
		Name:        ToolStartRequirement,
		Description: "Mark a requirement as in progress before working on it.",
		InputSchema: agent.SchemaFor[RequirementInput](),
	},
	{
		Name:        ToolCompleteRequirement,
		Description: "Mark a requirement as completed once it is implemented and verified.",
		InputSchema: agent.SchemaFor[RequirementInput](),
	},
	{
		Name:        ToolFailRequirement,
		Description: "Mark a requirement as failed with the reason it could not be done.",
		InputSchema: agent.SchemaFor[FailInput](),
	},
	{
		Name:        ToolUpdateStatus,
		Description: "Report which phase you are in (exploring, planning, executing, testing) with an optional message.",
		InputSchema: agent.SchemaFor[StatusInput](),
	},
	{
		Name:        ToolLogProgress,
		Description: "Log a short progress note for the operator.",
		InputSchema: agent.SchemaFor[ProgressInput](),
	},
	{
		Name:        ToolGetRequirements,
		Description: "List the pipeline requirements, optionally filtered by status.",
		InputSchema: agent.SchemaFor[ListInput](),
	},
	{
		Name:        ToolSetRequirements,
		Description: "Record the requirements and epics agreed during QA. May be called once.",
		InputSchema: agent.SchemaFor[SetRequirementsInput](),
	},
	{
		Name:        ToolReportTestResult,
		Description: "Report whether a requirement passed testing. Use failure_kind \"configuration\" when the environment, not the code, is broken.",
		InputSchema: agent.SchemaFor[TestResultInput](),
	},
}

// Specs describes the workflow tools for an agent request.
func Specs() []agent.ToolSpec {
	return append([]agent.ToolSpec(nil), toolDescriptions...)
}

// IsTool reports whether name is a workflow tool.
func IsTool(name string) bool {
	for _, t := range toolDescriptions {
		if t.Name == name {
			return true
		}
	}
	return false
}

// Verdict is the testing outcome reported for one requirement.
type Verdict struct {
	Passed      bool
	Summary     string
	FailureKind string
}

// Bridge serves the workflow tools for one pipeline.
type Bridge struct {
	store *pipeline.Store
	id    string
	log   *zap.Logger

	mu       sync.Mutex
	verdicts map[string]Verdict
}

// NewBridge returns a bridge bound to pipelineID.
func NewBridge(store *pipeline.Store, pipelineID string, log *zap.Logger) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bridge{
		store:    store,
		id:       pipelineID,
		log:      log.Named("workflow"),
		verdicts: make(map[string]Verdict),
	}
}

// PipelineID returns the pipeline the bridge is bound to.
func (b *Bridge) PipelineID() string { return b.id }

// Verdict returns the last test result reported for reqID.
func (b *Bridge) Verdict(reqID string) (Verdict, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.verdicts[reqID]
	return v, ok
}

// ClearVerdict forgets the verdict for reqID, before a new testing attempt.
func (b *Bridge) ClearVerdict(reqID string) {
	b.mu.Lock()
	delete(b.verdicts, reqID)
	b.mu.Unlock()
}

// Call runs the named tool with its JSON input and returns the text result
// shown to the agent. Invalid input and rejected transitions are errors.
func (b *Bridge) Call(ctx context.Context, name string, input json.RawMessage) (string, error) {
	switch name {
	case ToolStartRequirement:
		var in RequirementInput
		if err := decode(input, &in); err != nil {
			return "", err
		}
		return b.transition(in.RequirementID, pipeline.RequirementInProgress, in.Note)
	case ToolCompleteRequirement:
		var in RequirementInput
		if err := decode(input, &in); err != nil {
			return "", err
		}
		return b.transition(in.RequirementID, pipeline.RequirementCompleted, in.Note)
	case ToolFailRequirement:
		var in FailInput
		if err := decode(input, &in); err != nil {
			return "", err
		}
		if strings.TrimSpace(in.Reason) == "" {
			return "", errors.New("reason is required")
		}
		return b.transition(in.RequirementID, pipeline.RequirementFailed, in.Reason)
	case ToolUpdateStatus:
		var in StatusInput
		if err := decode(input, &in); err != nil {
			return "", err
		}
		return b.updateStatus(in)
	case ToolLogProgress:
		var in ProgressInput
		if err := decode(input, &in); err != nil {
			return "", err
		}
		return b.logProgress(in)
	case ToolGetRequirements:
		var in ListInput
		if err := decode(input, &in); err != nil {
			return "", err
		}
		return b.getRequirements(in)
	case ToolSetRequirements:
		var in SetRequirementsInput
		if err := decode(input, &in); err != nil {
			return "", err
		}
		return b.setRequirements(in)
	case ToolReportTestResult:
		var in TestResultInput
		if err := decode(input, &in); err != nil {
			return "", err
		}
		return b.reportTestResult(in)
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
}

// decode parses input strictly: unknown fields and trailing data are errors.
func decode(input json.RawMessage, v any) error {
	if len(bytes.TrimSpace(input)) == 0 {
		input = json.RawMessage(`{}`)
	}
	dec := json.NewDecoder(bytes.NewReader(input))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid input: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errors.New("invalid input: trailing data")
	}
	return nil
}

func (b *Bridge) transition(reqID string, to pipeline.RequirementStatus, note string) (string, error) {
	if strings.TrimSpace(reqID) == "" {
		return "", errors.New("requirement_id is required")
	}
	r, err := b.store.TransitionRequirement(b.id, reqID, to, note)
	if err != nil {
		return "", err
	}
	b.writeSnapshot()
	return fmt.Sprintf("Requirement %s is now %s.", r.ID, r.Status), nil
}

func (b *Bridge) updateStatus(in StatusInput) (string, error) {
	phase := pipeline.Phase(in.Phase)
	if !phase.Valid() || phase == pipeline.PhaseQA {
		return "", fmt.Errorf("unknown phase %q", in.Phase)
	}
	p, ok := b.store.Get(b.id)
	if !ok {
		return "", fmt.Errorf("pipeline %s: %w", b.id, pipeline.ErrNotFound)
	}
	if p.Status.Terminal() {
		return "", pipeline.ErrTerminal
	}
	// Phase.Current is the resume checkpoint and only the engine moves it.
	b.store.AppendEvent(b.id, events.New(events.StatusUpdateData{Phase: in.Phase, Message: in.Message}))
	return "Status updated.", nil
}

func (b *Bridge) logProgress(in ProgressInput) (string, error) {
	if strings.TrimSpace(in.Message) == "" {
		return "", errors.New("message is required")
	}
	if in.Percent != nil && (*in.Percent < 0 || *in.Percent > 100) {
		return "", fmt.Errorf("percent %d out of range", *in.Percent)
	}
	if _, ok := b.store.Get(b.id); !ok {
		return "", fmt.Errorf("pipeline %s: %w", b.id, pipeline.ErrNotFound)
	}
	b.store.AppendEvent(b.id, events.New(events.ProgressData{
		Message: in.Message, RequirementID: in.RequirementID, Percent: in.Percent,
	}))
	return "Logged.", nil
}

func (b *Bridge) getRequirements(in ListInput) (string, error) {
	reqs, epics, err := b.requirements()
	if err != nil {
		return "", err
	}
	if in.Status != "" {
		want := pipeline.RequirementStatus(in.Status)
		filtered := reqs[:0:0]
		for _, r := range reqs {
			if r.Status == want {
				filtered = append(filtered, r)
			}
		}
		reqs = filtered
	}

	var out any
	if in.Abbreviated {
		short := make([]abbreviated, len(reqs))
		for i, r := range reqs {
			short[i] = abbreviated{ID: r.ID, Title: r.Title, Status: string(r.Status)}
		}
		out = map[string]any{"requirements": short, "count": len(short)}
	} else {
		out = map[string]any{"requirements": reqs, "epics": epics, "count": len(reqs)}
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal requirements: %w", err)
	}
	return string(data), nil
}

type abbreviated struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Status string `json:"status"`
}

// requirements reads from the store, falling back to the on-disk
// snapshot when the pipeline is not loaded.
func (b *Bridge) requirements() ([]pipeline.Requirement, []pipeline.Epic, error) {
	if p, ok := b.store.Get(b.id); ok {
		return p.Requirements, p.Epics, nil
	}
	var snap Snapshot
	ok, err := pipeline.ReadJSONIfExists(b.store.RequirementsPath(b.id), &snap)
	if err != nil {
		return nil, nil, fmt.Errorf("read requirements snapshot: %w", err)
	}
	if !ok {
		return nil, nil, fmt.Errorf("pipeline %s: %w", b.id, pipeline.ErrNotFound)
	}
	return snap.Requirements, snap.Epics, nil
}

func (b *Bridge) setRequirements(in SetRequirementsInput) (string, error) {
	if len(in.Requirements) == 0 {
		return "", errors.New("at least one requirement is required")
	}
	reqs := make([]pipeline.Requirement, len(in.Requirements))
	for i, r := range in.Requirements {
		switch r.Priority {
		case "", "high", "medium", "low":
		default:
			return "", fmt.Errorf("requirement %d: unknown priority %q", i+1, r.Priority)
		}
		reqs[i] = pipeline.Requirement{
			ID:                 r.ID,
			Title:              r.Title,
			Description:        r.Description,
			Priority:           r.Priority,
			AcceptanceCriteria: r.AcceptanceCriteria,
			EpicID:             r.EpicID,
		}
	}
	epics := make([]pipeline.Epic, len(in.Epics))
	for i, e := range in.Epics {
		epics[i] = pipeline.Epic{ID: e.ID, Title: e.Title, RequirementIDs: e.RequirementIDs}
	}
	if err := b.store.SetRequirements(b.id, reqs, epics); err != nil {
		return "", err
	}
	b.writeSnapshot()
	return fmt.Sprintf("Recorded %d requirements.", len(reqs)), nil
}

func (b *Bridge) reportTestResult(in TestResultInput) (string, error) {
	if strings.TrimSpace(in.RequirementID) == "" {
		return "", errors.New("requirement_id is required")
	}
	p, ok := b.store.Get(b.id)
	if !ok {
		return "", fmt.Errorf("pipeline %s: %w", b.id, pipeline.ErrNotFound)
	}
	if p.Requirement(in.RequirementID) == nil {
		return "", fmt.Errorf("%w: %s", pipeline.ErrUnknownRequirement, in.RequirementID)
	}
	b.mu.Lock()
	b.verdicts[in.RequirementID] = Verdict{Passed: in.Passed, Summary: in.Summary, FailureKind: in.FailureKind}
	b.mu.Unlock()
	b.store.AppendEvent(b.id, events.New(events.TestResultData{
		RequirementID: in.RequirementID, Passed: in.Passed, Summary: in.Summary, FailureKind: in.FailureKind,
	}))
	if in.Passed {
		return "Test result recorded: passed.", nil
	}
	return "Test result recorded: failed.", nil
}

// Snapshot is the per-pipeline requirements file.
type Snapshot struct {
	PipelineID   string                 `json:"pipeline_id"`
	UpdatedAt    time.Time              `json:"updated_at"`
	Requirements []pipeline.Requirement `json:"requirements"`
	Epics        []pipeline.Epic        `json:"epics"`
}

// writeSnapshot is best effort: the store's state.json stays canonical.
func (b *Bridge) writeSnapshot() {
	p, ok := b.store.Get(b.id)
	if !ok {
		return
	}
	snap := Snapshot{
		PipelineID:   p.ID,
		UpdatedAt:    p.UpdatedAt,
		Requirements: p.Requirements,
		Epics:        p.Epics,
	}
	if err := pipeline.WriteJSON(b.store.RequirementsPath(b.id), snap); err != nil {
		b.log.Warn("write requirements snapshot", zap.String("pipeline_id", b.id), zap.Error(err))
	}
}
