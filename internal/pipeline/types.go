package pipeline

import (
	"time"

	"github.com/lucasnoah/featurefactory/internal/events"
)

// Status is the pipeline-level state.
type Status string

const (
	StatusQA        Status = "qa"
	StatusExploring Status = "exploring"
	StatusPlanning  Status = "planning"
	StatusExecuting Status = "executing"
	StatusTesting   Status = "testing"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusAborted   Status = "aborted"
)

// Terminal reports whether no further work happens in this status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusAborted
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQA, StatusExploring, StatusPlanning, StatusExecuting, StatusTesting,
		StatusPaused, StatusCompleted, StatusFailed, StatusAborted:
		return true
	}
	return false
}

// Phase is a working stage of the pipeline.
type Phase string

const (
	PhaseQA        Phase = "qa"
	PhaseExploring Phase = "exploring"
	PhasePlanning  Phase = "planning"
	PhaseExecuting Phase = "executing"
	PhaseTesting   Phase = "testing"
)

// WorkPhases is the per-requirement phase order.
var WorkPhases = []Phase{PhaseExploring, PhasePlanning, PhaseExecuting, PhaseTesting}

// Status returns the pipeline status that corresponds to running p.
func (p Phase) Status() Status {
	return Status(p)
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	switch p {
	case PhaseQA, PhaseExploring, PhasePlanning, PhaseExecuting, PhaseTesting:
		return true
	}
	return false
}

// PhaseState tracks where the run loop is.
type PhaseState struct {
	Current           Phase `json:"current"`
	RequirementIndex  int   `json:"requirement_index"`
	TotalRequirements int   `json:"total_requirements"`
	RetryCount        int   `json:"retry_count"`
}

// RequirementStatus is the progress of a single requirement.
type RequirementStatus string

const (
	RequirementPending    RequirementStatus = "pending"
	RequirementInProgress RequirementStatus = "in_progress"
	RequirementCompleted  RequirementStatus = "completed"
	RequirementFailed     RequirementStatus = "failed"
)

// Done reports whether the requirement reached completed or failed.
func (s RequirementStatus) Done() bool {
	return s == RequirementCompleted || s == RequirementFailed
}

// CanTransition reports whether a requirement may move from s to to.
// Status only moves forward; re-entering the same status is allowed.
func (s RequirementStatus) CanTransition(to RequirementStatus) bool {
	if s == to {
		return !s.Done()
	}
	switch s {
	case RequirementPending:
		return to == RequirementInProgress || to == RequirementFailed
	case RequirementInProgress:
		return to == RequirementCompleted || to == RequirementFailed
	}
	return false
}

// Requirement is a discrete unit of work derived from QA.
type Requirement struct {
	ID                 string            `json:"id"`
	Title              string            `json:"title"`
	Description        string            `json:"description,omitempty"`
	Priority           string            `json:"priority,omitempty"`
	Status             RequirementStatus `json:"status"`
	AcceptanceCriteria []string          `json:"acceptance_criteria,omitempty"`
	EpicID             string            `json:"epic_id,omitempty"`
	Note               string            `json:"note,omitempty"`
	FailureReason      string            `json:"failure_reason,omitempty"`
	StartedAt          *time.Time        `json:"started_at,omitempty"`
	FinishedAt         *time.Time        `json:"finished_at,omitempty"`
}

// EpicProgress aggregates the status of an epic's requirements.
type EpicProgress struct {
	Total      int `json:"total"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	InProgress int `json:"in_progress"`
}

// Epic groups related requirements.
type Epic struct {
	ID             string       `json:"id"`
	Title          string       `json:"title,omitempty"`
	RequirementIDs []string     `json:"requirement_ids"`
	Progress       EpicProgress `json:"progress"`
}

// ArtifactRef points at a file produced during the run.
type ArtifactRef struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Path          string    `json:"path"`
	RequirementID string    `json:"requirement_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Message is one turn of the operator/agent conversation history.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// InputRequest is an outstanding question for the operator.
type InputRequest struct {
	Questions   []string  `json:"questions"`
	Phase       Phase     `json:"phase"`
	ToolUseID   string    `json:"tool_use_id,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

// Pipeline is one end-to-end run turning a feature request into code.
type Pipeline struct {
	ID             string         `json:"id"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	Prompt         string         `json:"prompt"`
	Status         Status         `json:"status"`
	Phase          PhaseState     `json:"phase"`
	Requirements   []Requirement  `json:"requirements"`
	Epics          []Epic         `json:"epics"`
	Artifacts      []ArtifactRef  `json:"artifacts"`
	Events         []events.Event `json:"events"`
	PauseRequested bool           `json:"pause_requested"`
	AbortRequested bool           `json:"abort_requested"`
	Conversation   []Message      `json:"conversation"`
	TargetPath     string         `json:"target_path"`
	StorageID      string         `json:"storage_id"`
	PendingInput   *InputRequest  `json:"pending_input,omitempty"`
	Partial        bool           `json:"partial,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// Requirement returns a pointer to the requirement with the given id.
func (p *Pipeline) Requirement(id string) *Requirement {
	for i := range p.Requirements {
		if p.Requirements[i].ID == id {
			return &p.Requirements[i]
		}
	}
	return nil
}

// Counts tallies requirement outcomes.
func (p *Pipeline) Counts() (completed, failed, pending int) {
	for _, r := range p.Requirements {
		switch r.Status {
		case RequirementCompleted:
			completed++
		case RequirementFailed:
			failed++
		default:
			pending++
		}
	}
	return completed, failed, pending
}

// Summary is the list view of a pipeline.
type Summary struct {
	ID                string    `json:"id"`
	Prompt            string    `json:"prompt"`
	Status            Status    `json:"status"`
	Phase             Phase     `json:"phase"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
	RequirementsCount int       `json:"requirements_count"`
	CompletedCount    int       `json:"completed_count"`
	FailedCount       int       `json:"failed_count"`
	EventCount        int       `json:"event_count"`
	IsActive          bool      `json:"is_active"`
	Partial           bool      `json:"partial,omitempty"`
}

func (p *Pipeline) clone() *Pipeline {
	cp := *p
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		cp.CompletedAt = &t
	}
	cp.Requirements = make([]Requirement, len(p.Requirements))
	for i, r := range p.Requirements {
		r.AcceptanceCriteria = append([]string(nil), r.AcceptanceCriteria...)
		cp.Requirements[i] = r
	}
	cp.Epics = make([]Epic, len(p.Epics))
	for i, e := range p.Epics {
		e.RequirementIDs = append([]string(nil), e.RequirementIDs...)
		cp.Epics[i] = e
	}
	cp.Artifacts = append([]ArtifactRef(nil), p.Artifacts...)
	// Events are immutable once appended, so sharing their data maps is safe.
	cp.Events = append([]events.Event(nil), p.Events...)
	cp.Conversation = append([]Message(nil), p.Conversation...)
	if p.PendingInput != nil {
		in := *p.PendingInput
		in.Questions = append([]string(nil), in.Questions...)
		cp.PendingInput = &in
	}
	return &cp
}

func recomputeEpics(p *Pipeline) {
	byID := make(map[string]RequirementStatus, len(p.Requirements))
	for _, r := range p.Requirements {
		byID[r.ID] = r.Status
	}
	for i := range p.Epics {
		prog := EpicProgress{}
		for _, rid := range p.Epics[i].RequirementIDs {
			st, ok := byID[rid]
			if !ok {
				continue
			}
			prog.Total++
			switch st {
			case RequirementCompleted:
				prog.Completed++
			case RequirementFailed:
				prog.Failed++
			case RequirementInProgress:
				prog.InProgress++
			}
		}
		p.Epics[i].Progress = prog
	}
}
