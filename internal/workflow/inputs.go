package workflow

// Tool inputs. The jsonschema tags become the MCP tool schemas.

type RequirementInput struct {
	RequirementID string `json:"requirement_id" jsonschema:"id of the requirement"`
	Note          string `json:"note,omitempty" jsonschema:"optional note for the operator"`
}

type FailInput struct {
	RequirementID string `json:"requirement_id" jsonschema:"id of the requirement"`
	Reason        string `json:"reason" jsonschema:"why the requirement could not be completed"`
}

type StatusInput struct {
	Phase   string `json:"phase" jsonschema:"one of exploring, planning, executing, testing"`
	Message string `json:"message,omitempty" jsonschema:"short status message"`
}

type ProgressInput struct {
	Message       string `json:"message" jsonschema:"progress note"`
	RequirementID string `json:"requirement_id,omitempty" jsonschema:"requirement the note is about"`
	Percent       *int   `json:"percent,omitempty" jsonschema:"completion estimate from 0 to 100"`
}

type ListInput struct {
	Status      string `json:"status,omitempty" jsonschema:"only return requirements with this status"`
	Abbreviated bool   `json:"abbreviated,omitempty" jsonschema:"return only id, title and status"`
}

type RequirementSpec struct {
	ID                 string   `json:"id,omitempty" jsonschema:"stable id; generated when empty"`
	Title              string   `json:"title" jsonschema:"short title"`
	Description        string   `json:"description,omitempty" jsonschema:"what needs to be built"`
	Priority           string   `json:"priority,omitempty" jsonschema:"high, medium or low"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty" jsonschema:"checks that prove the requirement is met"`
	EpicID             string   `json:"epic_id,omitempty" jsonschema:"epic this requirement belongs to"`
}

type EpicSpec struct {
	ID             string   `json:"id,omitempty" jsonschema:"stable id; generated when empty"`
	Title          string   `json:"title" jsonschema:"epic title"`
	RequirementIDs []string `json:"requirement_ids,omitempty" jsonschema:"member requirements; derived from epic_id when empty"`
}

type SetRequirementsInput struct {
	Requirements []RequirementSpec `json:"requirements" jsonschema:"requirements in execution order"`
	Epics        []EpicSpec        `json:"epics,omitempty" jsonschema:"optional grouping of requirements"`
}

type TestResultInput struct {
	RequirementID string `json:"requirement_id" jsonschema:"id of the tested requirement"`
	Passed        bool   `json:"passed" jsonschema:"whether every acceptance criterion passed"`
	Summary       string `json:"summary,omitempty" jsonschema:"what was tested and what failed"`
	FailureKind   string `json:"failure_kind,omitempty" jsonschema:"configuration when the environment is broken, otherwise empty"`
}
