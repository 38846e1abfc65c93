package events

// Pipeline lifecycle.

type PipelineCreatedData struct {
	Prompt     string `json:"prompt"`
	TargetPath string `json:"target_path,omitempty"`
}

type PipelineCompletedData struct {
	Completed int  `json:"completed"`
	Failed    int  `json:"failed"`
	Pending   int  `json:"pending"`
	Partial   bool `json:"partial"`
}

type PipelineFailedData struct {
	Reason string `json:"reason"`
}

type PipelineAbortedData struct {
	Reason    string `json:"reason,omitempty"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Pending   int    `json:"pending"`
}

type StatusChangedData struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type PhaseChangedData struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type PhaseStartedData struct {
	Phase         string `json:"phase"`
	RequirementID string `json:"requirement_id,omitempty"`
	Attempt       int    `json:"attempt"`
}

type PhaseCompletedData struct {
	Phase         string `json:"phase"`
	RequirementID string `json:"requirement_id,omitempty"`
	Attempt       int    `json:"attempt"`
	DurationMs    int64  `json:"duration_ms"`
}

type PhaseFailedData struct {
	Phase         string `json:"phase"`
	RequirementID string `json:"requirement_id,omitempty"`
	Attempt       int    `json:"attempt"`
	Class         string `json:"class"`
	Reason        string `json:"reason"`
}

type RetryStartedData struct {
	RequirementID string `json:"requirement_id"`
	Attempt       int    `json:"attempt"`
	MaxAttempts   int    `json:"max_attempts"`
	Reason        string `json:"reason"`
}

// Requirement progress reported by the agent.

type RequirementsSetData struct {
	Count int      `json:"count"`
	IDs   []string `json:"ids"`
	Epics int      `json:"epics"`
}

type RequirementStartedData struct {
	RequirementID string `json:"requirement_id"`
	Title         string `json:"title,omitempty"`
	Note          string `json:"note,omitempty"`
}

type RequirementCompletedData struct {
	RequirementID string `json:"requirement_id"`
	Title         string `json:"title,omitempty"`
	Note          string `json:"note,omitempty"`
}

type RequirementFailedData struct {
	RequirementID string `json:"requirement_id"`
	Title         string `json:"title,omitempty"`
	Reason        string `json:"reason"`
}

type StatusUpdateData struct {
	Phase   string `json:"phase"`
	Message string `json:"message,omitempty"`
}

type ProgressData struct {
	Message       string `json:"message"`
	RequirementID string `json:"requirement_id,omitempty"`
	Percent       *int   `json:"percent,omitempty"`
}

type TestResultData struct {
	RequirementID string `json:"requirement_id"`
	Passed        bool   `json:"passed"`
	Summary       string `json:"summary,omitempty"`
	FailureKind   string `json:"failure_kind,omitempty"`
}

// Operator control.

type PauseRequestedData struct{}

type PausedData struct {
	Phase  string `json:"phase"`
	Reason string `json:"reason,omitempty"`
}

type ResumedData struct {
	Phase string `json:"phase"`
}

type AbortRequestedData struct{}

type UserInputRequestedData struct {
	Questions []string `json:"questions"`
	Phase     string   `json:"phase"`
	ToolUseID string   `json:"tool_use_id,omitempty"`
}

type UserInputReceivedData struct {
	Answer string `json:"answer"`
}

// Agent session.

type SessionStartedData struct {
	Phase    string `json:"phase"`
	Model    string `json:"model,omitempty"`
	MaxTurns int    `json:"max_turns"`
	WorkDir  string `json:"work_dir,omitempty"`
}

type SessionCompletedData struct {
	Phase        string `json:"phase"`
	Outcome      string `json:"outcome"`
	Turns        int    `json:"turns"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	Completed    int    `json:"completed"`
	Failed       int    `json:"failed"`
	Pending      int    `json:"pending"`
}

type SessionErrorData struct {
	Phase   string `json:"phase"`
	Subtype string `json:"subtype,omitempty"`
	Error   string `json:"error"`
}

type MaxTurnsReachedData struct {
	Turns    int `json:"turns"`
	MaxTurns int `json:"max_turns"`
}

type AgentMessageData struct {
	Text string `json:"text"`
}

// Tool calls.

type ToolStartedData struct {
	ToolUseID string `json:"tool_use_id,omitempty"`
	Tool      string `json:"tool"`
	Kind      string `json:"kind"`
}

type ToolCompletedData struct {
	ToolUseID    string `json:"tool_use_id,omitempty"`
	Tool         string `json:"tool"`
	Kind         string `json:"kind"`
	DurationMs   int64  `json:"duration_ms"`
	Result       string `json:"result,omitempty"`
	Truncated    bool   `json:"truncated,omitempty"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
}

type ToolErrorData struct {
	ToolUseID  string `json:"tool_use_id,omitempty"`
	Tool       string `json:"tool"`
	Kind       string `json:"kind"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error"`
}

type ToolRejectedData struct {
	ToolUseID string `json:"tool_use_id,omitempty"`
	Tool      string `json:"tool"`
	Reason    string `json:"reason"`
}

type DomainToolData struct {
	Tool          string `json:"tool"`
	Passed        bool   `json:"passed"`
	Output        string `json:"output,omitempty"`
	ArtifactID    string `json:"artifact_id,omitempty"`
	RequirementID string `json:"requirement_id,omitempty"`
}

type ArtifactCreatedData struct {
	ArtifactID    string `json:"artifact_id"`
	Type          string `json:"type"`
	Path          string `json:"path"`
	RequirementID string `json:"requirement_id,omitempty"`
}

func (PipelineCreatedData) EventType() Type      { return PipelineCreated }
func (PipelineCompletedData) EventType() Type    { return PipelineCompleted }
func (PipelineFailedData) EventType() Type       { return PipelineFailed }
func (PipelineAbortedData) EventType() Type      { return PipelineAborted }
func (StatusChangedData) EventType() Type        { return StatusChanged }
func (PhaseChangedData) EventType() Type         { return PhaseChanged }
func (PhaseStartedData) EventType() Type         { return PhaseStarted }
func (PhaseCompletedData) EventType() Type       { return PhaseCompleted }
func (PhaseFailedData) EventType() Type          { return PhaseFailed }
func (RetryStartedData) EventType() Type         { return RetryStarted }
func (RequirementsSetData) EventType() Type      { return RequirementsSet }
func (RequirementStartedData) EventType() Type   { return RequirementStarted }
func (RequirementCompletedData) EventType() Type { return RequirementCompleted }
func (RequirementFailedData) EventType() Type    { return RequirementFailed }
func (StatusUpdateData) EventType() Type         { return StatusUpdate }
func (ProgressData) EventType() Type             { return Progress }
func (TestResultData) EventType() Type           { return TestResult }
func (PauseRequestedData) EventType() Type       { return PauseRequested }
func (PausedData) EventType() Type               { return Paused }
func (ResumedData) EventType() Type              { return Resumed }
func (AbortRequestedData) EventType() Type       { return AbortRequested }
func (UserInputRequestedData) EventType() Type   { return UserInputRequested }
func (UserInputReceivedData) EventType() Type    { return UserInputReceived }
func (SessionStartedData) EventType() Type       { return SessionStarted }
func (SessionCompletedData) EventType() Type     { return SessionCompleted }
func (SessionErrorData) EventType() Type         { return SessionError }
func (MaxTurnsReachedData) EventType() Type      { return MaxTurnsReached }
func (AgentMessageData) EventType() Type         { return AgentMessage }
func (ToolStartedData) EventType() Type          { return ToolStarted }
func (ToolCompletedData) EventType() Type        { return ToolCompleted }
func (ToolErrorData) EventType() Type            { return ToolError }
func (ToolRejectedData) EventType() Type         { return ToolRejected }
func (DomainToolData) EventType() Type           { return DomainToolRun }
func (ArtifactCreatedData) EventType() Type      { return ArtifactCreated }

var registry = map[Type]func() any{
	PipelineCreated:      func() any { return &PipelineCreatedData{} },
	PipelineCompleted:    func() any { return &PipelineCompletedData{} },
	PipelineFailed:       func() any { return &PipelineFailedData{} },
	PipelineAborted:      func() any { return &PipelineAbortedData{} },
	StatusChanged:        func() any { return &StatusChangedData{} },
	PhaseChanged:         func() any { return &PhaseChangedData{} },
	PhaseStarted:         func() any { return &PhaseStartedData{} },
	PhaseCompleted:       func() any { return &PhaseCompletedData{} },
	PhaseFailed:          func() any { return &PhaseFailedData{} },
	RetryStarted:         func() any { return &RetryStartedData{} },
	RequirementsSet:      func() any { return &RequirementsSetData{} },
	RequirementStarted:   func() any { return &RequirementStartedData{} },
	RequirementCompleted: func() any { return &RequirementCompletedData{} },
	RequirementFailed:    func() any { return &RequirementFailedData{} },
	StatusUpdate:         func() any { return &StatusUpdateData{} },
	Progress:             func() any { return &ProgressData{} },
	TestResult:           func() any { return &TestResultData{} },
	PauseRequested:       func() any { return &PauseRequestedData{} },
	Paused:               func() any { return &PausedData{} },
	Resumed:              func() any { return &ResumedData{} },
	AbortRequested:       func() any { return &AbortRequestedData{} },
	UserInputRequested:   func() any { return &UserInputRequestedData{} },
	UserInputReceived:    func() any { return &UserInputReceivedData{} },
	SessionStarted:       func() any { return &SessionStartedData{} },
	SessionCompleted:     func() any { return &SessionCompletedData{} },
	SessionError:         func() any { return &SessionErrorData{} },
	MaxTurnsReached:      func() any { return &MaxTurnsReachedData{} },
	AgentMessage:         func() any { return &AgentMessageData{} },
	ToolStarted:          func() any { return &ToolStartedData{} },
	ToolCompleted:        func() any { return &ToolCompletedData{} },
	ToolError:            func() any { return &ToolErrorData{} },
	ToolRejected:         func() any { return &ToolRejectedData{} },
	DomainToolRun:        func() any { return &DomainToolData{} },
	ArtifactCreated:      func() any { return &ArtifactCreatedData{} },
}
