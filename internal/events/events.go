// Package events defines the pipeline event envelope and the typed payloads
// carried inside it.
//
// An Event is a string discriminant plus a generic data map, which is what
// gets persisted and streamed. Known event types have a payload struct
// registered here; New converts a payload into an Event and Decode turns
// an Event back into its payload. Unknown types pass through untouched so
// newer producers never break older readers.
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type is the event discriminant.
type Type string

const (
	PipelineCreated   Type = "pipeline_created"
	PipelineCompleted Type = "pipeline_completed"
	PipelineFailed    Type = "pipeline_failed"
	PipelineAborted   Type = "pipeline_aborted"
	StatusChanged     Type = "status_changed"
	PhaseChanged      Type = "phase_changed"
	PhaseStarted      Type = "phase_started"
	PhaseCompleted    Type = "phase_completed"
	PhaseFailed       Type = "phase_failed"
	RetryStarted      Type = "retry_started"

	RequirementsSet      Type = "requirements_set"
	RequirementStarted   Type = "requirement_started"
	RequirementCompleted Type = "requirement_completed"
	RequirementFailed    Type = "requirement_failed"
	StatusUpdate         Type = "status_update"
	Progress             Type = "progress"
	TestResult           Type = "test_result"

	PauseRequested     Type = "pause_requested"
	Paused             Type = "paused"
	Resumed            Type = "resumed"
	AbortRequested     Type = "abort_requested"
	UserInputRequested Type = "user_input_requested"
	UserInputReceived  Type = "user_input_received"

	SessionStarted   Type = "session_started"
	SessionCompleted Type = "session_completed"
	SessionError     Type = "session_error"
	MaxTurnsReached  Type = "max_turns_reached"
	AgentMessage     Type = "agent_message"

	ToolStarted     Type = "tool_started"
	ToolCompleted   Type = "tool_completed"
	ToolError       Type = "tool_error"
	ToolRejected    Type = "tool_rejected"
	DomainToolRun   Type = "domain_tool_result"
	ArtifactCreated Type = "artifact_created"

	// Done is a stream signal sent to subscribers when a pipeline is
	// terminal. It is never appended to a pipeline's log.
	Done Type = "done"
)

// Event is one immutable entry in a pipeline's log.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Type      Type           `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
}

// Payload is implemented by every typed event body.
type Payload interface {
	EventType() Type
}

// New builds an Event from a typed payload, stamped with the current time.
func New(p Payload) Event {
	return At(time.Now().UTC(), p)
}

// At builds an Event from a typed payload with an explicit timestamp.
func At(ts time.Time, p Payload) Event {
	return Event{Timestamp: ts, Type: p.EventType(), Data: toMap(p)}
}

// Raw builds an Event with an arbitrary type and data map.
func Raw(t Type, data map[string]any) Event {
	return Event{Timestamp: time.Now().UTC(), Type: t, Data: data}
}

// Decode converts the event's data map into the payload type T.
func Decode[T Payload](ev Event) (T, error) {
	var out T
	if ev.Type != out.EventType() {
		return out, fmt.Errorf("decode %s: event has type %s", out.EventType(), ev.Type)
	}
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return out, fmt.Errorf("marshal event data: %w", err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("unmarshal %s payload: %w", ev.Type, err)
	}
	return out, nil
}

// Known reports whether t has a registered payload type.
func Known(t Type) bool {
	_, ok := registry[t]
	return ok || t == Done
}

// Validate checks that a known event's data decodes into its payload type.
// Unknown types are accepted as-is.
func Validate(ev Event) error {
	factory, ok := registry[ev.Type]
	if !ok {
		return nil
	}
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	p := factory()
	if err := json.Unmarshal(data, p); err != nil {
		return fmt.Errorf("invalid %s payload: %w", ev.Type, err)
	}
	return nil
}

// Terminal reports whether the event marks the end of a pipeline.
func (e Event) Terminal() bool {
	switch e.Type {
	case PipelineCompleted, PipelineFailed, PipelineAborted, Done:
		return true
	}
	return false
}

// String returns the event data field as a string, or "".
func (e Event) String(key string) string {
	if v, ok := e.Data[key].(string); ok {
		return v
	}
	return ""
}

func toMap(p Payload) map[string]any {
	data, err := json.Marshal(p)
	if err != nil {
		return map[string]any{"error": err.Error()}
	}
	m := map[string]any{}
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"error": err.Error()}
	}
	if len(m) == 0 {
		return nil
	}
	return m
}
