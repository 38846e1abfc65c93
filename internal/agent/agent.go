// Package agent is the boundary to the external coding agent. A Runner
// starts one session and streams its messages; every tool call the agent
// makes is offered to Hooks.PreToolUse before it executes.
package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

// Result subtypes reported by a terminal KindResult message.
const (
	SubtypeSuccess      = "success"
	SubtypeErrorMaxTurn = "error_max_turns"
	SubtypeStopped      = "stopped"
)

// Request describes one agent session.
type Request struct {
	Prompt       string
	SystemPrompt string
	WorkDir      string
	Model        string
	MaxTurns     int
	// Tools are handled in-process: the agent sees them, and every call is
	// answered by Hooks.PreToolUse returning Respond.
	Tools []ToolSpec
}

// ToolSpec describes an in-process tool offered to the agent.
type ToolSpec struct {
	Name        string
	Description string
	// InputSchema is advertised to the agent and checked before the call
	// reaches the hooks. Nil accepts any object.
	InputSchema *jsonschema.Schema
}

// SchemaFor infers the input schema for T from its json and jsonschema
// tags. It panics if T has no object schema.
func SchemaFor[T any]() *jsonschema.Schema {
	s, err := jsonschema.For[T](nil)
	if err != nil {
		panic(fmt.Sprintf("input schema for %T: %v", *new(T), err))
	}
	if s.Type != "object" {
		panic(fmt.Sprintf("input schema for %T: type %q, want object", *new(T), s.Type))
	}
	return s
}

// Call is one tool invocation by the agent.
type Call struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ToolResult is the outcome of a call as the agent saw it.
type ToolResult struct {
	ToolUseID string
	Output    string
	IsError   bool
}

// Action is what the runner does with an intercepted call.
type Action int

const (
	// Allow lets the agent execute the tool itself.
	Allow Action = iota
	// Deny refuses the call; Output is the reason shown to the agent.
	Deny
	// Respond answers the call in-process with Output.
	Respond
)

// Decision is returned by Hooks.PreToolUse.
type Decision struct {
	Action  Action
	Output  string
	IsError bool
	// Stop ends the session once the decision has been delivered.
	Stop bool
}

// AllowCall lets the call through.
func AllowCall() Decision { return Decision{Action: Allow} }

// DenyCall refuses the call with reason.
func DenyCall(reason string, stop bool) Decision {
	return Decision{Action: Deny, Output: reason, IsError: true, Stop: stop}
}

// RespondCall answers the call in-process.
func RespondCall(output string, isError bool) Decision {
	return Decision{Action: Respond, Output: output, IsError: isError}
}

// Hooks intercept tool calls. PostToolUse runs once for every call that was
// allowed or answered, after the agent has its result. Either may be nil.
type Hooks struct {
	PreToolUse  func(ctx context.Context, call Call) Decision
	PostToolUse func(ctx context.Context, call Call, result ToolResult)
}

// Pre runs PreToolUse, defaulting to Allow.
func (h Hooks) Pre(ctx context.Context, call Call) Decision {
	if h.PreToolUse == nil {
		return AllowCall()
	}
	return h.PreToolUse(ctx, call)
}

// Post runs PostToolUse if set.
func (h Hooks) Post(ctx context.Context, call Call, result ToolResult) {
	if h.PostToolUse != nil {
		h.PostToolUse(ctx, call, result)
	}
}

// Kind discriminates stream messages.
type Kind string

const (
	KindAssistant  Kind = "assistant"
	KindToolUse    Kind = "tool_use"
	KindToolResult Kind = "tool_result"
	KindUsage      Kind = "usage"
	KindResult     Kind = "result"
	KindError      Kind = "error"
)

// Usage is a token count delta.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Message is one item of a session stream. The channel closes after the
// KindResult or KindError message.
type Message struct {
	Kind    Kind
	Text    string
	Call    *Call
	Result  *ToolResult
	Usage   *Usage
	Subtype string
	Turns   int
	Err     error
}

// Runner starts agent sessions.
type Runner interface {
	Run(ctx context.Context, req Request, hooks Hooks) (<-chan Message, error)
}
