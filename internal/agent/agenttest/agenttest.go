// Package agenttest provides a scripted agent.Runner for tests and dry
// runs. A Script lists what the fake agent says and which tools it calls;
// every call goes through the session's hooks exactly as a real agent's
// would.
package agenttest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/lucasnoah/featurefactory/internal/agent"
)

// Step is one scripted action.
type Step struct {
	Say   string
	Call  *ToolCall
	Usage *agent.Usage
	// Do runs arbitrary code at this point of the session, e.g. to flip a
	// control flag mid-stream.
	Do func()
}

// ToolCall is a scripted tool invocation. Output is what the tool returns
// when the hooks allow it to run.
type ToolCall struct {
	Name    string
	Input   any
	Output  string
	IsError bool
}

// Script is one session.
type Script struct {
	Steps []Step
	// Subtype of the final result message; defaults to success.
	Subtype string
	// Err makes the session end with an error message instead of a result.
	Err error
	// StartErr makes Run itself fail.
	StartErr error
}

// Say is a step where the agent emits text.
func Say(text string) Step { return Step{Say: text} }

// Call is a step where the agent calls a tool.
func Call(name string, input any) Step {
	return Step{Call: &ToolCall{Name: name, Input: input}}
}

// CallReturning is a step where the agent calls a tool that returns output.
func CallReturning(name string, input any, output string, isError bool) Step {
	return Step{Call: &ToolCall{Name: name, Input: input, Output: output, IsError: isError}}
}

// Tokens is a usage report step.
func Tokens(in, out int) Step {
	return Step{Usage: &agent.Usage{InputTokens: in, OutputTokens: out}}
}

// Do is a step running fn.
func Do(fn func()) Step { return Step{Do: fn} }

// Runner plays Scripts. Next chooses the script for each session; when nil,
// Scripts are played in order and later sessions get an empty script.
type Runner struct {
	Next    func(req agent.Request) Script
	Scripts []Script

	mu       sync.Mutex
	requests []agent.Request
	calls    []agent.Call
}

// Requests returns every session request seen so far.
func (r *Runner) Requests() []agent.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]agent.Request(nil), r.requests...)
}

// Calls returns every tool call offered to the hooks.
func (r *Runner) Calls() []agent.Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]agent.Call(nil), r.calls...)
}

func (r *Runner) script(req agent.Request) Script {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	if r.Next != nil {
		return r.Next(req)
	}
	if len(r.Scripts) == 0 {
		return Script{}
	}
	s := r.Scripts[0]
	r.Scripts = r.Scripts[1:]
	return s
}

// Run implements agent.Runner.
func (r *Runner) Run(ctx context.Context, req agent.Request, hooks agent.Hooks) (<-chan agent.Message, error) {
	s := r.script(req)
	if s.StartErr != nil {
		return nil, s.StartErr
	}
	out := make(chan agent.Message)
	go func() {
		defer close(out)
		r.play(ctx, s, hooks, out)
	}()
	return out, nil
}

func (r *Runner) play(ctx context.Context, s Script, hooks agent.Hooks, out chan<- agent.Message) {
	send := func(m agent.Message) bool {
		select {
		case out <- m:
			return true
		case <-ctx.Done():
			return false
		}
	}
	cancelled := func() bool {
		if ctx.Err() == nil {
			return false
		}
		send(agent.Message{Kind: agent.KindError, Err: context.Cause(ctx)})
		return true
	}

	turns := 0
	for i, step := range s.Steps {
		if cancelled() {
			return
		}
		switch {
		case step.Do != nil:
			step.Do()
		case step.Usage != nil:
			u := *step.Usage
			if !send(agent.Message{Kind: agent.KindUsage, Usage: &u}) {
				return
			}
		case step.Say != "":
			turns++
			if !send(agent.Message{Kind: agent.KindAssistant, Text: step.Say}) {
				return
			}
		case step.Call != nil:
			turns++
			if !send(agent.Message{Kind: agent.KindAssistant}) {
				return
			}
			stop, ok := r.call(ctx, i, step.Call, hooks, send)
			if !ok {
				return
			}
			if stop {
				send(agent.Message{Kind: agent.KindResult, Subtype: agent.SubtypeStopped, Turns: turns})
				return
			}
		}
	}

	if cancelled() {
		return
	}
	if s.Err != nil {
		send(agent.Message{Kind: agent.KindError, Err: s.Err})
		return
	}
	subtype := s.Subtype
	if subtype == "" {
		subtype = agent.SubtypeSuccess
	}
	send(agent.Message{Kind: agent.KindResult, Subtype: subtype, Turns: turns})
}

func (r *Runner) call(ctx context.Context, i int, tc *ToolCall, hooks agent.Hooks, send func(agent.Message) bool) (stop, ok bool) {
	input, err := json.Marshal(tc.Input)
	if err != nil || tc.Input == nil {
		input = json.RawMessage(`{}`)
	}
	call := agent.Call{ID: fmt.Sprintf("toolu_%03d", i), Name: tc.Name, Input: input}

	r.mu.Lock()
	r.calls = append(r.calls, call)
	r.mu.Unlock()

	if !send(agent.Message{Kind: agent.KindToolUse, Call: &call}) {
		return false, false
	}

	d := hooks.Pre(ctx, call)
	var res agent.ToolResult
	switch d.Action {
	case agent.Deny:
		res = agent.ToolResult{ToolUseID: call.ID, Output: d.Output, IsError: true}
	case agent.Respond:
		res = agent.ToolResult{ToolUseID: call.ID, Output: d.Output, IsError: d.IsError}
	default:
		res = agent.ToolResult{ToolUseID: call.ID, Output: tc.Output, IsError: tc.IsError}
	}
	if !send(agent.Message{Kind: agent.KindToolResult, Result: &res}) {
		return false, false
	}
	if d.Action != agent.Deny {
		hooks.Post(ctx, call, res)
	}
	return d.Stop, true
}
