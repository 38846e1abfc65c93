package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// streamLine is one line of the CLI's stream-json output.
type streamLine struct {
	Type     string         `json:"type"`
	Subtype  string         `json:"subtype"`
	Message  *streamMessage `json:"message"`
	Result   string         `json:"result"`
	NumTurns int            `json:"num_turns"`
	IsError  bool           `json:"is_error"`
	Usage    *Usage         `json:"usage"`
}

type streamMessage struct {
	Content []contentBlock `json:"content"`
	Usage   *Usage         `json:"usage"`
}

type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

// parseLine converts one stream-json line into messages. Lines of unknown
// type yield nothing.
func parseLine(line []byte) ([]Message, error) {
	var sl streamLine
	if err := json.Unmarshal(line, &sl); err != nil {
		return nil, fmt.Errorf("decode stream line: %w", err)
	}

	switch sl.Type {
	case "assistant":
		if sl.Message == nil {
			return nil, nil
		}
		var text []string
		var out []Message
		for _, b := range sl.Message.Content {
			switch b.Type {
			case "text":
				text = append(text, b.Text)
			case "tool_use":
				out = append(out, Message{Kind: KindToolUse, Call: &Call{ID: b.ID, Name: b.Name, Input: b.Input}})
			}
		}
		msgs := []Message{{Kind: KindAssistant, Text: strings.Join(text, "\n")}}
		msgs = append(msgs, out...)
		if u := sl.Message.Usage; u != nil && (u.InputTokens > 0 || u.OutputTokens > 0) {
			msgs = append(msgs, Message{Kind: KindUsage, Usage: u})
		}
		return msgs, nil

	case "user":
		if sl.Message == nil {
			return nil, nil
		}
		var out []Message
		for _, b := range sl.Message.Content {
			if b.Type != "tool_result" {
				continue
			}
			out = append(out, Message{Kind: KindToolResult, Result: &ToolResult{
				ToolUseID: b.ToolUseID,
				Output:    resultText(b.Content),
				IsError:   b.IsError,
			}})
		}
		return out, nil

	case "result":
		subtype := sl.Subtype
		if subtype == "" {
			subtype = SubtypeSuccess
		}
		return []Message{{Kind: KindResult, Subtype: subtype, Text: sl.Result, Turns: sl.NumTurns, Usage: sl.Usage}}, nil
	}
	return nil, nil
}

// resultText flattens a tool_result content field, which is either a
// string or a list of text blocks.
func resultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		parts := make([]string, 0, len(blocks))
		for _, b := range blocks {
			if b.Type == "text" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return string(raw)
}

// correlator pairs permission-prompt approvals with the tool_use ids seen on
// the stream, so PostToolUse can run when the matching tool_result arrives.
// The two sides race: an approval may arrive before or after its tool_use.
type correlator struct {
	mu             sync.Mutex
	seq            int
	unclaimed      map[string][]string // tool name -> tool_use ids not yet approved
	approvedByName map[string][]Call   // approved calls still waiting for their id
	approved       map[string]Call     // tool_use id -> approved call
	arrived        chan struct{}       // closed and replaced by every seen
}

func newCorrelator() *correlator {
	return &correlator{
		unclaimed:      make(map[string][]string),
		approvedByName: make(map[string][]Call),
		approved:       make(map[string]Call),
		arrived:        make(chan struct{}),
	}
}

// seen records a tool_use from the stream.
func (c *correlator) seen(id, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if q := c.approvedByName[name]; len(q) > 0 {
		c.approvedByName[name] = q[1:]
		c.approved[id] = q[0]
		return
	}
	c.unclaimed[name] = append(c.unclaimed[name], id)
	close(c.arrived)
	c.arrived = make(chan struct{})
}

// claimServed builds the Call for a tool answered in-process. The MCP
// request can overtake its tool_use line on stdout, so it waits up to wait
// for the id to show up before falling back to a generated one.
func (c *correlator) claimServed(ctx context.Context, name string, input json.RawMessage, idHint string, wait time.Duration) Call {
	if idHint != "" {
		return c.claim(name, input, idHint)
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		c.mu.Lock()
		if q := c.unclaimed[name]; len(q) > 0 {
			c.unclaimed[name] = q[1:]
			c.mu.Unlock()
			return Call{ID: q[0], Name: name, Input: input}
		}
		arrived := c.arrived
		c.mu.Unlock()
		select {
		case <-arrived:
		case <-timer.C:
			return c.claim(name, input, "")
		case <-ctx.Done():
			return c.claim(name, input, "")
		}
	}
}

// claim builds the Call for a permission request. idHint is used when the
// CLI supplies the tool_use id.
func (c *correlator) claim(name string, input json.RawMessage, idHint string) Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	if idHint != "" {
		q := c.unclaimed[name]
		for i, id := range q {
			if id == idHint {
				c.unclaimed[name] = append(q[:i:i], q[i+1:]...)
				break
			}
		}
		return Call{ID: idHint, Name: name, Input: input}
	}
	if q := c.unclaimed[name]; len(q) > 0 {
		c.unclaimed[name] = q[1:]
		return Call{ID: q[0], Name: name, Input: input}
	}
	c.seq++
	return Call{ID: fmt.Sprintf("perm-%d", c.seq), Name: name, Input: input}
}

// approve marks call as allowed so its tool_result triggers PostToolUse.
func (c *correlator) approve(call Call) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if strings.HasPrefix(call.ID, "perm-") {
		c.approvedByName[call.Name] = append(c.approvedByName[call.Name], call)
		return
	}
	c.approved[call.ID] = call
}

// finished returns the approved call for a tool_result id.
func (c *correlator) finished(id string) (Call, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	call, ok := c.approved[id]
	if ok {
		delete(c.approved, id)
	}
	return call, ok
}
