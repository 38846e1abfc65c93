package agent

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type startInput struct {
	RequirementID string `json:"requirement_id" jsonschema:"id of the requirement"`
	Note          string `json:"note,omitempty"`
}

type recordingHooks struct {
	mu    sync.Mutex
	pre   []Call
	posts []ToolResult
}

func (h *recordingHooks) hooks() Hooks {
	return Hooks{
		PreToolUse: func(_ context.Context, call Call) Decision {
			h.mu.Lock()
			h.pre = append(h.pre, call)
			h.mu.Unlock()
			return RespondCall("ok", false)
		},
		PostToolUse: func(_ context.Context, _ Call, res ToolResult) {
			h.mu.Lock()
			h.posts = append(h.posts, res)
			h.mu.Unlock()
		},
	}
}

func (h *recordingHooks) calls() []Call {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Call(nil), h.pre...)
}

// connectMCP serves tools the way Run does and returns a client session.
func connectMCP(t *testing.T, tools []ToolSpec, rec *recordingHooks) (*mcp.ClientSession, *cliSession) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	sess := &cliSession{hooks: rec.hooks(), corr: newCorrelator(), cancel: cancel}
	r := NewCLIRunner(CLIOpts{Version: "test"})
	srv, url, err := r.startMCP(ctx, Request{Tools: tools}, sess)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "test", Version: "test"}, nil)
	cs, err := client.Connect(ctx, &mcp.StreamableClientTransport{Endpoint: url, MaxRetries: -1}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })
	return cs, sess
}

type listedSchema struct {
	Type       string         `json:"type"`
	Required   []string       `json:"required"`
	Properties map[string]any `json:"properties"`
}

func TestServedToolsAdvertiseSchemas(t *testing.T) {
	rec := &recordingHooks{}
	cs, _ := connectMCP(t, []ToolSpec{
		{Name: "start_requirement", Description: "start", InputSchema: SchemaFor[startInput]()},
		{Name: "domain_click", Description: "click"},
	}, rec)

	res, err := cs.ListTools(context.Background(), nil)
	require.NoError(t, err)
	schemas := map[string]listedSchema{}
	for _, tool := range res.Tools {
		data, err := json.Marshal(tool.InputSchema)
		require.NoError(t, err)
		var s listedSchema
		require.NoError(t, json.Unmarshal(data, &s))
		schemas[tool.Name] = s
	}

	start, ok := schemas["start_requirement"]
	require.True(t, ok)
	assert.Equal(t, "object", start.Type)
	assert.Contains(t, start.Required, "requirement_id")
	assert.NotContains(t, start.Required, "note")
	assert.Contains(t, start.Properties, "note")

	assert.Equal(t, "object", schemas["domain_click"].Type)
	assert.Contains(t, schemas[approveTool].Required, "tool_name")
}

func TestServedToolRejectsInputOutsideSchema(t *testing.T) {
	rec := &recordingHooks{}
	cs, _ := connectMCP(t, []ToolSpec{
		{Name: "start_requirement", InputSchema: SchemaFor[startInput]()},
	}, rec)

	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "start_requirement",
		Arguments: map[string]any{"req": "R1"},
	})
	if err == nil {
		assert.True(t, res.IsError)
	}
	assert.Empty(t, rec.calls())
}

func TestServedToolCarriesToolUseID(t *testing.T) {
	rec := &recordingHooks{}
	cs, _ := connectMCP(t, []ToolSpec{
		{Name: "start_requirement", InputSchema: SchemaFor[startInput]()},
	}, rec)

	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
		Meta:      mcp.Meta{toolUseMetaKey: "toolu_9"},
		Name:      "start_requirement",
		Arguments: map[string]any{"requirement_id": "R1"},
	})
	require.NoError(t, err)
	assert.False(t, res.IsError)

	calls := rec.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "toolu_9", calls[0].ID)
	assert.Equal(t, "start_requirement", calls[0].Name)
	assert.JSONEq(t, `{"requirement_id":"R1"}`, string(calls[0].Input))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.posts, 1)
	assert.Equal(t, "toolu_9", rec.posts[0].ToolUseID)
}

func TestServedToolUsesStreamedID(t *testing.T) {
	rec := &recordingHooks{}
	cs, sess := connectMCP(t, []ToolSpec{{Name: "log_progress"}}, rec)

	go func() {
		time.Sleep(20 * time.Millisecond)
		sess.corr.seen("toolu_3", MCPToolName("log_progress"))
	}()
	_, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "log_progress",
		Arguments: map[string]any{"message": "hi"},
	})
	require.NoError(t, err)

	calls := rec.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "toolu_3", calls[0].ID)
	assert.Equal(t, "log_progress", calls[0].Name)
}
