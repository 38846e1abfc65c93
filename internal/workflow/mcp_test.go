package workflow

import (
	"context"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasnoah/featurefactory/internal/pipeline"
)

func TestMCPTools(t *testing.T) {
	store, b := setup(t)
	ctx := context.Background()

	serverT, clientT := mcp.NewInMemoryTransports()
	ss, err := NewServer(b, "test").Connect(ctx, serverT, nil)
	require.NoError(t, err)
	defer ss.Close()

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "v0"}, nil)
	cs, err := client.Connect(ctx, clientT, nil)
	require.NoError(t, err)
	defer cs.Close()

	res, err := cs.CallTool(ctx, &mcp.CallToolParams{
		Name: ToolSetRequirements,
		Arguments: map[string]any{
			"requirements": []map[string]any{{"id": "R1", "title": "list todos"}},
		},
	})
	require.NoError(t, err)
	assert.False(t, res.IsError)

	res, err = cs.CallTool(ctx, &mcp.CallToolParams{
		Name:      ToolCompleteRequirement,
		Arguments: map[string]any{"requirement_id": "R1"},
	})
	require.NoError(t, err)
	assert.True(t, res.IsError, "pending -> completed must be rejected")

	p, _ := store.Get(b.PipelineID())
	assert.Equal(t, pipeline.RequirementPending, p.Requirement("R1").Status)
}
