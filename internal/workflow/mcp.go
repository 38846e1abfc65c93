package workflow

import (
	"context"
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// AddTools registers the workflow tools on server, answered by b.
func AddTools(server *mcp.Server, b *Bridge) {
	addTool[RequirementInput](server, b, ToolStartRequirement)
	addTool[RequirementInput](server, b, ToolCompleteRequirement)
	addTool[FailInput](server, b, ToolFailRequirement)
	addTool[StatusInput](server, b, ToolUpdateStatus)
	addTool[ProgressInput](server, b, ToolLogProgress)
	addTool[ListInput](server, b, ToolGetRequirements)
	addTool[SetRequirementsInput](server, b, ToolSetRequirements)
	addTool[TestResultInput](server, b, ToolReportTestResult)
}

func addTool[In any](server *mcp.Server, b *Bridge, name string) {
	tool := &mcp.Tool{Name: name}
	for _, t := range toolDescriptions {
		if t.Name == name {
			tool.Description = t.Description
			if t.InputSchema != nil {
				tool.InputSchema = t.InputSchema
			}
		}
	}
	mcp.AddTool(server, tool,
		func(ctx context.Context, _ *mcp.CallToolRequest, in In) (*mcp.CallToolResult, any, error) {
			raw, err := json.Marshal(in)
			if err != nil {
				return nil, nil, err
			}
			out, err := b.Call(ctx, name, raw)
			if err != nil {
				return &mcp.CallToolResult{
					Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
					IsError: true,
				}, nil, nil
			}
			return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: out}}}, nil, nil
		})
}

// NewServer returns an MCP server carrying only the workflow tools.
func NewServer(b *Bridge, version string) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: "factory", Version: version}, nil)
	AddTools(server, b)
	return server
}
