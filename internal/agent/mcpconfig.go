package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// MCPServerEntry is one server in an agent MCP config file.
type MCPServerEntry struct {
	Type    string   `json:"type"`
	URL     string   `json:"url,omitempty"`
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
}

// MCPConfig is the file passed to the agent CLI with --mcp-config.
type MCPConfig struct {
	Servers map[string]MCPServerEntry `json:"mcpServers"`
}

// WriteMCPConfig writes cfg to <dir>/mcp.json. If the file already exists,
// its other servers are kept and the entries in cfg replace same-named ones.
func WriteMCPConfig(dir string, cfg *MCPConfig) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create mcp config dir: %w", err)
	}
	path := filepath.Join(dir, "mcp.json")

	merged := MCPConfig{Servers: map[string]MCPServerEntry{}}
	if data, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(data, &merged)
		if merged.Servers == nil {
			merged.Servers = map[string]MCPServerEntry{}
		}
	}
	for name, entry := range cfg.Servers {
		merged.Servers[name] = entry
	}

	data, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal mcp config: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write mcp config: %w", err)
	}
	return path, nil
}

// resolveFactoryBinary returns the absolute path to the running factory
// binary, falling back to "factory" on PATH.
func resolveFactoryBinary() string {
	if exe, err := os.Executable(); err == nil {
		if abs, err := filepath.EvalSymlinks(exe); err == nil {
			return abs
		}
		return exe
	}
	return "factory"
}

// StdioServerEntry points an externally launched agent at
// `factory mcp --pipeline <id>`.
func StdioServerEntry(pipelineID string) MCPServerEntry {
	return MCPServerEntry{
		Type:    "stdio",
		Command: resolveFactoryBinary(),
		Args:    []string{"mcp", "--pipeline", pipelineID},
	}
}
