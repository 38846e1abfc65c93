package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
)

const (
	mcpServerName  = "factory"
	approveTool    = "approve"
	maxStreamLine  = 16 << 20
	stderrTailSize = 8 << 10
	toolUseWait    = 500 * time.Millisecond
)

// MCPToolName is the name the agent CLI gives an in-process tool.
func MCPToolName(tool string) string {
	return "mcp__" + mcpServerName + "__" + tool
}

// CLIOpts configures a CLIRunner.
type CLIOpts struct {
	Binary    string
	ExtraArgs []string
	// DataDir is searched for a .env file holding the OAuth token.
	DataDir string
	Version string
	Logger  *zap.Logger
}

// CLIRunner drives the claude CLI in stream-json mode. In-process tools and
// a permission-prompt tool are served to it by an MCP server over
// streamable HTTP on a loopback port, so every tool call passes through
// Hooks.PreToolUse before it runs.
type CLIRunner struct {
	opts CLIOpts
	log  *zap.Logger
}

// NewCLIRunner returns a runner for the given binary.
func NewCLIRunner(opts CLIOpts) *CLIRunner {
	if opts.Binary == "" {
		opts.Binary = "claude"
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &CLIRunner{opts: opts, log: opts.Logger.Named("agent")}
}

type cliSession struct {
	hooks   Hooks
	corr    *correlator
	cancel  context.CancelFunc
	stopped bool
	mu      sync.Mutex
}

func (s *cliSession) stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.cancel()
}

func (s *cliSession) wasStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Run starts the CLI and returns its message stream.
func (r *CLIRunner) Run(ctx context.Context, req Request, hooks Hooks) (<-chan Message, error) {
	runCtx, cancel := context.WithCancel(ctx)
	sess := &cliSession{hooks: hooks, corr: newCorrelator(), cancel: cancel}

	srv, url, err := r.startMCP(runCtx, req, sess)
	if err != nil {
		cancel()
		return nil, err
	}

	cfgDir, err := os.MkdirTemp("", "factory-mcp-*")
	if err != nil {
		cancel()
		_ = srv.Close()
		return nil, fmt.Errorf("create mcp config dir: %w", err)
	}
	cfgPath, err := WriteMCPConfig(cfgDir, &MCPConfig{Servers: map[string]MCPServerEntry{
		mcpServerName: {Type: "http", URL: url},
	}})
	if err != nil {
		cancel()
		_ = srv.Close()
		os.RemoveAll(cfgDir)
		return nil, err
	}

	cmd := exec.CommandContext(runCtx, r.opts.Binary, r.args(req, cfgPath)...)
	cmd.Dir = req.WorkDir
	cmd.Env = sessionEnv(r.opts.DataDir)
	cmd.WaitDelay = 5 * time.Second
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		_ = srv.Close()
		os.RemoveAll(cfgDir)
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr := &tailBuffer{max: stderrTailSize}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		cancel()
		_ = srv.Close()
		os.RemoveAll(cfgDir)
		return nil, fmt.Errorf("start %s: %w", r.opts.Binary, err)
	}
	r.log.Info("agent session started",
		zap.Int("pid", cmd.Process.Pid), zap.String("model", req.Model), zap.String("work_dir", req.WorkDir))

	out := make(chan Message, 64)
	go func() {
		defer close(out)
		defer os.RemoveAll(cfgDir)
		defer srv.Close()
		defer cancel()

		gotResult := r.pump(runCtx, stdout, sess, out)
		waitErr := cmd.Wait()

		switch {
		case gotResult:
		case sess.wasStopped():
			out <- Message{Kind: KindResult, Subtype: SubtypeStopped}
		case ctx.Err() != nil:
			out <- Message{Kind: KindError, Err: context.Cause(ctx)}
		default:
			msg := strings.TrimSpace(stderr.String())
			if waitErr == nil {
				waitErr = errors.New("agent exited without a result")
			}
			if msg != "" {
				waitErr = fmt.Errorf("%w: %s", waitErr, msg)
			}
			out <- Message{Kind: KindError, Err: waitErr}
		}
	}()
	return out, nil
}

func (r *CLIRunner) args(req Request, mcpConfig string) []string {
	args := []string{
		"-p", req.Prompt,
		"--output-format", "stream-json",
		"--verbose",
		"--mcp-config", mcpConfig,
		"--permission-prompt-tool", MCPToolName(approveTool),
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(req.MaxTurns))
	}
	if req.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", req.SystemPrompt)
	}
	if len(req.Tools) > 0 {
		names := make([]string, len(req.Tools))
		for i, t := range req.Tools {
			names[i] = MCPToolName(t.Name)
		}
		args = append(args, "--allowedTools", strings.Join(names, ","))
	}
	return append(args, r.opts.ExtraArgs...)
}

// pump forwards parsed stream lines to out and runs PostToolUse for
// approved built-in tools. It reports whether a result message was seen.
func (r *CLIRunner) pump(ctx context.Context, stdout io.Reader, sess *cliSession, out chan<- Message) bool {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64<<10), maxStreamLine)
	gotResult := false
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		msgs, err := parseLine(line)
		if err != nil {
			r.log.Debug("skipping unparseable stream line", zap.Error(err))
			continue
		}
		for _, m := range msgs {
			switch m.Kind {
			case KindToolUse:
				if !strings.HasPrefix(m.Call.Name, "mcp__") || isServedTool(m.Call.Name) {
					sess.corr.seen(m.Call.ID, m.Call.Name)
				}
			case KindToolResult:
				if call, ok := sess.corr.finished(m.Result.ToolUseID); ok {
					sess.hooks.Post(ctx, call, *m.Result)
				}
			case KindResult:
				gotResult = true
			}
			select {
			case out <- m:
			case <-ctx.Done():
				return gotResult
			}
		}
	}
	return gotResult
}

type approveInput struct {
	ToolName  string         `json:"tool_name" jsonschema:"name of the tool the agent wants to run"`
	Input     map[string]any `json:"input,omitempty" jsonschema:"the tool input"`
	ToolUseID string         `json:"tool_use_id,omitempty" jsonschema:"id of the tool_use block"`
}

type permissionReply struct {
	Behavior     string          `json:"behavior"`
	UpdatedInput json.RawMessage `json:"updatedInput,omitempty"`
	Message      string          `json:"message,omitempty"`
}

// startMCP serves the in-process tools on a loopback listener.
func (r *CLIRunner) startMCP(ctx context.Context, req Request, sess *cliSession) (*http.Server, string, error) {
	server := mcp.NewServer(&mcp.Implementation{Name: mcpServerName, Version: r.opts.Version}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        approveTool,
		Description: "Permission check for agent tool calls. Called by the CLI, not by the model.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in approveInput) (*mcp.CallToolResult, any, error) {
		if in.Input == nil {
			in.Input = map[string]any{}
		}
		input, err := json.Marshal(in.Input)
		if err != nil {
			return nil, nil, err
		}
		call := sess.corr.claim(in.ToolName, input, in.ToolUseID)
		d := sess.hooks.Pre(ctx, call)

		reply := permissionReply{Behavior: "allow", UpdatedInput: input}
		if d.Action != Allow {
			reply = permissionReply{Behavior: "deny", Message: d.Output}
		} else {
			sess.corr.approve(call)
		}
		if d.Stop {
			defer sess.stop()
		}
		data, err := json.Marshal(reply)
		if err != nil {
			return nil, nil, err
		}
		return textResult(string(data), false), nil, nil
	})

	for _, spec := range req.Tools {
		spec := spec
		tool := &mcp.Tool{Name: spec.Name, Description: spec.Description}
		if spec.InputSchema != nil {
			tool.InputSchema = spec.InputSchema
		}
		mcp.AddTool(server, tool,
			func(ctx context.Context, creq *mcp.CallToolRequest, in map[string]any) (*mcp.CallToolResult, any, error) {
				if in == nil {
					in = map[string]any{}
				}
				raw, err := json.Marshal(in)
				if err != nil {
					return nil, nil, err
				}
				call := sess.corr.claimServed(ctx, MCPToolName(spec.Name), raw, toolUseID(creq), toolUseWait)
				call.Name = spec.Name
				d := sess.hooks.Pre(ctx, call)
				if d.Stop {
					defer sess.stop()
				}
				if d.Action == Deny {
					return textResult(d.Output, true), nil, nil
				}
				sess.hooks.Post(ctx, call, ToolResult{ToolUseID: call.ID, Output: d.Output, IsError: d.IsError})
				return textResult(d.Output, d.IsError), nil, nil
			})
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, "", fmt.Errorf("listen for mcp: %w", err)
	}
	handler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return server }, nil)
	mux := http.NewServeMux()
	mux.Handle("/mcp", handler)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.log.Warn("mcp server stopped", zap.Error(err))
		}
	}()
	return srv, "http://" + ln.Addr().String() + "/mcp", nil
}

// toolUseMetaKey is the _meta key the CLI uses for the originating tool_use
// id on an MCP tools/call request.
const toolUseMetaKey = "claudecode/toolUseId"

func toolUseID(req *mcp.CallToolRequest) string {
	if req == nil || req.Params == nil {
		return ""
	}
	id, _ := req.Params.Meta[toolUseMetaKey].(string)
	return id
}

// isServedTool reports whether name is one of the tools this runner serves
// over MCP, other than the permission tool.
func isServedTool(name string) bool {
	return strings.HasPrefix(name, "mcp__"+mcpServerName+"__") && name != MCPToolName(approveTool)
}

func textResult(text string, isError bool) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
		IsError: isError,
	}
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
