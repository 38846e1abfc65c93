// Package domaintool runs domain tools (browser automation) on behalf of the
// agent during testing.
package domaintool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Artifact is a file produced by a tool, such as a screenshot.
type Artifact struct {
	Type string `json:"type"`
	Ext  string `json:"ext"`
	Data []byte `json:"data"`
}

// Result is the outcome of one tool execution.
type Result struct {
	Passed   bool      `json:"passed"`
	Output   string    `json:"output"`
	Artifact *Artifact `json:"artifact,omitempty"`
}

// Executor runs a named domain tool.
type Executor interface {
	Execute(ctx context.Context, name string, input json.RawMessage) (*Result, error)
}

// Func adapts a function to Executor.
type Func func(ctx context.Context, name string, input json.RawMessage) (*Result, error)

// Execute calls f.
func (f Func) Execute(ctx context.Context, name string, input json.RawMessage) (*Result, error) {
	return f(ctx, name, input)
}

// HTTPExecutor posts tool calls to a browser automation service:
// POST <base>/tools/<name> with {"input": ...}, answered by a Result.
type HTTPExecutor struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPExecutor returns an executor for the service at baseURL.
func NewHTTPExecutor(baseURL string, timeout time.Duration) *HTTPExecutor {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &HTTPExecutor{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
}

type executeRequest struct {
	Input json.RawMessage `json:"input"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Execute implements Executor.
func (e *HTTPExecutor) Execute(ctx context.Context, name string, input json.RawMessage) (*Result, error) {
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	body, err := json.Marshal(executeRequest{Input: input})
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", name, err)
	}

	endpoint := e.baseURL + "/tools/" + url.PathEscape(name)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", name, err)
	}
	if resp.StatusCode != http.StatusOK {
		var er errorResponse
		if json.Unmarshal(data, &er) == nil && er.Error != "" {
			return nil, fmt.Errorf("%s: status %d: %s", name, resp.StatusCode, er.Error)
		}
		return nil, fmt.Errorf("%s: status %d", name, resp.StatusCode)
	}

	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", name, err)
	}
	return &res, nil
}
