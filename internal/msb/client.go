// Package msb is a JSON-RPC 2.0 client for the external sandboxing service.
// The service owns the isolation mechanism; this package only speaks its
// wire protocol: sandbox.start, sandbox.stop, and sandbox.repl.run.
package msb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const rpcPath = "/api/v1/rpc"

// maxResponseBytes caps how much of an RPC response body is read.
const maxResponseBytes = 8 << 20

// Client holds the sandbox server endpoint and credentials. It is safe for
// concurrent use; per-worker transport state lives in Session.
type Client struct {
	baseURL string
	apiKey  string
	logger  *slog.Logger
}

// NewClient creates a client for the sandbox server at baseURL.
func NewClient(baseURL, apiKey string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		logger:  logger,
	}
}

// Volume is a host directory mounted into a sandbox.
type Volume struct {
	Host  string `json:"host"`
	Mount string `json:"mount"`
}

// StartRequest provisions a remote sandbox.
type StartRequest struct {
	Namespace string
	Sandbox   string
	Image     string
	MemoryMB  int
	CPUs      int
	Volumes   []Volume
}

type startParams struct {
	Namespace string        `json:"namespace"`
	Sandbox   string        `json:"sandbox"`
	Config    sandboxConfig `json:"config"`
}

type sandboxConfig struct {
	Image   string   `json:"image"`
	Memory  int      `json:"memory"`
	CPUs    int      `json:"cpus"`
	Volumes []Volume `json:"volumes,omitempty"`
}

type stopParams struct {
	Namespace string `json:"namespace"`
	Sandbox   string `json:"sandbox"`
}

type runParams struct {
	Namespace string `json:"namespace"`
	Sandbox   string `json:"sandbox"`
	Language  string `json:"language"`
	Code      string `json:"code"`
}

// OutputLine is one line of interpreter output.
type OutputLine struct {
	Stream string `json:"stream"` // "stdout" or "stderr"
	Text   string `json:"text"`
}

// RunResult is the interpreter response for one script.
type RunResult struct {
	Status string       `json:"status"`
	Output []OutputLine `json:"output"`
}

// CombinedOutput joins stdout and stderr lines in arrival order.
func (r *RunResult) CombinedOutput() string {
	var b strings.Builder
	for i, line := range r.Output {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(line.Text)
	}
	return b.String()
}

// HasStderr reports whether any output line came from stderr.
func (r *RunResult) HasStderr() bool {
	for _, line := range r.Output {
		if line.Stream == "stderr" {
			return true
		}
	}
	return false
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      string `json:"id"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	ID      string          `json:"id"`
}

// RPCError is a JSON-RPC error object returned by the sandbox server.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Method  string `json:"-"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("sandbox server: %s failed: %s (code %d)", e.Method, e.Message, e.Code)
}

func (c *Client) call(ctx context.Context, httpClient *http.Client, method string, params, result any) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      uuid.NewString(),
	})
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+rpcPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("reading %s response: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("calling %s: unexpected status %d: %s", method, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(data, &rpcResp); err != nil {
		return fmt.Errorf("decoding %s response: %w", method, err)
	}
	if rpcResp.Error != nil {
		rpcResp.Error.Method = method
		return rpcResp.Error
	}

	c.logger.DebugContext(ctx, "sandbox rpc call",
		slog.String("method", method),
		slog.Duration("duration", time.Since(start)))

	if result != nil && len(rpcResp.Result) > 0 {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("decoding %s result: %w", method, err)
		}
	}
	return nil
}
