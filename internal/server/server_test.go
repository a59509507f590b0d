package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jkaninda/sanduku/internal/codegen"
	"github.com/jkaninda/sanduku/internal/engine"
	"github.com/jkaninda/sanduku/internal/msb"
	"github.com/jkaninda/sanduku/internal/sandbox"
	"github.com/jkaninda/sanduku/internal/toolindex"
	"github.com/jkaninda/sanduku/internal/workspace"
)

func callReq(args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) == 0 {
		t.Fatal("result has no content")
	}
	tc, ok := mcp.AsTextContent(res.Content[0])
	if !ok {
		t.Fatalf("content %T is not text", res.Content[0])
	}
	return tc.Text
}

func newTestServer(t *testing.T) *Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string `json:"method"`
			ID     string `json:"id"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if req.Method == "sandbox.repl.run" {
			resp["result"] = msb.RunResult{Status: "success", Output: []msb.OutputLine{
				{Stream: "stdout", Text: "__SANDUKU_SETUP_OK__"},
				{Stream: "stdout", Text: "ran"},
			}}
		} else {
			resp["result"] = map[string]any{}
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)

	serversDir := t.TempDir()
	toolPath := filepath.Join(serversDir, "weather", "get_forecast.py")
	if err := os.MkdirAll(filepath.Dir(toolPath), 0750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	src := "def get_forecast(city):\n    \"\"\"Get the weather forecast for a city.\"\"\"\n    pass\n"
	if err := os.WriteFile(toolPath, []byte(src), 0640); err != nil {
		t.Fatalf("write: %v", err)
	}

	client := msb.NewClient(srv.URL, "", nil)
	pool := sandbox.NewPool(client, sandbox.PoolConfig{
		Namespace: "default", Image: "microsandbox/python", Size: 1, StartTimeout: 5 * time.Second,
	}, nil, nil)
	t.Cleanup(func() { _ = pool.Close(context.Background()) })
	exec := sandbox.NewExecutor(pool, nil, nil, nil, nil, 10*time.Second)

	index := toolindex.NewIndex(toolindex.NewDiscovery(serversDir), toolindex.OpenCache(filepath.Join(t.TempDir(), "c.json"), nil), nil)
	selector := toolindex.NewSelector(nil, 0.1, 5, nil)
	eng := engine.New(exec, index, selector, codegen.New(), nil, nil, nil)

	ws, err := workspace.New(t.TempDir())
	if err != nil {
		t.Fatalf("workspace: %v", err)
	}
	return New(eng, ws, nil)
}

func TestHandleExecuteCode(t *testing.T) {
	s := newTestServer(t)

	res, err := s.handleExecuteCode(context.Background(), callReq(map[string]any{"code": "print('ran')"}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected tool error: %s", resultText(t, res))
	}
	if got := resultText(t, res); got != "ran" {
		t.Errorf("output = %q, want ran", got)
	}
}

func TestHandleExecuteCodeMissingArg(t *testing.T) {
	s := newTestServer(t)

	res, err := s.handleExecuteCode(context.Background(), callReq(map[string]any{}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !res.IsError {
		t.Error("missing code argument should be a tool error")
	}
}

func TestHandleListTools(t *testing.T) {
	s := newTestServer(t)

	res, err := s.handleListTools(context.Background(), callReq(map[string]any{"detail": "description"}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	text := resultText(t, res)
	if !strings.Contains(text, "weather:") || !strings.Contains(text, "get_forecast") {
		t.Errorf("listing = %q", text)
	}
	if !strings.Contains(text, "Get the weather forecast") {
		t.Errorf("description detail missing from %q", text)
	}
}

func TestHandleSearchTools(t *testing.T) {
	s := newTestServer(t)

	res, err := s.handleSearchTools(context.Background(), callReq(map[string]any{"query": "forecast"}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !strings.Contains(resultText(t, res), "get_forecast") {
		t.Errorf("search result = %q", resultText(t, res))
	}

	res, err = s.handleSearchTools(context.Background(), callReq(map[string]any{"query": "nonexistent"}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !strings.Contains(resultText(t, res), "no tools matched") {
		t.Errorf("empty search result = %q", resultText(t, res))
	}
}

func TestStateRoundTrip(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	res, err := s.handleSaveState(ctx, callReq(map[string]any{"name": "notes.txt", "content": "remember this"}))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if res.IsError {
		t.Fatalf("save failed: %s", resultText(t, res))
	}

	res, err = s.handleGetState(ctx, callReq(map[string]any{"name": "notes.txt"}))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got := resultText(t, res); got != "remember this" {
		t.Errorf("state = %q", got)
	}
}

func TestGetStateMissing(t *testing.T) {
	s := newTestServer(t)

	res, err := s.handleGetState(context.Background(), callReq(map[string]any{"name": "absent.txt"}))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !res.IsError {
		t.Error("missing state file should be a tool error")
	}
}

func TestOutcomeResultMapping(t *testing.T) {
	res := outcomeResult(sandbox.Outcome{Status: sandbox.StatusSuccess, Output: "ok"})
	if res.IsError {
		t.Error("success should not map to a tool error")
	}

	res = outcomeResult(sandbox.Outcome{Status: sandbox.StatusTimeout})
	if !res.IsError {
		t.Error("timeout should map to a tool error")
	}

	res = outcomeResult(sandbox.Outcome{Status: sandbox.StatusSuccess})
	if got := resultText(t, res); got != "(no output)" {
		t.Errorf("empty success = %q", got)
	}
}
