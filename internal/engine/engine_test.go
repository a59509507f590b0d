package engine

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

	"github.com/jkaninda/sanduku/internal/codegen"
	"github.com/jkaninda/sanduku/internal/events"
	"github.com/jkaninda/sanduku/internal/history"
	"github.com/jkaninda/sanduku/internal/msb"
	"github.com/jkaninda/sanduku/internal/sandbox"
	"github.com/jkaninda/sanduku/internal/toolindex"
)

// fakeSandboxServer answers start/stop with empty results and runs with a
// canned successful output carrying the setup marker.
func fakeSandboxServer(t *testing.T, stdout string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string `json:"method"`
			ID     string `json:"id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
			return
		}
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if req.Method == "sandbox.repl.run" {
			resp["result"] = msb.RunResult{Status: "success", Output: []msb.OutputLine{
				{Stream: "stdout", Text: "__SANDUKU_SETUP_OK__"},
				{Stream: "stdout", Text: stdout},
			}}
		} else {
			resp["result"] = map[string]any{}
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestEngine(t *testing.T, srvURL string) (*Engine, history.Store, *events.Hub) {
	t.Helper()

	serversDir := t.TempDir()
	toolPath := filepath.Join(serversDir, "calculator", "add.py")
	if err := os.MkdirAll(filepath.Dir(toolPath), 0750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	src := "def add(a, b):\n    \"\"\"Add two numbers together.\"\"\"\n    return a + b\n"
	if err := os.WriteFile(toolPath, []byte(src), 0640); err != nil {
		t.Fatalf("write tool: %v", err)
	}

	client := msb.NewClient(srvURL, "", nil)
	pool := sandbox.NewPool(client, sandbox.PoolConfig{
		Namespace:    "default",
		Image:        "microsandbox/python",
		Size:         1,
		StartTimeout: 5 * time.Second,
	}, nil, nil)
	t.Cleanup(func() { _ = pool.Close(context.Background()) })
	exec := sandbox.NewExecutor(pool, nil, nil, nil, nil, 10*time.Second)

	disc := toolindex.NewDiscovery(serversDir)
	cache := toolindex.OpenCache(filepath.Join(t.TempDir(), "cache.json"), nil)
	index := toolindex.NewIndex(disc, cache, nil)
	selector := toolindex.NewSelector(nil, 0.1, 5, nil)

	store, err := history.OpenSQLite(history.SQLiteConfig{Path: filepath.Join(t.TempDir(), "h.db")}, nil)
	if err != nil {
		t.Fatalf("opening history: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	hub := events.NewHub(nil)
	t.Cleanup(hub.Close)

	return New(exec, index, selector, codegen.New(), store, hub, nil), store, hub
}

func TestExecuteCodeRecordsAndPublishes(t *testing.T) {
	srv := fakeSandboxServer(t, "42")
	eng, store, hub := newTestEngine(t, srv.URL)

	ch, cancel := hub.Subscribe()
	defer cancel()

	ex := eng.ExecuteCode(context.Background(), "print(42)")
	if ex.Outcome.Status != sandbox.StatusSuccess {
		t.Fatalf("status = %v, err = %v", ex.Outcome.Status, ex.Outcome.Err)
	}
	if ex.Outcome.Output != "42" {
		t.Errorf("output = %q, want 42", ex.Outcome.Output)
	}

	rec, err := store.Get(context.Background(), ex.ID)
	if err != nil {
		t.Fatalf("record not persisted: %v", err)
	}
	if rec.Kind != "code" || rec.Status != "success" || rec.Output != "42" {
		t.Errorf("record = %+v", rec)
	}

	var types []string
	for i := 0; i < 2; i++ {
		select {
		case ev := <-ch:
			types = append(types, ev.Type)
		case <-time.After(time.Second):
			t.Fatal("missing lifecycle event")
		}
	}
	if types[0] != events.TypeExecutionStarted || types[1] != events.TypeExecutionFinished {
		t.Errorf("event types = %v", types)
	}
}

func TestExecuteTaskGeneratesToolImports(t *testing.T) {
	srv := fakeSandboxServer(t, "3")
	eng, _, _ := newTestEngine(t, srv.URL)

	ex, err := eng.ExecuteTask(context.Background(), "add the numbers 1 and 2")
	if err != nil {
		t.Fatalf("execute task: %v", err)
	}
	if ex.Kind != "task" {
		t.Errorf("kind = %q, want task", ex.Kind)
	}
	if !strings.Contains(ex.Code, "from servers.calculator import add") {
		t.Errorf("generated code missing tool import:\n%s", ex.Code)
	}
	if !strings.Contains(ex.Code, "from client.mcp_client import call_mcp_tool") {
		t.Errorf("generated code missing client shim import:\n%s", ex.Code)
	}
	if ex.Outcome.Status != sandbox.StatusSuccess {
		t.Errorf("status = %v, err = %v", ex.Outcome.Status, ex.Outcome.Err)
	}
}

type stubGenerator struct{ code string }

func (s stubGenerator) Complete(map[string][]string, map[string]string, string) string {
	return s.code
}

func TestExecuteTaskUsesProvidedGenerator(t *testing.T) {
	srv := fakeSandboxServer(t, "ok")
	eng, _, _ := newTestEngine(t, srv.URL)
	eng.gen = stubGenerator{code: "print('stub')"}

	ex, err := eng.ExecuteTask(context.Background(), "anything")
	if err != nil {
		t.Fatalf("execute task: %v", err)
	}
	if ex.Code != "print('stub')" {
		t.Errorf("code = %q, want stub output", ex.Code)
	}
}

func TestExecuteTaskWithNoMatchingTools(t *testing.T) {
	srv := fakeSandboxServer(t, "")
	eng, _, _ := newTestEngine(t, srv.URL)

	ex, err := eng.ExecuteTask(context.Background(), "zzzz qqqq xxxx")
	if err != nil {
		t.Fatalf("execute task: %v", err)
	}
	if strings.Contains(ex.Code, "from servers.") {
		t.Errorf("no tool should match:\n%s", ex.Code)
	}
}
