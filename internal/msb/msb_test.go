package msb

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

// fakeServer records JSON-RPC calls and replies per method.
func fakeServer(t *testing.T, handler func(method string, params json.RawMessage) (any, *RPCError)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != rpcPath {
			http.NotFound(w, r)
			return
		}
		var req struct {
			JSONRPC string          `json:"jsonrpc"`
			Method  string          `json:"method"`
			Params  json.RawMessage `json:"params"`
			ID      string          `json:"id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
			return
		}
		if req.JSONRPC != "2.0" {
			t.Errorf("jsonrpc version = %q, want 2.0", req.JSONRPC)
		}
		if req.ID == "" {
			t.Error("request id is empty")
		}
		result, rpcErr := handler(req.Method, req.Params)
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			resp["error"] = map[string]any{"code": rpcErr.Code, "message": rpcErr.Message}
		} else {
			resp["result"] = result
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestSessionStartSendsVolumes(t *testing.T) {
	var got startParams
	srv := fakeServer(t, func(method string, params json.RawMessage) (any, *RPCError) {
		if method != "sandbox.start" {
			t.Errorf("method = %q, want sandbox.start", method)
		}
		if err := json.Unmarshal(params, &got); err != nil {
			t.Errorf("decoding params: %v", err)
		}
		return map[string]any{}, nil
	})
	defer srv.Close()

	client := NewClient(srv.URL, "", nil)
	sess := client.NewSession(context.Background())
	defer sess.Close()

	err := sess.Start(context.Background(), StartRequest{
		Namespace: "default",
		Sandbox:   "wkr-1",
		Image:     "microsandbox/python",
		MemoryMB:  512,
		CPUs:      1,
		Volumes:   []Volume{{Host: "/tmp/ws", Mount: "/workspace"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Sandbox != "wkr-1" || got.Namespace != "default" {
		t.Errorf("params = %+v", got)
	}
	if got.Config.Image != "microsandbox/python" || got.Config.Memory != 512 {
		t.Errorf("config = %+v", got.Config)
	}
	if len(got.Config.Volumes) != 1 || got.Config.Volumes[0].Mount != "/workspace" {
		t.Errorf("volumes = %+v", got.Config.Volumes)
	}
}

func TestSessionRunCombinesOutput(t *testing.T) {
	srv := fakeServer(t, func(method string, params json.RawMessage) (any, *RPCError) {
		if method != "sandbox.repl.run" {
			t.Errorf("method = %q, want sandbox.repl.run", method)
		}
		return RunResult{
			Status: "success",
			Output: []OutputLine{
				{Stream: "stdout", Text: "hello"},
				{Stream: "stderr", Text: "warning: deprecated"},
				{Stream: "stdout", Text: "done"},
			},
		}, nil
	})
	defer srv.Close()

	client := NewClient(srv.URL, "", nil)
	sess := client.NewSession(context.Background())
	defer sess.Close()

	result, err := sess.Run(context.Background(), "default", "wkr-1", "print('hello')")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.CombinedOutput() != "hello\nwarning: deprecated\ndone" {
		t.Errorf("combined output = %q", result.CombinedOutput())
	}
	if !result.HasStderr() {
		t.Error("expected stderr to be reported")
	}
}

func TestSessionRPCError(t *testing.T) {
	srv := fakeServer(t, func(method string, params json.RawMessage) (any, *RPCError) {
		return nil, &RPCError{Code: -32000, Message: "sandbox not found"}
	})
	defer srv.Close()

	client := NewClient(srv.URL, "", nil)
	sess := client.NewSession(context.Background())
	defer sess.Close()

	err := sess.Stop(context.Background(), "default", "missing")
	if err == nil {
		t.Fatal("expected error")
	}
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("error %T is not an RPCError", err)
	}
	if rpcErr.Code != -32000 {
		t.Errorf("code = %d, want -32000", rpcErr.Code)
	}
}

func TestSessionBinding(t *testing.T) {
	client := NewClient("http://127.0.0.1:0", "", nil)

	origin, cancel := context.WithCancel(context.Background())
	sess := client.NewSession(origin)
	defer sess.Close()

	if !sess.BoundTo(context.Background()) {
		t.Fatal("fresh session should be bound")
	}

	cancel()
	if sess.BoundTo(context.Background()) {
		t.Error("session should be stale after its origin context ends")
	}

	sess2 := client.NewSession(context.Background())
	sess2.Close()
	if sess2.BoundTo(context.Background()) {
		t.Error("closed session should not be bound")
	}
	if err := sess2.Stop(context.Background(), "default", "x"); err != ErrSessionClosed {
		t.Errorf("error = %v, want ErrSessionClosed", err)
	}
}
