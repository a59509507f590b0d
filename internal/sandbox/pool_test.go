package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/sanduku/internal/msb"
)

// fakeBackend emulates a microsandbox server over JSON-RPC. It counts
// lifecycle calls and delegates script runs to a configurable function.
type fakeBackend struct {
	mu       sync.Mutex
	starts   int
	stops    int
	runs     int
	failNext bool // fail the next sandbox.start call

	runDelay time.Duration
	runFn    func(code string) msb.RunResult

	srv *httptest.Server
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	b := &fakeBackend{
		runFn: func(code string) msb.RunResult {
			return msb.RunResult{Status: "success"}
		},
	}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
			ID     string          `json:"id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
			return
		}

		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		switch req.Method {
		case "sandbox.start":
			b.mu.Lock()
			fail := b.failNext
			b.failNext = false
			if !fail {
				b.starts++
			}
			b.mu.Unlock()
			if fail {
				resp["error"] = map[string]any{"code": -32000, "message": "out of capacity"}
			} else {
				resp["result"] = map[string]any{}
			}
		case "sandbox.stop":
			b.mu.Lock()
			b.stops++
			b.mu.Unlock()
			resp["result"] = map[string]any{}
		case "sandbox.repl.run":
			var p struct {
				Code string `json:"code"`
			}
			_ = json.Unmarshal(req.Params, &p)
			b.mu.Lock()
			b.runs++
			delay := b.runDelay
			run := b.runFn
			b.mu.Unlock()
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-r.Context().Done():
					return
				}
			}
			resp["result"] = run(p.Code)
		default:
			t.Errorf("unexpected method %q", req.Method)
			return
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *fakeBackend) counts() (starts, stops, runs int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.starts, b.stops, b.runs
}

func newTestPool(t *testing.T, b *fakeBackend, size int) *Pool {
	t.Helper()
	client := msb.NewClient(b.srv.URL, "", nil)
	return NewPool(client, PoolConfig{
		Namespace:    "default",
		Image:        "microsandbox/python",
		MemoryMB:     512,
		CPUs:         1,
		Size:         size,
		StartTimeout: 5 * time.Second,
	}, nil, nil)
}

func TestPoolInitializeIdempotent(t *testing.T) {
	b := newFakeBackend(t)
	p := newTestPool(t, b, 2)
	ctx := context.Background()

	if err := p.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := p.Initialize(ctx); err != nil {
		t.Fatalf("second initialize: %v", err)
	}

	starts, _, _ := b.counts()
	if starts != 2 {
		t.Errorf("starts = %d, want 2", starts)
	}
	if idle, leased := p.Stats(); idle != 2 || leased != 0 {
		t.Errorf("stats = (%d, %d), want (2, 0)", idle, leased)
	}
}

func TestPoolInitializeConcurrent(t *testing.T) {
	b := newFakeBackend(t)
	p := newTestPool(t, b, 3)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.Initialize(context.Background()); err != nil {
				t.Errorf("initialize: %v", err)
			}
		}()
	}
	wg.Wait()

	starts, _, _ := b.counts()
	if starts != 3 {
		t.Errorf("starts = %d, want 3", starts)
	}
}

func TestPoolInitializeToleratesPartialFailure(t *testing.T) {
	b := newFakeBackend(t)
	b.failNext = true
	p := newTestPool(t, b, 2)

	if err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize should tolerate one failed worker: %v", err)
	}
	if idle, _ := p.Stats(); idle != 1 {
		t.Errorf("idle = %d, want 1", idle)
	}
}

func TestPoolAcquireOverflow(t *testing.T) {
	b := newFakeBackend(t)
	p := newTestPool(t, b, 2)
	ctx := context.Background()

	seen := make(map[string]bool)
	var handles []*Handle
	for i := 0; i < 3; i++ {
		h, err := p.Acquire(ctx)
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		if seen[h.RemoteName] {
			t.Errorf("worker %s handed out twice", h.RemoteName)
		}
		seen[h.RemoteName] = true
		handles = append(handles, h)
	}

	starts, _, _ := b.counts()
	if starts != 3 {
		t.Errorf("starts = %d, want 3 (2 pooled + 1 overflow)", starts)
	}
	if idle, leased := p.Stats(); idle != 0 || leased != 3 {
		t.Errorf("stats = (%d, %d), want (0, 3)", idle, leased)
	}

	for _, h := range handles {
		if err := p.Release(h); err != nil {
			t.Errorf("release %s: %v", h.RemoteName, err)
		}
	}
	if idle, leased := p.Stats(); idle != 3 || leased != 0 {
		t.Errorf("stats after release = (%d, %d), want (3, 0)", idle, leased)
	}
}

func TestPoolAcquireOverflowConcurrent(t *testing.T) {
	b := newFakeBackend(t)
	p := newTestPool(t, b, 2)
	ctx := context.Background()

	var (
		mu      sync.Mutex
		handles []*Handle
		wg      sync.WaitGroup
	)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := p.Acquire(ctx)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			mu.Lock()
			handles = append(handles, h)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(handles) != 3 {
		t.Fatalf("acquired %d workers, want 3", len(handles))
	}
	seen := make(map[string]bool)
	for _, h := range handles {
		if seen[h.RemoteName] {
			t.Errorf("worker %s handed out twice", h.RemoteName)
		}
		seen[h.RemoteName] = true
	}
	if idle, leased := p.Stats(); idle != 0 || leased != 3 {
		t.Errorf("stats = (%d, %d), want (0, 3)", idle, leased)
	}

	for _, h := range handles {
		if err := p.Release(h); err != nil {
			t.Errorf("release %s: %v", h.RemoteName, err)
		}
	}
	if idle, leased := p.Stats(); idle != 3 || leased != 0 {
		t.Errorf("stats after release = (%d, %d), want (3, 0)", idle, leased)
	}
}

func TestPoolDoubleReleaseRejected(t *testing.T) {
	b := newFakeBackend(t)
	p := newTestPool(t, b, 1)

	h, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := p.Release(h); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if err := p.Release(h); !errors.Is(err, ErrNotAcquired) {
		t.Errorf("second release error = %v, want ErrNotAcquired", err)
	}
}

func TestPoolDiscardsPoisonedOnRelease(t *testing.T) {
	b := newFakeBackend(t)
	p := newTestPool(t, b, 1)
	ctx := context.Background()

	h, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	h.Poison()
	if err := p.Release(h); err != nil {
		t.Fatalf("release: %v", err)
	}

	_, stops, _ := b.counts()
	if stops != 1 {
		t.Errorf("stops = %d, want 1 (poisoned worker stopped)", stops)
	}
	if idle, leased := p.Stats(); idle != 0 || leased != 0 {
		t.Errorf("stats = (%d, %d), want (0, 0)", idle, leased)
	}

	// The next acquire provisions a fresh worker.
	h2, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire after discard: %v", err)
	}
	if h2.RemoteName == h.RemoteName {
		t.Error("poisoned worker was handed out again")
	}
}

func TestPoolRebindsStaleSession(t *testing.T) {
	b := newFakeBackend(t)
	p := newTestPool(t, b, 1)
	ctx := context.Background()

	h, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	name := h.RemoteName
	if err := p.Release(h); err != nil {
		t.Fatalf("release: %v", err)
	}

	// Kill the session out from under the idle worker.
	h.Session().Close()

	h2, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("re-acquire: %v", err)
	}
	if h2.RemoteName != name {
		t.Errorf("remote name = %s, want %s (rebind must not re-provision)", h2.RemoteName, name)
	}
	if !h2.SessionBoundTo(ctx) {
		t.Error("rebound session should be usable")
	}

	starts, _, _ := b.counts()
	if starts != 1 {
		t.Errorf("starts = %d, want 1", starts)
	}
}

func TestPoolCleanupStopsAllWorkers(t *testing.T) {
	b := newFakeBackend(t)
	p := newTestPool(t, b, 2)
	ctx := context.Background()

	if err := p.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	h, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	_ = h

	if err := p.Cleanup(ctx); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	_, stops, _ := b.counts()
	if stops != 2 {
		t.Errorf("stops = %d, want 2", stops)
	}
	if idle, leased := p.Stats(); idle != 0 || leased != 0 {
		t.Errorf("stats = (%d, %d), want (0, 0)", idle, leased)
	}

	// Cleanup resets the pool for re-initialization.
	if err := p.Initialize(ctx); err != nil {
		t.Fatalf("re-initialize: %v", err)
	}
	if idle, _ := p.Stats(); idle != 2 {
		t.Errorf("idle after re-init = %d, want 2", idle)
	}
}

func TestPoolSweepReplacesDiscardedWorkers(t *testing.T) {
	b := newFakeBackend(t)
	p := newTestPool(t, b, 2)
	ctx := context.Background()

	if err := p.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	// Lose one worker to poisoning.
	h, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	h.Poison()
	if err := p.Release(h); err != nil {
		t.Fatalf("release: %v", err)
	}
	if idle, _ := p.Stats(); idle != 1 {
		t.Fatalf("idle before sweep = %d, want 1", idle)
	}

	if err := p.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if idle, _ := p.Stats(); idle != 2 {
		t.Errorf("idle after sweep = %d, want 2", idle)
	}

	// A full pool sweeps to a no-op.
	starts, _, _ := b.counts()
	if err := p.Sweep(ctx); err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if after, _, _ := b.counts(); after != starts {
		t.Errorf("starts = %d after no-op sweep, want %d", after, starts)
	}
}

func TestPoolClosedRejectsAcquire(t *testing.T) {
	b := newFakeBackend(t)
	p := newTestPool(t, b, 1)
	ctx := context.Background()

	if err := p.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := p.Acquire(ctx); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("acquire error = %v, want ErrPoolClosed", err)
	}
}
