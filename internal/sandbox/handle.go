package sandbox

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/jkaninda/sanduku/internal/msb"
)

// Handle is a leased worker. It pairs the durable remote sandbox identity
// with a rebindable client session: the remote sandbox survives a session
// rebuild, so a stale session never forces re-provisioning.
type Handle struct {
	// ID identifies the handle locally.
	ID string
	// RemoteName is the sandbox name on the microsandbox server. It never
	// changes for the lifetime of the remote sandbox.
	RemoteName string

	mu       sync.Mutex
	session  *msb.Session
	started  bool
	poisoned bool
}

func newHandle(session *msb.Session) *Handle {
	id := uuid.NewString()
	return &Handle{
		ID:         id,
		RemoteName: "sanduku-wkr-" + id[:8],
		session:    session,
	}
}

// Session returns the current session.
func (h *Handle) Session() *msb.Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.session
}

// SessionBoundTo reports whether the current session can still serve
// requests under ctx.
func (h *Handle) SessionBoundTo(ctx context.Context) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.session != nil && h.session.BoundTo(ctx)
}

// RebindSession replaces a stale session with a fresh one bound to origin.
// The remote sandbox is untouched.
func (h *Handle) RebindSession(origin context.Context, client *msb.Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.session != nil {
		h.session.Close()
	}
	h.session = client.NewSession(origin)
}

// Started reports whether the remote sandbox was successfully started.
func (h *Handle) Started() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.started
}

func (h *Handle) markStarted() {
	h.mu.Lock()
	h.started = true
	h.mu.Unlock()
}

// Poison marks the handle as unfit for reuse. The pool discards poisoned
// handles instead of returning them to the idle set.
func (h *Handle) Poison() {
	h.mu.Lock()
	h.poisoned = true
	h.mu.Unlock()
}

// Poisoned reports whether the handle was marked for discard.
func (h *Handle) Poisoned() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.poisoned
}

// Run submits code to the remote interpreter through the current session.
func (h *Handle) Run(ctx context.Context, namespace, code string) (*msb.RunResult, error) {
	s := h.Session()
	if s == nil {
		return nil, fmt.Errorf("sandbox: handle %s has no session", h.ID)
	}
	return s.Run(ctx, namespace, h.RemoteName, code)
}

// closeSession tears down the session, tolerating a nil one.
func (h *Handle) closeSession() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.session != nil {
		h.session.Close()
		h.session = nil
	}
}
