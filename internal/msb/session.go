package msb

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"
)

// ErrSessionClosed is returned when an RPC is attempted on a closed session.
var ErrSessionClosed = errors.New("msb: session closed")

// Session is the per-worker transport to the sandbox server. It remembers the
// context it was created under: once that context ends, the session is stale
// and must be rebuilt before the worker can be used again. The remote sandbox
// itself is unaffected by session lifecycle.
type Session struct {
	client *Client
	http   *http.Client

	mu     sync.Mutex
	origin context.Context
	closed bool
}

// NewSession creates a transport session bound to ctx.
func (c *Client) NewSession(ctx context.Context) *Session {
	return &Session{
		client: c,
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		origin: ctx,
	}
}

// BoundTo reports whether the session is usable from ctx: it is open, its
// origin context is still live, and ctx itself has not ended.
func (s *Session) BoundTo(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.origin.Err() != nil {
		return false
	}
	return ctx.Err() == nil
}

// Close releases the session's transport. Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.http.CloseIdleConnections()
}

func (s *Session) httpClient() (*http.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	return s.http, nil
}

// Start provisions a remote sandbox through this session.
func (s *Session) Start(ctx context.Context, req StartRequest) error {
	hc, err := s.httpClient()
	if err != nil {
		return err
	}
	return s.client.call(ctx, hc, "sandbox.start", startParams{
		Namespace: req.Namespace,
		Sandbox:   req.Sandbox,
		Config: sandboxConfig{
			Image:   req.Image,
			Memory:  req.MemoryMB,
			CPUs:    req.CPUs,
			Volumes: req.Volumes,
		},
	}, nil)
}

// Stop tears down the remote sandbox.
func (s *Session) Stop(ctx context.Context, namespace, sandbox string) error {
	hc, err := s.httpClient()
	if err != nil {
		return err
	}
	return s.client.call(ctx, hc, "sandbox.stop", stopParams{
		Namespace: namespace,
		Sandbox:   sandbox,
	}, nil)
}

// Run submits one script to the sandbox interpreter and returns its output.
func (s *Session) Run(ctx context.Context, namespace, sandbox, code string) (*RunResult, error) {
	hc, err := s.httpClient()
	if err != nil {
		return nil, err
	}
	var result RunResult
	if err := s.client.call(ctx, hc, "sandbox.repl.run", runParams{
		Namespace: namespace,
		Sandbox:   sandbox,
		Language:  "python",
		Code:      code,
	}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
