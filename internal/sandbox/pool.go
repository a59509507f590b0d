package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jkaninda/sanduku/internal/msb"
	"github.com/jkaninda/sanduku/internal/observability"
	"github.com/jkaninda/sanduku/internal/workspace"
)

// PoolConfig holds the provisioning parameters shared by all workers.
type PoolConfig struct {
	Namespace    string
	Image        string
	MemoryMB     int
	CPUs         int
	Size         int
	StartTimeout time.Duration
	WorkspaceDir string       // host path mounted at workspace.GuestMount
	ExtraMounts  []msb.Volume // additional host:guest volumes
}

// Pool manages a fixed set of pre-warmed sandbox workers plus on-demand
// overflow workers when the pool runs dry. All methods are safe for
// concurrent use.
type Pool struct {
	client  *msb.Client
	cfg     PoolConfig
	logger  *slog.Logger
	metrics *observability.MetricsCollector

	mu          sync.Mutex
	genCtx      context.Context
	genCancel   context.CancelFunc
	initialized bool
	closed      bool
	idle        []*Handle
	leased      map[*Handle]struct{}
}

// NewPool creates an uninitialized pool. Workers are provisioned by
// Initialize, or lazily on first Acquire.
func NewPool(client *msb.Client, cfg PoolConfig, logger *slog.Logger, metrics *observability.MetricsCollector) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	genCtx, genCancel := context.WithCancel(context.Background())
	return &Pool{
		client:    client,
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
		genCtx:    genCtx,
		genCancel: genCancel,
		leased:    make(map[*Handle]struct{}),
	}
}

// Initialize provisions the configured number of workers in parallel.
// It is idempotent and tolerates individual worker failures: the pool
// comes up with whatever subset started successfully.
func (p *Pool) Initialize(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	if p.initialized {
		p.mu.Unlock()
		return nil
	}
	p.initialized = true
	p.mu.Unlock()

	var g errgroup.Group
	handles := make([]*Handle, p.cfg.Size)
	for i := 0; i < p.cfg.Size; i++ {
		g.Go(func() error {
			h, err := p.provision(ctx, "init")
			if err != nil {
				p.logger.Warn("worker provisioning failed", slog.String("error", err.Error()))
				return nil
			}
			handles[i] = h
			return nil
		})
	}
	_ = g.Wait()

	ready := 0
	p.mu.Lock()
	for _, h := range handles {
		if h != nil {
			p.idle = append(p.idle, h)
			ready++
		}
	}
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.PoolIdle.Set(float64(ready))
	}
	p.logger.InfoContext(ctx, "sandbox pool initialized",
		slog.Int("ready", ready),
		slog.Int("requested", p.cfg.Size))

	if ready == 0 && p.cfg.Size > 0 {
		return fmt.Errorf("sandbox: no workers could be provisioned")
	}
	return nil
}

// Acquire leases a worker without blocking on pool exhaustion: when no
// idle worker is usable it provisions an overflow worker instead.
// Stale sessions on idle workers are rebound in place; poisoned or
// never-started workers are discarded.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	needInit := !p.initialized
	p.mu.Unlock()

	if needInit {
		if err := p.Initialize(ctx); err != nil {
			return nil, err
		}
	}

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		if len(p.idle) == 0 {
			p.mu.Unlock()
			break
		}
		h := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		p.mu.Unlock()
		if p.metrics != nil {
			p.metrics.PoolIdle.Dec()
		}

		if h.Poisoned() || !h.Started() {
			p.discard(h, "unusable")
			continue
		}
		if !h.SessionBoundTo(p.genCtx) {
			h.RebindSession(p.genCtx, p.client)
			if p.metrics != nil {
				p.metrics.SessionRebinds.Inc()
			}
			p.logger.Debug("session rebound", slog.String("worker", h.RemoteName))
		}
		p.lease(h)
		return h, nil
	}

	// Pool exhausted. Create an overflow worker rather than queueing.
	h, err := p.provision(ctx, "overflow")
	if err != nil {
		return nil, fmt.Errorf("provisioning overflow worker: %w", err)
	}
	p.lease(h)
	return h, nil
}

// Release returns a leased worker to the idle set. Poisoned workers are
// discarded instead. Releasing a handle that is not currently leased is
// an error.
func (p *Pool) Release(h *Handle) error {
	p.mu.Lock()
	if _, ok := p.leased[h]; !ok {
		p.mu.Unlock()
		return ErrNotAcquired
	}
	delete(p.leased, h)
	p.mu.Unlock()
	if p.metrics != nil {
		p.metrics.PoolLeased.Dec()
	}

	if h.Poisoned() {
		p.discard(h, "poisoned")
		return nil
	}

	p.mu.Lock()
	closed := p.closed
	if !closed {
		p.idle = append(p.idle, h)
	}
	p.mu.Unlock()
	if closed {
		p.discard(h, "pool_closed")
		return nil
	}
	if p.metrics != nil {
		p.metrics.PoolIdle.Inc()
	}
	return nil
}

// Cleanup stops every worker, idle and leased, tolerating individual
// stop failures. The pool can be re-initialized afterwards.
func (p *Pool) Cleanup(ctx context.Context) error {
	p.mu.Lock()
	handles := make([]*Handle, 0, len(p.idle)+len(p.leased))
	handles = append(handles, p.idle...)
	for h := range p.leased {
		handles = append(handles, h)
	}
	p.idle = nil
	p.leased = make(map[*Handle]struct{})
	p.initialized = false
	p.genCancel()
	p.genCtx, p.genCancel = context.WithCancel(context.Background())
	p.mu.Unlock()

	for _, h := range handles {
		p.stopRemote(ctx, h)
		h.closeSession()
	}
	if p.metrics != nil {
		p.metrics.PoolIdle.Set(0)
		p.metrics.PoolLeased.Set(0)
	}
	p.logger.InfoContext(ctx, "sandbox pool cleaned up", slog.Int("workers", len(handles)))
	return nil
}

// Close marks the pool closed and stops all workers. A closed pool
// rejects further Acquire calls.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return p.Cleanup(ctx)
}

// Sweep tops the pool back up to the configured size, replacing workers
// lost to poisoning or discards. Overflow workers above the target are
// left alone.
func (p *Pool) Sweep(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	if !p.initialized {
		p.mu.Unlock()
		return p.Initialize(ctx)
	}
	missing := p.cfg.Size - len(p.idle) - len(p.leased)
	p.mu.Unlock()

	for i := 0; i < missing; i++ {
		h, err := p.provision(ctx, "sweep")
		if err != nil {
			return fmt.Errorf("sweeping pool: %w", err)
		}
		p.mu.Lock()
		p.idle = append(p.idle, h)
		p.mu.Unlock()
		if p.metrics != nil {
			p.metrics.PoolIdle.Inc()
		}
	}
	if missing > 0 {
		p.logger.InfoContext(ctx, "pool swept", slog.Int("replaced", missing))
	}
	return nil
}

// Stats returns the current idle and leased worker counts.
func (p *Pool) Stats() (idle, leased int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle), len(p.leased)
}

// provision starts a new remote worker and returns its handle.
func (p *Pool) provision(ctx context.Context, reason string) (*Handle, error) {
	p.mu.Lock()
	origin := p.genCtx
	p.mu.Unlock()

	h := newHandle(p.client.NewSession(origin))

	startCtx := ctx
	if p.cfg.StartTimeout > 0 {
		var cancel context.CancelFunc
		startCtx, cancel = context.WithTimeout(ctx, p.cfg.StartTimeout)
		defer cancel()
	}

	volumes := make([]msb.Volume, 0, 1+len(p.cfg.ExtraMounts))
	if p.cfg.WorkspaceDir != "" {
		volumes = append(volumes, msb.Volume{Host: p.cfg.WorkspaceDir, Mount: workspace.GuestMount})
	}
	volumes = append(volumes, p.cfg.ExtraMounts...)

	err := h.Session().Start(startCtx, msb.StartRequest{
		Namespace: p.cfg.Namespace,
		Sandbox:   h.RemoteName,
		Image:     p.cfg.Image,
		MemoryMB:  p.cfg.MemoryMB,
		CPUs:      p.cfg.CPUs,
		Volumes:   volumes,
	})
	if err != nil {
		h.closeSession()
		return nil, fmt.Errorf("starting worker %s: %w", h.RemoteName, err)
	}
	h.markStarted()

	if p.metrics != nil {
		p.metrics.PoolCreated.WithLabelValues(reason).Inc()
	}
	p.logger.Debug("worker provisioned",
		slog.String("worker", h.RemoteName),
		slog.String("reason", reason))
	return h, nil
}

func (p *Pool) lease(h *Handle) {
	p.mu.Lock()
	p.leased[h] = struct{}{}
	p.mu.Unlock()
	if p.metrics != nil {
		p.metrics.PoolLeased.Inc()
	}
}

// discard stops the remote worker best-effort and drops the handle.
func (p *Pool) discard(h *Handle, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p.stopRemote(ctx, h)
	h.closeSession()
	if p.metrics != nil {
		p.metrics.PoolDiscarded.WithLabelValues(reason).Inc()
	}
	p.logger.Debug("worker discarded",
		slog.String("worker", h.RemoteName),
		slog.String("reason", reason))
}

func (p *Pool) stopRemote(ctx context.Context, h *Handle) {
	if !h.Started() {
		return
	}
	s := h.Session()
	if s == nil || !s.BoundTo(ctx) {
		s = p.client.NewSession(ctx)
		defer s.Close()
	}
	if err := s.Stop(ctx, p.cfg.Namespace, h.RemoteName); err != nil {
		p.logger.Warn("stopping worker failed",
			slog.String("worker", h.RemoteName),
			slog.String("error", err.Error()))
	}
}
