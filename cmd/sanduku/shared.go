package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jkaninda/sanduku/internal/codegen"
	"github.com/jkaninda/sanduku/internal/config"
	"github.com/jkaninda/sanduku/internal/engine"
	"github.com/jkaninda/sanduku/internal/events"
	"github.com/jkaninda/sanduku/internal/guardrail"
	"github.com/jkaninda/sanduku/internal/history"
	"github.com/jkaninda/sanduku/internal/msb"
	"github.com/jkaninda/sanduku/internal/observability"
	"github.com/jkaninda/sanduku/internal/sandbox"
	"github.com/jkaninda/sanduku/internal/toolindex"
	"github.com/jkaninda/sanduku/internal/workspace"
)

// SharedComponents holds all initialized subsystems that both serve and
// exec modes require. Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config    *config.Config
	Logger    *slog.Logger
	Workspace *workspace.Workspace
	Stager    *workspace.Stager
	Store     history.Store

	Obs      *observability.Observability
	Client   *msb.Client
	Pool     *sandbox.Pool
	Guard    *guardrail.Validator
	Cache    *toolindex.DescriptionCache
	Index    *toolindex.Index
	Selector *toolindex.Selector
	Executor *sandbox.Executor
	Hub      *events.Hub
	Engine   *engine.Engine

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// initShared performs all common initialization shared between serve and exec modes.
// Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Workspace.
	ws, err := workspace.New(cfg.ResolvedWorkspace())
	if err != nil {
		return nil, fmt.Errorf("initializing workspace: %w", err)
	}
	if err := ws.EnsureAll(); err != nil {
		return nil, fmt.Errorf("preparing workspace layout: %w", err)
	}
	sc.Workspace = ws
	logger.Debug("workspace initialized", slog.String("root", ws.Root))

	// Ensure data directory exists.
	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}
	logger.Debug("data directory initialized", slog.String("path", dataDir))

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	})
	if obs != nil {
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
		)
	}

	// Execution history storage (SQLite default, PostgreSQL optional).
	store, err := history.Open(cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	sc.Store = store
	sc.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	})
	logger.Debug("storage initialized", slog.String("driver", store.Driver()))

	// Stager mirrors tool sources into the shared workspace.
	sources := []workspace.Source{
		{Dir: cfg.Staging.Servers(), Dest: "servers"},
	}
	if cfg.Staging.SkillsDir != "" {
		sources = append(sources, workspace.Source{Dir: cfg.Staging.SkillsDir, Dest: "skills"})
	}
	sc.Stager = workspace.NewStager(ws, sources, logger)

	// Sandbox server client and worker pool.
	client := msb.NewClient(cfg.Sandbox.URL(), cfg.Sandbox.APIKey, logger)
	sc.Client = client

	var metrics *observability.MetricsCollector
	if obs != nil {
		metrics = obs.Metrics
	}

	pool := sandbox.NewPool(client, sandbox.PoolConfig{
		Namespace:    cfg.Sandbox.RemoteNamespace(),
		Image:        cfg.Sandbox.SandboxImage(),
		MemoryMB:     cfg.Sandbox.Memory(),
		CPUs:         cfg.Sandbox.CPUCount(),
		Size:         poolSize(&cfg.Sandbox),
		StartTimeout: cfg.Sandbox.StartTimeout(),
		WorkspaceDir: ws.Root,
		ExtraMounts:  parseMounts(cfg.Sandbox.MountDirectories, logger),
	}, logger, metrics)
	sc.Pool = pool
	sc.addCleanup(func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := pool.Close(closeCtx); err != nil {
			logger.Error("closing sandbox pool", slog.String("error", err.Error()))
		}
	})
	logger.Debug("sandbox pool initialized",
		slog.String("server", cfg.Sandbox.URL()),
		slog.String("image", cfg.Sandbox.SandboxImage()),
		slog.Int("size", poolSize(&cfg.Sandbox)),
	)

	// Guardrails.
	sc.Guard = guardrail.New(cfg.Guardrails, logger)
	logger.Debug("guardrails initialized",
		slog.Bool("enabled", cfg.Guardrails.Enabled),
		slog.Bool("strict", cfg.Guardrails.StrictMode),
	)

	// Tool index with persisted description cache.
	if cfg.ToolCache.On() {
		sc.Cache = toolindex.OpenCache(cfg.ToolCachePath(), logger)
		sc.addCleanup(func() {
			if err := sc.Cache.Save(); err != nil {
				logger.Error("saving tool cache", slog.String("error", err.Error()))
			}
		})
	}
	disc := toolindex.NewDiscovery(ws.ServersDir())
	sc.Index = toolindex.NewIndex(disc, sc.Cache, logger)
	sc.Selector = toolindex.NewSelector(nil, 0, 0, logger)

	// Executor and engine.
	sc.Executor = sandbox.NewExecutor(pool, sc.Stager, sc.Guard, logger, metrics, cfg.Sandbox.ExecTimeout())

	sc.Hub = events.NewHub(logger)
	sc.addCleanup(sc.Hub.Close)

	sc.Engine = engine.New(sc.Executor, sc.Index, sc.Selector, codegen.New(), store, sc.Hub, logger)

	// Health checks.
	if obs != nil && obs.Health != nil {
		obs.Health.AddCheck("storage", store.Ping)
	}

	return sc, nil
}

// poolSize returns the effective pool size: 0 disables pre-warming and every
// acquire provisions an overflow worker on demand.
func poolSize(cfg *config.SandboxConfig) int {
	if !cfg.Pooling() {
		return 0
	}
	return cfg.Size()
}

// parseMounts converts "host:guest" entries into sandbox volumes. Malformed
// entries are skipped with a warning.
func parseMounts(entries []string, logger *slog.Logger) []msb.Volume {
	var vols []msb.Volume
	for _, entry := range entries {
		host, guest, ok := strings.Cut(entry, ":")
		if !ok || host == "" || guest == "" {
			logger.Warn("skipping malformed mount entry", slog.String("entry", entry))
			continue
		}
		abs, err := filepath.Abs(host)
		if err != nil {
			logger.Warn("skipping mount entry",
				slog.String("entry", entry),
				slog.String("error", err.Error()),
			)
			continue
		}
		vols = append(vols, msb.Volume{Host: abs, Mount: guest})
	}
	return vols
}
