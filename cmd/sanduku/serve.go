package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/sanduku/internal/config"
	"github.com/jkaninda/sanduku/internal/httpapi"
	"github.com/jkaninda/sanduku/internal/ratelimit"
	"github.com/jkaninda/sanduku/internal/server"
	"github.com/jkaninda/sanduku/internal/workspace"
)

var (
	serveConfigPath string
	servePort       string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the execution service (MCP server and HTTP API)",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `sanduku --config path` and `sanduku serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen port (e.g. :8080)")
	}
}

// runServe starts the full service: staged workspace, pre-warmed pool,
// MCP server, HTTP gateway, and background maintenance.
func runServe(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load(goutils.Env("SANDUKU_CONFIG", serveConfigPath))
	if err != nil {
		return err
	}

	// Apply CLI overrides.
	if servePort != "" {
		if cfg.Server.HTTP == nil {
			cfg.Server.HTTP = &config.HTTPServerConfig{Enabled: true}
		}
		cfg.Server.HTTP.ListenAddr = servePort
	}

	logger.Info("starting sanduku", slog.String("config", serveConfigPath))

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initial staging pass before anything can execute.
	report, err := sc.Stager.Stage(ctx)
	if err != nil {
		return fmt.Errorf("staging workspace: %w", err)
	}
	logger.Info("workspace staged",
		slog.Int("written", report.Written),
		slog.Int("skipped", report.Skipped),
	)

	// Warm up the worker pool.
	if err := sc.Pool.Initialize(ctx); err != nil {
		return fmt.Errorf("initializing sandbox pool: %w", err)
	}
	idle, _ := sc.Pool.Stats()
	logger.Info("sandbox pool ready", slog.Int("workers", idle))

	// Watch tool sources and restage on change.
	if cfg.Staging.Watch {
		watcher, err := workspace.NewWatcher(sc.Stager, logger)
		if err != nil {
			logger.Error("starting source watcher", slog.String("error", err.Error()))
		} else {
			go watcher.Run(ctx)
			logger.Debug("source watcher started")
		}
	}

	// Background maintenance.
	if cfg.Maintenance != nil && cfg.Maintenance.Enabled {
		stopJobs, err := startMaintenance(ctx, cfg.Maintenance, sc)
		if err != nil {
			return fmt.Errorf("starting maintenance jobs: %w", err)
		}
		defer stopJobs()
	}

	// MCP server.
	mcpSrv := server.New(sc.Engine, sc.Workspace, logger)

	errs := make(chan error, 2)
	mcpTransport := cfg.Server.MCP.MCPTransport()
	switch mcpTransport {
	case "stdio":
		go func() { errs <- mcpSrv.ServeStdio() }()
		logger.Info("mcp server started", slog.String("transport", "stdio"))
	case "http":
		addr := cfg.Server.MCP.MCPListenAddr()
		go func() { errs <- mcpSrv.ServeHTTP(addr) }()
		logger.Info("mcp server started",
			slog.String("transport", "http"),
			slog.String("addr", addr),
		)
	default:
		return fmt.Errorf("unknown mcp transport: %q (supported: stdio, http)", mcpTransport)
	}

	// HTTP gateway.
	var gw *httpapi.Gateway
	if cfg.Server.HTTP != nil && cfg.Server.HTTP.Enabled {
		gw = buildGateway(cfg, sc)
		go func() { errs <- gw.Start(ctx) }()
		logger.Info("http gateway started", slog.String("addr", cfg.Server.HTTP.Addr()))
	}

	// Wait for signal or first server error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("server exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if gw != nil {
		if err := gw.Stop(shutdownCtx); err != nil {
			logger.Error("stopping http gateway", slog.String("error", err.Error()))
		}
	}
	if err := mcpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("stopping mcp server", slog.String("error", err.Error()))
	}

	return nil
}

// buildGateway creates the HTTP gateway from shared components.
func buildGateway(cfg *config.Config, sc *SharedComponents) *httpapi.Gateway {
	httpCfg := cfg.Server.HTTP

	var limiter *ratelimit.Limiter
	if httpCfg.RateLimit.RequestsPerMinute > 0 {
		limiter = ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: httpCfg.RateLimit.RequestsPerMinute,
			BurstSize:         httpCfg.RateLimit.BurstSize,
		})
	}

	gwCfg := httpapi.Config{
		ListenAddr:     httpCfg.Addr(),
		EnableDocs:     httpCfg.EnableDocs,
		APIKeys:        httpCfg.APIKeys,
		MaxRequestSize: httpCfg.MaxRequestSize(),
	}
	if sc.Obs != nil {
		gwCfg.Metrics = sc.Obs.Metrics
		gwCfg.HealthChecker = sc.Obs.Health
		if sc.Obs.Metrics != nil {
			gwCfg.MetricsRegistry = sc.Obs.Metrics.Registry
		}
		if sc.Obs.Tracer != nil {
			gwCfg.Tracer = sc.Obs.Tracer.Tracer()
		}
		if cfg.Observability != nil && cfg.Observability.Metrics != nil {
			gwCfg.MetricsPath = cfg.Observability.Metrics.Path
		}
	}

	return httpapi.NewGateway(gwCfg, sc.Engine, sc.Hub, limiter, sc.Logger).
		WithSSE(httpCfg.SSE).
		WithWebSocket(httpCfg.WebSocket)
}

// startMaintenance schedules the background jobs: periodic restage of tool
// sources, tool cache flush, and a pool sweep that recreates missing workers.
// The returned func stops the scheduler and waits for running jobs.
func startMaintenance(ctx context.Context, mcfg *config.MaintenanceConfig, sc *SharedComponents) (func(), error) {
	c := cron.New()

	if _, err := c.AddFunc(mcfg.Restage(), func() {
		sc.Stager.MarkDirty()
		if _, err := sc.Stager.StageIfDirty(ctx); err != nil {
			sc.Logger.Error("scheduled restage failed", slog.String("error", err.Error()))
		}
	}); err != nil {
		return nil, fmt.Errorf("scheduling restage: %w", err)
	}

	if sc.Cache != nil {
		if _, err := c.AddFunc(mcfg.CacheFlush(), func() {
			if err := sc.Cache.Save(); err != nil {
				sc.Logger.Error("scheduled cache flush failed", slog.String("error", err.Error()))
			}
		}); err != nil {
			return nil, fmt.Errorf("scheduling cache flush: %w", err)
		}
	}

	if _, err := c.AddFunc(mcfg.PoolSweep(), func() {
		if err := sc.Pool.Sweep(ctx); err != nil {
			sc.Logger.Error("scheduled pool sweep failed", slog.String("error", err.Error()))
		}
	}); err != nil {
		return nil, fmt.Errorf("scheduling pool sweep: %w", err)
	}

	if sc.Store != nil {
		if _, err := c.AddFunc(mcfg.Prune(), func() {
			cutoff := time.Now().UTC().Add(-mcfg.Retention())
			deleted, err := sc.Store.Prune(ctx, cutoff)
			if err != nil {
				sc.Logger.Error("scheduled history prune failed", slog.String("error", err.Error()))
				return
			}
			sc.Logger.Info("history prune ran",
				slog.Int64("deleted", deleted),
				slog.Time("cutoff", cutoff))
		}); err != nil {
			return nil, fmt.Errorf("scheduling history prune: %w", err)
		}
	}

	c.Start()
	sc.Logger.Debug("maintenance jobs scheduled",
		slog.String("restage", mcfg.Restage()),
		slog.String("cache_flush", mcfg.CacheFlush()),
		slog.String("pool_sweep", mcfg.PoolSweep()),
		slog.String("prune", mcfg.Prune()),
	)

	return func() {
		stopCtx := c.Stop()
		<-stopCtx.Done()
	}, nil
}
