// Package httpapi implements the HTTP gateway for Sanduku.
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-key rate limiting via token bucket
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/sanduku/internal/engine"
	"github.com/jkaninda/sanduku/internal/events"
	"github.com/jkaninda/sanduku/internal/history"
	"github.com/jkaninda/sanduku/internal/observability"
	"github.com/jkaninda/sanduku/internal/ratelimit"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        []string // Accepted bearer keys.
	MaxRequestSize int64    // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP gateway.
type Gateway struct {
	config  Config
	engine  *engine.Engine
	hub     *events.Hub
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	server  *http.Server

	sseEnabled bool
	wsEnabled  bool

	okapi *okapi.Okapi
	group *okapi.Group
}

// NewGateway creates an HTTP gateway.
func NewGateway(cfg Config, eng *engine.Engine, hub *events.Hub, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	maxSize := cfg.MaxRequestSize
	if maxSize <= 0 {
		maxSize = defaultMaxRequestSize
	}
	return &Gateway{
		config:  cfg,
		engine:  eng,
		hub:     hub,
		limiter: rl,
		logger:  logger,
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(maxSize)),
	}
}

// WithSSE enables the SSE streaming endpoint.
func (g *Gateway) WithSSE(enabled bool) *Gateway {
	g.sseEnabled = enabled
	return g
}

// WithWebSocket enables the /ws/events endpoint.
func (g *Gateway) WithWebSocket(enabled bool) *Gateway {
	g.wsEnabled = enabled
	return g
}

// WithOpenAPIDocs enables the generated OpenAPI documentation UI.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Sanduku",
			Version: "v1.0.0",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.Use(observability.MetricsMiddleware(g.config.Metrics, g.config.Tracer))
	}

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)

	g.group.Post("/execute", g.handleExecute,
		okapi.DocSummary("Run a task or code string in a pooled sandbox"),
		okapi.DocTags("Execute"),
		okapi.DocRequestBody(ExecuteRequest{}),
		okapi.DocResponse(ExecuteResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Get("/executions", g.handleExecutions,
		okapi.DocSummary("List recent executions"),
		okapi.DocTags("Executions"),
		okapi.DocResponse([]ExecuteResponse{}),
	)
	g.group.Get("/executions/{id}", g.handleExecutionGet,
		okapi.DocSummary("Get one execution by id"),
		okapi.DocTags("Executions"),
		okapi.DocPathParam("id", "string", "Execution ID (UUID)"),
		okapi.DocResponse(ExecuteResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/tools", g.handleTools,
		okapi.DocSummary("List staged tools"),
		okapi.DocTags("Tools"),
		okapi.DocResponse([]ToolResponse{}),
	)
	g.group.Get("/healthz", g.handleHealth,
		okapi.DocSummary("Authenticated health check"),
		okapi.DocTags("Health"),
		okapi.DocResponse(HealthResponse{}),
	)

	if g.sseEnabled {
		g.group.Post("/execute/stream", g.handleExecuteStream,
			okapi.DocSummary("Run a task or code string and stream the result via SSE"),
			okapi.DocTags("Execute"),
			okapi.DocRequestBody(ExecuteRequest{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
			okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		)
	}
	if g.wsEnabled && g.hub != nil {
		g.okapi.HandleStd("GET", "/ws/events", g.handleEventsWS)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Handlers ---

// ExecuteRequest is the JSON body for POST /v1/execute. Exactly one of
// task or code must be set.
type ExecuteRequest struct {
	Task string `json:"task,omitempty"`
	Code string `json:"code,omitempty"`
}

// ExecuteResponse is the JSON shape of one execution.
type ExecuteResponse struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	Status     string `json:"status"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	WorkerID   string `json:"worker_id,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// ToolResponse is the JSON shape of one staged tool.
type ToolResponse struct {
	Server      string `json:"server"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// HealthResponse is the JSON response for the health endpoints.
type HealthResponse struct {
	Status string `json:"status"`
}

func (g *Gateway) handleExecute(c *okapi.Context) error {
	req, err := g.bindExecute(c)
	if err != nil {
		return err
	}

	ex, prepErr := g.runExecute(c.Context(), req)
	if prepErr != nil {
		g.logger.Error("task preparation failed", slog.String("error", prepErr.Error()))
		return c.AbortInternalServerError("task preparation failed")
	}
	return c.OK(executionResponse(ex))
}

func (g *Gateway) handleExecutions(c *okapi.Context) error {
	store := g.engine.History()
	if store == nil {
		return c.JSON(http.StatusServiceUnavailable, okapi.M{"error": "history disabled"})
	}

	q := c.Request().URL.Query()
	f := history.Filter{
		Status: q.Get("status"),
		Kind:   q.Get("kind"),
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			return c.AbortBadRequest("limit must be a non-negative integer")
		}
		f.Limit = n
	}

	recs, err := store.List(c.Context(), f)
	if err != nil {
		g.logger.Error("listing executions failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("listing executions failed")
	}

	resp := make([]ExecuteResponse, len(recs))
	for i, rec := range recs {
		resp[i] = recordResponse(rec)
	}
	return c.OK(resp)
}

func (g *Gateway) handleExecutionGet(c *okapi.Context) error {
	store := g.engine.History()
	if store == nil {
		return c.JSON(http.StatusServiceUnavailable, okapi.M{"error": "history disabled"})
	}

	rec, err := store.Get(c.Context(), c.Param("id"))
	if errors.Is(err, history.ErrNotFound) {
		return c.JSON(http.StatusNotFound, okapi.M{"error": "execution not found"})
	}
	if err != nil {
		g.logger.Error("loading execution failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("loading execution failed")
	}
	return c.OK(recordResponse(rec))
}

func (g *Gateway) handleTools(c *okapi.Context) error {
	tools, err := g.engine.Index().DescribedTools()
	if err != nil {
		g.logger.Error("listing tools failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("listing tools failed")
	}
	resp := make([]ToolResponse, len(tools))
	for i, t := range tools {
		resp[i] = ToolResponse{Server: t.Server, Name: t.Name, Description: t.Description}
	}
	return c.OK(resp)
}

func (g *Gateway) handleHealth(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleLiveness is the liveness probe.
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}
	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// bindExecute parses and validates the execute request body.
func (g *Gateway) bindExecute(c *okapi.Context) (*ExecuteRequest, error) {
	key := c.GetString("apiKey")
	if g.limiter != nil {
		if err := g.limiter.Allow(key); err != nil {
			return nil, c.AbortTooManyRequests("rate limit exceeded")
		}
	}

	var req ExecuteRequest
	if err := c.Bind(&req); err != nil {
		return nil, c.AbortBadRequest("invalid request body")
	}
	if (req.Task == "") == (req.Code == "") {
		return nil, c.AbortBadRequest("exactly one of task or code is required")
	}
	return &req, nil
}

func (g *Gateway) runExecute(ctx context.Context, req *ExecuteRequest) (*engine.Execution, error) {
	if req.Code != "" {
		return g.engine.ExecuteCode(ctx, req.Code), nil
	}
	return g.engine.ExecuteTask(ctx, req.Task)
}

func executionResponse(ex *engine.Execution) ExecuteResponse {
	resp := ExecuteResponse{
		ID:         ex.ID,
		Kind:       ex.Kind,
		Status:     ex.Outcome.Status.String(),
		Output:     ex.Outcome.Output,
		WorkerID:   ex.Outcome.WorkerID,
		DurationMS: ex.Outcome.Duration.Milliseconds(),
	}
	if ex.Outcome.Err != nil {
		resp.Error = ex.Outcome.Err.Error()
	}
	return resp
}

func recordResponse(rec *history.Record) ExecuteResponse {
	return ExecuteResponse{
		ID:         rec.ID,
		Kind:       rec.Kind,
		Status:     rec.Status,
		Output:     rec.Output,
		Error:      rec.Error,
		WorkerID:   rec.WorkerID,
		DurationMS: rec.DurationMS,
	}
}

// --- Authentication ---

// authenticate validates the bearer API key with a constant-time compare.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		matched := ""
		for _, key := range g.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				matched = key
			}
		}
		if matched == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("apiKey", matched)
		return next(c)
	}
}
