// Package server exposes the engine over MCP (Model Context Protocol),
// on stdio or streamable HTTP.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/sanduku/internal/engine"
	"github.com/jkaninda/sanduku/internal/sandbox"
	"github.com/jkaninda/sanduku/internal/toolindex"
	"github.com/jkaninda/sanduku/internal/workspace"
)

// Version reported in the MCP handshake.
const Version = "1.0.0"

// Server wraps the engine behind MCP tools.
type Server struct {
	mcp    *server.MCPServer
	engine *engine.Engine
	ws     *workspace.Workspace
	logger *slog.Logger

	httpServer *server.StreamableHTTPServer
}

// New builds the MCP server and registers all tools.
func New(eng *engine.Engine, ws *workspace.Workspace, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		engine: eng,
		ws:     ws,
		logger: logger,
	}

	s.mcp = server.NewMCPServer("sanduku", Version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)
	s.registerTools()
	return s
}

// ServeStdio blocks serving MCP over stdin/stdout.
func (s *Server) ServeStdio() error {
	s.logger.Info("mcp server listening on stdio")
	return server.ServeStdio(s.mcp)
}

// ServeHTTP blocks serving MCP over streamable HTTP on addr.
func (s *Server) ServeHTTP(addr string) error {
	s.httpServer = server.NewStreamableHTTPServer(s.mcp)
	s.logger.Info("mcp server listening", slog.String("addr", addr))
	return s.httpServer.Start(addr)
}

// Shutdown stops the HTTP transport if one is running.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool("execute_task",
		mcp.WithDescription("Select tools for a natural-language task, generate the script, and run it in a pooled sandbox."),
		mcp.WithString("task", mcp.Required(), mcp.Description("Task description, e.g. 'get the weather forecast for Nairobi'")),
	), s.handleExecuteTask)

	s.mcp.AddTool(mcp.NewTool("execute_code",
		mcp.WithDescription("Run a Python script in a pooled sandbox with the staged tool workspace mounted."),
		mcp.WithString("code", mcp.Required(), mcp.Description("Python source to execute")),
	), s.handleExecuteCode)

	s.mcp.AddTool(mcp.NewTool("list_available_tools",
		mcp.WithDescription("List staged tools, grouped by server."),
		mcp.WithString("detail", mcp.Description("'name' (default) or 'description'")),
	), s.handleListTools)

	s.mcp.AddTool(mcp.NewTool("search_tools",
		mcp.WithDescription("Search staged tools by name, server, or description substring."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search text")),
		mcp.WithString("detail", mcp.Description("'name' (default) or 'description'")),
	), s.handleSearchTools)

	s.mcp.AddTool(mcp.NewTool("get_state",
		mcp.WithDescription("Read a state file persisted by earlier executions."),
		mcp.WithString("name", mcp.Required(), mcp.Description("State file name")),
	), s.handleGetState)

	s.mcp.AddTool(mcp.NewTool("save_state",
		mcp.WithDescription("Write a state file visible to later executions."),
		mcp.WithString("name", mcp.Required(), mcp.Description("State file name")),
		mcp.WithString("content", mcp.Required(), mcp.Description("File content")),
	), s.handleSaveState)
}

func (s *Server) handleExecuteTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, err := req.RequireString("task")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	ex, err := s.engine.ExecuteTask(ctx, task)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("task preparation failed: %v", err)), nil
	}
	return outcomeResult(ex.Outcome), nil
}

func (s *Server) handleExecuteCode(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := req.RequireString("code")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	ex := s.engine.ExecuteCode(ctx, code)
	return outcomeResult(ex.Outcome), nil
}

func (s *Server) handleListTools(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tools, err := s.engine.Index().DescribedTools()
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("listing tools: %v", err)), nil
	}
	return mcp.NewToolResultText(formatTools(tools, req.GetString("detail", "name"))), nil
}

func (s *Server) handleSearchTools(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	tools, err := s.engine.Index().Search(query)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("searching tools: %v", err)), nil
	}
	if len(tools) == 0 {
		return mcp.NewToolResultText("no tools matched " + query), nil
	}
	return mcp.NewToolResultText(formatTools(tools, req.GetString("detail", "name"))), nil
}

func (s *Server) handleGetState(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	data, err := os.ReadFile(s.ws.StatePath(name))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("reading state %q: %v", name, err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) handleSaveState(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	content, err := req.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.ws.EnsureAll(); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("preparing state dir: %v", err)), nil
	}
	path := s.ws.StatePath(name)
	if err := os.WriteFile(path, []byte(content), 0640); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("writing state %q: %v", name, err)), nil
	}
	return mcp.NewToolResultText("saved " + name), nil
}

// outcomeResult maps a sandbox outcome onto an MCP tool result. Blocked
// and failed executions are tool errors carrying the reason; output is
// always included when present.
func outcomeResult(out sandbox.Outcome) *mcp.CallToolResult {
	switch out.Status {
	case sandbox.StatusSuccess:
		if out.Output == "" {
			return mcp.NewToolResultText("(no output)")
		}
		return mcp.NewToolResultText(out.Output)
	default:
		msg := out.Status.String()
		if out.Err != nil {
			msg += ": " + out.Err.Error()
		}
		if out.Output != "" {
			msg += "\n" + out.Output
		}
		return mcp.NewToolResultError(msg)
	}
}

func formatTools(tools []toolindex.Tool, detail string) string {
	var b strings.Builder
	var server string
	for _, t := range tools {
		if t.Server != server {
			if server != "" {
				b.WriteByte('\n')
			}
			b.WriteString(t.Server + ":\n")
			server = t.Server
		}
		b.WriteString("  " + t.Name)
		if detail == "description" && t.Description != "" {
			b.WriteString(" - " + t.Description)
		}
		b.WriteByte('\n')
	}
	if b.Len() == 0 {
		return "no tools staged"
	}
	return b.String()
}
