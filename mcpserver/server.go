package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/execbox/config"
	"github.com/isdmx/execbox/logger"
	"github.com/isdmx/execbox/sandbox"
)

const toolExecuteCode = "execute_code"

// Executor runs code and returns the collected output.
type Executor interface {
	ExecuteBuffered(ctx context.Context, req sandbox.ExecuteRequest) (sandbox.ExecuteResult, []byte, error)
}

// executeResult is the JSON document returned by the execute_code tool.
type executeResult struct {
	Output    string   `json:"output"`
	ExitCode  int64    `json:"exit_code"`
	Outcome   string   `json:"outcome"`
	Warnings  []string `json:"warnings,omitempty"`
	Truncated bool     `json:"truncated,omitempty"`
}

// MCPServer represents the MCP server
type MCPServer struct {
	config     *config.Config
	logger     *zap.Logger
	executor   Executor
	profiles   *sandbox.ProfileTable
	mcpServer  *server.MCPServer
	httpServer *server.StreamableHTTPServer
	serving    atomic.Bool
}

// New creates a new MCPServer
func New(cfg *config.Config, log *zap.Logger, executor Executor, profiles *sandbox.ProfileTable) (*MCPServer, error) {
	if executor == nil {
		return nil, errors.New("executor is required")
	}
	s := &MCPServer{
		config:   cfg,
		logger:   log.Named("mcp"),
		executor: executor,
		profiles: profiles,
	}

	s.mcpServer = server.NewMCPServer("execbox", "1.0.0", server.WithToolCapabilities(false))
	s.registerExecuteCodeTool()
	s.httpServer = server.NewStreamableHTTPServer(s.mcpServer)

	return s, nil
}

// registerExecuteCodeTool registers the execute_code tool
func (s *MCPServer) registerExecuteCodeTool() {
	tool := mcp.Tool{
		Name:        toolExecuteCode,
		Description: "Run source code in a disposable sandbox and return its combined output and exit code",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"language": map[string]any{
					"type":        "string",
					"description": "Language id",
					"enum":        s.profiles.IDs(),
				},
				"code": map[string]any{
					"type":        "string",
					"description": "Complete program source",
				},
				"workspace_path": map[string]any{
					"type":        "string",
					"description": "Absolute host directory mounted as the working directory (optional)",
				},
			},
			Required: []string{"language", "code"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleExecuteCode)
}

// handleExecuteCode handles the execute_code tool
func (s *MCPServer) handleExecuteCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := request.RequireString("code")
	if err != nil {
		return mcp.NewToolResultError("code parameter is required"), nil
	}
	language, err := request.RequireString("language")
	if err != nil {
		return mcp.NewToolResultError("language parameter is required"), nil
	}

	req := sandbox.ExecuteRequest{
		Language:      language,
		Code:          code,
		WorkspacePath: request.GetString("workspace_path", ""),
	}

	s.logger.Info("code execution requested",
		zap.String(logger.FieldLanguage, language),
		zap.Bool("has_workspace", req.WorkspacePath != ""))

	res, output, err := s.executor.ExecuteBuffered(ctx, req)
	if err != nil {
		if sandbox.IsValidation(err) {
			s.logger.Debug("rejected execution request", zap.Error(err))
		} else {
			s.logger.Error("sandbox execution failed", zap.String(logger.FieldLanguage, language), zap.Error(err))
		}
		return mcp.NewToolResultError(fmt.Sprintf("Execution failed: %v", err)), nil
	}

	s.logger.Info("code execution completed",
		zap.String(logger.FieldLanguage, language),
		zap.Int64(logger.FieldExitCode, res.ExitCode),
		zap.String(logger.FieldOutcome, string(res.Outcome)),
		zap.Int("output_len", len(output)))

	body, err := json.Marshal(executeResult{
		Output:    string(output),
		ExitCode:  res.ExitCode,
		Outcome:   string(res.Outcome),
		Warnings:  res.Warnings,
		Truncated: res.Truncated,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}

	return mcp.NewToolResultText(string(body)), nil
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP starts the server on HTTP
func (s *MCPServer) ServeHTTP() error {
	port := s.config.MCP.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))

	s.serving.Store(true)
	return s.httpServer.Start(fmt.Sprintf(":%d", port))
}

// Shutdown stops the HTTP transport if it is running.
func (s *MCPServer) Shutdown(ctx context.Context) error {
	if !s.serving.Load() {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// GetMCPServer returns the underlying MCP server for fx
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
