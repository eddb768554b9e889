package mcp

import (
	"context"
	"io"
	"os"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/dshills/hybridsearch/internal/engine"
)

const (
	// ServerName is the MCP server name
	ServerName = "hybridsearch"
	// ServerVersion is the current server version
	ServerVersion = "1.0.0"
)

// Server exposes an engine as MCP tools
type Server struct {
	mcp    *server.MCPServer
	engine *engine.Engine
	logger *zap.Logger
}

// NewServer creates an MCP server over e. The caller keeps ownership of e.
func NewServer(e *engine.Engine) *Server {
	s := &Server{
		mcp:    server.NewMCPServer(ServerName, ServerVersion),
		engine: e,
		logger: e.Logger.Named("mcp"),
	}
	s.registerTools()
	return s
}

// Serve runs the MCP protocol on stdio until ctx is done or stdin closes
func (s *Server) Serve(ctx context.Context) error {
	return s.ServeIO(ctx, os.Stdin, os.Stdout)
}

// ServeIO runs the MCP protocol over in and out.
func (s *Server) ServeIO(ctx context.Context, in io.Reader, out io.Writer) error {
	s.logger.Info("serving MCP", zap.String("transport", "stdio"))
	return server.NewStdioServer(s.mcp).Listen(ctx, in, out)
}

// registerTools registers all MCP tools
func (s *Server) registerTools() {
	s.mcp.AddTool(createCollectionTool(), s.handleCreateCollection)
	s.mcp.AddTool(listCollectionsTool(), s.handleListCollections)
	s.mcp.AddTool(deleteCollectionTool(), s.handleDeleteCollection)
	s.mcp.AddTool(insertDocumentsTool(), s.handleInsertDocuments)
	s.mcp.AddTool(getDocumentTool(), s.handleGetDocument)
	s.mcp.AddTool(deleteDocumentTool(), s.handleDeleteDocument)
	s.mcp.AddTool(searchTool(), s.handleSearch)
	s.mcp.AddTool(buildIndexTool(), s.handleBuildIndex)
	s.mcp.AddTool(getStatusTool(), s.handleGetStatus)
	s.mcp.AddTool(reembedCollectionTool(), s.handleReembedCollection)
}
