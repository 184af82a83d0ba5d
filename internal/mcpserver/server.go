package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all Fraudscan tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("fraudscan", "1.0.0")
	client := NewFraudscanClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolAnalyzeTransactions, h.HandleAnalyzeTransactions)
	s.AddTool(ToolVerifyLocation, h.HandleVerifyLocation)
	s.AddTool(ToolGetUsage, h.HandleGetUsage)

	return s
}
