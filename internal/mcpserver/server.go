package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// Version is reported to MCP clients.
const Version = "0.3.0"

// NewMCPServer creates a configured MCP server with every escrowd tool registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("escrowd", Version, server.WithToolCapabilities(false))
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolGetEscrow, h.HandleGetEscrow)
	s.AddTool(ToolListEscrows, h.HandleListEscrows)
	s.AddTool(ToolEscrowHistory, h.HandleEscrowHistory)
	s.AddTool(ToolRecentEvents, h.HandleRecentEvents)
	s.AddTool(ToolCustodyBalances, h.HandleCustodyBalances)
	s.AddTool(ToolPauseStatus, h.HandlePauseStatus)
	s.AddTool(ToolReconciliationReport, h.HandleReconciliationReport)

	return s
}
