package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/guildgate/internal/apiclient"
)

// Version is advertised to MCP clients during initialization.
var Version = "1.0.0"

// NewMCPServer creates a configured MCP server with the moderator tools
// registered. A panicking tool handler becomes a tool error instead of
// killing the stdio session.
func NewMCPServer(cfg apiclient.Config) *server.MCPServer {
	s := server.NewMCPServer("guildgate", Version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)
	h := NewHandlers(apiclient.New(cfg))

	s.AddTool(ToolLookupIdentity, h.HandleLookupIdentity)
	s.AddTool(ToolListAttempts, h.HandleListAttempts)
	s.AddTool(ToolGetReputation, h.HandleGetReputation)
	s.AddTool(ToolRaidStatus, h.HandleRaidStatus)
	s.AddTool(ToolConfirmAltLink, h.HandleConfirmAltLink)
	s.AddTool(ToolRecordBan, h.HandleRecordBan)
	s.AddTool(ToolAddThreatActor, h.HandleAddThreatActor)
	s.AddTool(ToolQueryAudit, h.HandleQueryAudit)

	return s
}
