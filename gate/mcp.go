package gate

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/storelogic/telegate/audit"
	"github.com/storelogic/telegate/kit"
)

// RegisterMCP registers eligibility tools on an MCP server. Every invocation
// is audited under the tool name.
func (g *Gate) RegisterMCP(srv *mcp.Server, auditor audit.Logger) {
	g.registerStatusTool(srv, auditor)
	g.registerAllowedTool(srv, auditor)
}

func emptySchema() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

func decodeNone(_ *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
	return &kit.MCPDecodeResult{Request: nil}, nil
}

func (g *Gate) registerStatusTool(srv *mcp.Server, auditor audit.Logger) {
	tool := &mcp.Tool{
		Name:        "telemetry_status",
		Description: "Full eligibility breakdown: every predicate evaluated, no short-circuit.",
		InputSchema: emptySchema(),
	}

	endpoint := func(ctx context.Context, _ any) (any, error) {
		return g.Explain(ctx), nil
	}

	kit.RegisterMCPTool(srv, tool, audit.Middleware(auditor, "telemetry_status")(endpoint), decodeNone)
}

func (g *Gate) registerAllowedTool(srv *mcp.Server, auditor audit.Logger) {
	tool := &mcp.Tool{
		Name:        "telemetry_allowed",
		Description: "Whether a remote error report may be sent right now.",
		InputSchema: emptySchema(),
	}

	endpoint := func(ctx context.Context, _ any) (any, error) {
		return map[string]any{"allowed": g.IsAllowed(ctx)}, nil
	}

	kit.RegisterMCPTool(srv, tool, audit.Middleware(auditor, "telemetry_allowed")(endpoint), decodeNone)
}
