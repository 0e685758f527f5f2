package release

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/storelogic/telegate/audit"
	"github.com/storelogic/telegate/kit"
)

// RegisterMCP registers release tools on an MCP server. Every invocation is
// audited under the tool name.
func (r *Resolver) RegisterMCP(srv *mcp.Server, auditor audit.Logger) {
	r.registerLatestTool(srv, auditor)
	r.registerRefreshTool(srv, auditor)
	r.registerNotesTool(srv, auditor)
}

func emptySchema() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

func decodeNone(_ *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
	return &kit.MCPDecodeResult{Request: nil}, nil
}

func (r *Resolver) registerLatestTool(srv *mcp.Server, auditor audit.Logger) {
	tool := &mcp.Tool{
		Name:        "release_latest",
		Description: "Latest published extension version, served from cache when fresh.",
		InputSchema: emptySchema(),
	}

	endpoint := func(ctx context.Context, _ any) (any, error) {
		v, ok := r.LatestVersion(ctx)
		return map[string]any{"version": v, "available": ok}, nil
	}

	kit.RegisterMCPTool(srv, tool, audit.Middleware(auditor, "release_latest")(endpoint), decodeNone)
}

func (r *Resolver) registerRefreshTool(srv *mcp.Server, auditor audit.Logger) {
	tool := &mcp.Tool{
		Name:        "release_refresh",
		Description: "Force a catalog fetch, bypassing the version cache.",
		InputSchema: emptySchema(),
	}

	endpoint := func(ctx context.Context, _ any) (any, error) {
		v, err := r.Refresh(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"version": v}, nil
	}

	kit.RegisterMCPTool(srv, tool, audit.Middleware(auditor, "release_refresh")(endpoint), decodeNone)
}

func (r *Resolver) registerNotesTool(srv *mcp.Server, auditor audit.Logger) {
	tool := &mcp.Tool{
		Name:        "release_notes",
		Description: "Changelog of the latest release rendered as Markdown.",
		InputSchema: emptySchema(),
	}

	endpoint := func(ctx context.Context, _ any) (any, error) {
		notes, err := r.Notes(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"notes": notes}, nil
	}

	kit.RegisterMCPTool(srv, tool, audit.Middleware(auditor, "release_notes")(endpoint), decodeNone)
}
