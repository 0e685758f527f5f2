package feature

import (
	"context"
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/storelogic/telegate/audit"
	"github.com/storelogic/telegate/kit"
)

// RegisterMCP registers feature flag tools on an MCP server. Every
// invocation is audited under the tool name.
func (r *Registry) RegisterMCP(srv *mcp.Server, auditor audit.Logger) {
	r.registerListTool(srv, auditor)
	r.registerSetTool(srv, auditor)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// --- feature_list ---

func (r *Registry) registerListTool(srv *mcp.Server, auditor audit.Logger) {
	tool := &mcp.Tool{
		Name:        "feature_list",
		Description: "All feature flags with defaults and overrides.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, _ any) (any, error) {
		flags, err := r.List(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"flags": flags}, nil
	}

	decode := func(_ *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{Request: nil}, nil
	}

	kit.RegisterMCPTool(srv, tool, audit.Middleware(auditor, "feature_list")(endpoint), decode)
}

// --- feature_set ---

type setReq struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

func (r *Registry) registerSetTool(srv *mcp.Server, auditor audit.Logger) {
	tool := &mcp.Tool{
		Name:        "feature_set",
		Description: "Override a feature flag at runtime.",
		InputSchema: inputSchema(map[string]any{
			"name":    map[string]any{"type": "string", "description": "Flag name, e.g. remote_logging"},
			"enabled": map[string]any{"type": "boolean", "description": "New state"},
		}, []string{"name", "enabled"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		q := req.(*setReq)
		if err := r.SetEnabled(ctx, q.Name, q.Enabled); err != nil {
			return nil, err
		}
		return map[string]any{"name": q.Name, "enabled": q.Enabled}, nil
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var q setReq
		if err := json.Unmarshal(req.Params.Arguments, &q); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &q}, nil
	}

	kit.RegisterMCPTool(srv, tool, audit.Middleware(auditor, "feature_set")(endpoint), decode)
}
