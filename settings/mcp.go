package settings

import (
	"context"
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/storelogic/telegate/audit"
	"github.com/storelogic/telegate/kit"
)

// RegisterMCP registers settings tools on an MCP server. Every invocation is
// audited under the tool name.
func (s *Store) RegisterMCP(srv *mcp.Server, auditor audit.Logger) {
	s.registerGetTool(srv, auditor)
	s.registerSetTool(srv, auditor)
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

// --- settings_get ---

type getReq struct {
	Key string `json:"key"`
}

func (s *Store) registerGetTool(srv *mcp.Server, auditor audit.Logger) {
	tool := &mcp.Tool{
		Name:        "settings_get",
		Description: "Read one installation setting by key.",
		InputSchema: inputSchema(map[string]any{
			"key": map[string]any{"type": "string", "description": "Setting key, e.g. allow_tracking"},
		}, []string{"key"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*getReq)
		// The credential hash is write-only on every surface.
		if r.Key == KeyAdminPasswordHash {
			return map[string]any{"key": r.Key, "value": "", "present": false}, nil
		}
		value, ok, err := s.Get(ctx, r.Key)
		if err != nil {
			return nil, err
		}
		return map[string]any{"key": r.Key, "value": value, "present": ok}, nil
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r getReq
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, audit.Middleware(auditor, "settings_get")(endpoint), decode)
}

// --- settings_set ---

type setReq struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (s *Store) registerSetTool(srv *mcp.Server, auditor audit.Logger) {
	tool := &mcp.Tool{
		Name:        "settings_set",
		Description: "Write one installation setting (upsert).",
		InputSchema: inputSchema(map[string]any{
			"key":   map[string]any{"type": "string", "description": "Setting key"},
			"value": map[string]any{"type": "string", "description": "New value"},
		}, []string{"key", "value"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*setReq)
		if err := s.Set(ctx, r.Key, r.Value); err != nil {
			return nil, err
		}
		return map[string]any{"key": r.Key, "value": r.Value}, nil
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r setReq
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, audit.Middleware(auditor, "settings_set")(endpoint), decode)
}
