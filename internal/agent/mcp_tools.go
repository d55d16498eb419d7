package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/zyra-ai-sei/sdk-backend/internal/mcp"
	"github.com/zyra-ai-sei/sdk-backend/internal/provider"
)

// ToolServer is the part of an MCP client the registry needs.
type ToolServer interface {
	Name() string
	ListTools() []mcp.ToolInfo
	CallTool(ctx context.Context, name string, args map[string]interface{}) (json.RawMessage, error)
}

// RegisterMCPTools bridges MCP server tools into the registry. A tool's
// output is the server's full JSON-RPC response.
func RegisterMCPTools(reg *ToolRegistry, servers ...ToolServer) int {
	n := 0
	for _, s := range servers {
		for _, tool := range s.ListTools() {
			server := s
			t := tool
			params := t.InputSchema
			if params == nil {
				params = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
			}
			reg.Register(provider.Tool{
				Type: "function",
				Function: provider.ToolFunction{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  params,
				},
			}, func(ctx context.Context, args string) (string, error) {
				var parsed map[string]interface{}
				if args != "" {
					if err := json.Unmarshal([]byte(args), &parsed); err != nil {
						return "", fmt.Errorf("tool %s: invalid arguments: %w", t.Name, err)
					}
				}
				raw, err := server.CallTool(ctx, t.Name, parsed)
				if err != nil {
					return "", err
				}
				return string(raw), nil
			})
			n++
		}
	}
	return n
}
