package mcphost

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/avatarkit/internal/mcp"
	"github.com/MrWong99/avatarkit/internal/mcp/tools"
)

// builtinServerName is reported as the server of in-process tools.
const builtinServerName = "builtin"

// RegisterBuiltin registers an in-process tool, replacing one with the same
// name. A handler error reaches the model as an error result.
func (h *Host) RegisterBuiltin(tool tools.Tool) error {
	def := tool.Definition
	if def.Name == "" {
		return errors.New("mcp host: builtin tool name must not be empty")
	}
	if tool.Handler == nil {
		return fmt.Errorf("mcp host: builtin tool %q has no handler", def.Name)
	}
	if def.Parameters == nil {
		def.Parameters = map[string]any{"type": "object"}
	}

	handler := tool.Handler
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tools[def.Name] = toolEntry{
		def:     def,
		server:  builtinServerName,
		timeout: tool.Timeout,
		window:  newRollingWindow(windowSize),
		call: func(ctx context.Context, args string) (*mcp.ToolResult, error) {
			out, err := handler(ctx, args)
			if err != nil {
				return &mcp.ToolResult{Content: err.Error(), IsError: true}, nil
			}
			return &mcp.ToolResult{Content: out}, nil
		},
	}
	return nil
}
