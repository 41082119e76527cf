// Package tools defines the [Tool] type shared by the built-in tool packages.
// Each sub-package exports a constructor returning tools ready for
// registration with the MCP host.
package tools

import (
	"context"
	"time"

	"github.com/MrWong99/avatarkit/pkg/provider/llm"
)

// Tool is an in-process tool: its LLM-facing schema plus the handler that
// runs when the model calls it.
type Tool struct {
	// Definition is the schema presented to the model.
	Definition llm.ToolDefinition

	// Handler runs the tool with JSON-encoded args and returns the text the
	// model will see. A returned error is reported to the model as an error
	// result. Handlers must be safe for concurrent use and honour ctx.
	Handler func(ctx context.Context, args string) (string, error)

	// Timeout bounds a single call. Zero uses the host default.
	Timeout time.Duration
}
