// Package mock provides an in-memory test double for [mcp.Host].
//
// [Host] records every call and returns whatever its exported fields say.
// Per-tool results in Results take precedence over ExecuteToolResult.
//
//	h := &mock.Host{
//	    ToolsResult: []llm.ToolDefinition{{Name: "current_time"}},
//	    Results:     map[string]*mcp.ToolResult{"current_time": {Content: "noon"}},
//	}
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/avatarkit/internal/mcp"
	"github.com/MrWong99/avatarkit/pkg/provider/llm"
)

// Call records one method invocation.
type Call struct {
	// Method is the interface method name.
	Method string

	// Args holds the non-context arguments in order.
	Args []any
}

// Host is a configurable test double for [mcp.Host]. Safe for concurrent use.
type Host struct {
	mu    sync.Mutex
	calls []Call

	// RegisterServerErr is returned by RegisterServer.
	RegisterServerErr error

	// ToolsResult is returned by Tools.
	ToolsResult []llm.ToolDefinition

	// Results maps tool names to their results. When the map is non-nil and
	// a name is missing, ExecuteTool fails with [mcp.ErrToolNotFound].
	Results map[string]*mcp.ToolResult

	// ExecuteToolResult is returned by ExecuteTool when Results is nil.
	ExecuteToolResult *mcp.ToolResult

	// ExecuteToolErr, if set, is returned by every ExecuteTool call.
	ExecuteToolErr error

	// HealthResult is returned by Health.
	HealthResult []mcp.ToolHealth

	// CloseErr is returned by Close.
	CloseErr error
}

var _ mcp.Host = (*Host)(nil)

func (h *Host) record(method string, args ...any) {
	h.calls = append(h.calls, Call{Method: method, Args: args})
}

// RegisterServer records the call and returns RegisterServerErr.
func (h *Host) RegisterServer(_ context.Context, cfg mcp.ServerConfig) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("RegisterServer", cfg)
	return h.RegisterServerErr
}

// Tools records the call and returns a copy of ToolsResult.
func (h *Host) Tools() []llm.ToolDefinition {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("Tools")
	out := make([]llm.ToolDefinition, len(h.ToolsResult))
	copy(out, h.ToolsResult)
	return out
}

// ExecuteTool records the call and returns the configured result.
func (h *Host) ExecuteTool(_ context.Context, name, args string) (*mcp.ToolResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("ExecuteTool", name, args)
	if h.ExecuteToolErr != nil {
		return nil, h.ExecuteToolErr
	}
	if h.Results != nil {
		r, ok := h.Results[name]
		if !ok {
			return nil, fmt.Errorf("mock host: %q: %w", name, mcp.ErrToolNotFound)
		}
		cp := *r
		return &cp, nil
	}
	if h.ExecuteToolResult == nil {
		return &mcp.ToolResult{}, nil
	}
	cp := *h.ExecuteToolResult
	return &cp, nil
}

// Health records the call and returns HealthResult.
func (h *Host) Health() []mcp.ToolHealth {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("Health")
	return h.HealthResult
}

// Close records the call and returns CloseErr.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("Close")
	return h.CloseErr
}

// Calls returns a copy of the recorded invocations.
func (h *Host) Calls() []Call {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Call, len(h.calls))
	copy(out, h.calls)
	return out
}

// CallCount returns how often method was called.
func (h *Host) CallCount(method string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, c := range h.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears recorded calls. Configured fields are kept.
func (h *Host) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = nil
}
