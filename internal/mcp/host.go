// Package mcp defines the tool host used for function calling.
//
// A [Host] aggregates tools from Model Context Protocol servers and from
// in-process built-ins, offers their definitions to the LLM and executes the
// calls the LLM requests during a turn.
//
// Lifecycle:
//
//  1. Call [Host.RegisterServer] for each MCP server to connect to.
//  2. Use [Host.Tools] to list the definitions offered to the model.
//  3. Use [Host.ExecuteTool] to run a requested call.
//  4. Call [Host.Close] to release all connections.
//
// All methods must be safe for concurrent use.
package mcp

import (
	"context"
	"errors"
	"slices"

	"github.com/MrWong99/avatarkit/pkg/provider/llm"
)

// ErrToolNotFound is returned by [Host.ExecuteTool] for an unknown tool name.
var ErrToolNotFound = errors.New("mcp: tool not found")

// Transport names how an MCP server is reached.
type Transport string

// Supported transports.
const (
	// TransportStdio runs the server as a child process speaking over its
	// standard streams.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP talks to a remote server over MCP Streamable
	// HTTP.
	TransportStreamableHTTP Transport = "streamable-http"
)

// Transports lists the supported transports.
func Transports() []Transport {
	return []Transport{TransportStdio, TransportStreamableHTTP}
}

// IsValid reports whether t is one of [Transports].
func (t Transport) IsValid() bool {
	return slices.Contains(Transports(), t)
}

// ServerConfig describes how to connect to a single MCP server.
type ServerConfig struct {
	// Name is the identifier for this server. Must be unique within a Host.
	Name string

	// Transport specifies the connection mechanism.
	Transport Transport

	// Command is the executable and its arguments for [TransportStdio].
	Command string

	// URL is the endpoint for [TransportStreamableHTTP].
	URL string

	// Env holds additional environment variables for a stdio server process.
	Env map[string]string
}

// ToolResult holds the outcome of a single tool execution.
type ToolResult struct {
	// Content is the tool's textual output, inserted into the conversation
	// as the tool message.
	Content string

	// IsError reports an application-level failure. Content then holds the
	// error message, which is still sent back to the model.
	IsError bool

	// DurationMs is the wall-clock execution time in milliseconds.
	DurationMs int64
}

// ToolHealth summarises the recent behaviour of one tool.
type ToolHealth struct {
	Name      string  `json:"name"`
	Server    string  `json:"server"`
	P50Ms     int64   `json:"p50_ms"`
	P99Ms     int64   `json:"p99_ms"`
	CallCount int     `json:"call_count"`
	ErrorRate float64 `json:"error_rate"`
}

// Host manages MCP server connections and routes tool calls.
type Host interface {
	// RegisterServer connects to the server described by cfg and imports its
	// tool catalogue. Registering an existing name replaces the old
	// connection and its tools.
	RegisterServer(ctx context.Context, cfg ServerConfig) error

	// Tools returns every registered tool definition sorted by name.
	Tools() []llm.ToolDefinition

	// ExecuteTool runs the named tool with JSON-encoded args. A Go error is
	// returned only for unknown tools and transport failures; tool-level
	// failures come back as a result with IsError set.
	ExecuteTool(ctx context.Context, name, args string) (*ToolResult, error)

	// Health reports per-tool latency and error statistics.
	Health() []ToolHealth

	// Close shuts down all server connections.
	Close() error
}
