// Package mcphost provides the concrete [mcp.Host].
//
// External tools come from MCP servers reached over stdio or streamable HTTP
// through the official MCP Go SDK. Built-in tools run in-process. Both kinds
// share one name space, the per-call timeout, metrics and the rolling latency
// windows behind [Host.Health].
//
//	h := mcphost.New(mcphost.WithDefaultTimeout(5 * time.Second))
//	err := h.RegisterServer(ctx, mcp.ServerConfig{
//	    Name:      "weather",
//	    Transport: mcp.TransportStdio,
//	    Command:   "/usr/local/bin/mcp-weather --units metric",
//	})
//	err = h.RegisterBuiltin(clock.Tool())
//	res, err := h.ExecuteTool(ctx, "current_time", `{"timezone":"Asia/Tokyo"}`)
package mcphost

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/avatarkit/internal/mcp"
	"github.com/MrWong99/avatarkit/internal/observe"
	"github.com/MrWong99/avatarkit/pkg/provider/llm"
)

const (
	// windowSize is the number of recent calls kept per tool for Health.
	windowSize = 100

	defaultToolTimeout = 10 * time.Second
)

// callFunc runs one tool call. Tool-level failures are results with IsError
// set; a Go error means the tool could not be reached.
type callFunc func(ctx context.Context, args string) (*mcp.ToolResult, error)

type toolEntry struct {
	def     llm.ToolDefinition
	server  string
	timeout time.Duration
	window  *rollingWindow
	call    callFunc
}

// Host is the concrete [mcp.Host]. Create it with [New].
type Host struct {
	mu       sync.RWMutex
	tools    map[string]toolEntry
	sessions map[string]*mcpsdk.ClientSession

	// One SDK client serves every session.
	client *mcpsdk.Client

	metrics        *observe.Metrics
	defaultTimeout time.Duration
}

var _ mcp.Host = (*Host)(nil)

// Option configures a [Host].
type Option func(*Host)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Host) { h.metrics = m }
}

// WithDefaultTimeout bounds every tool call that has no timeout of its own.
// Zero keeps the 10s default.
func WithDefaultTimeout(d time.Duration) Option {
	return func(h *Host) {
		if d > 0 {
			h.defaultTimeout = d
		}
	}
}

// New returns an empty Host.
func New(opts ...Option) *Host {
	h := &Host{
		tools:          make(map[string]toolEntry),
		sessions:       make(map[string]*mcpsdk.ClientSession),
		client:         mcpsdk.NewClient(&mcpsdk.Implementation{Name: "avatarkit", Version: "1.0.0"}, nil),
		defaultTimeout: defaultToolTimeout,
	}
	for _, o := range opts {
		o(h)
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	return h
}

// ─── Servers ─────────────────────────────────────────────────────────────────

// RegisterServer connects to the server described by cfg and imports its
// tools. Registering a known name replaces the old session and its tools.
func (h *Host) RegisterServer(ctx context.Context, cfg mcp.ServerConfig) error {
	switch {
	case cfg.Name == "":
		return errors.New("mcp host: server name must not be empty")
	case cfg.Name == builtinServerName:
		return fmt.Errorf("mcp host: server name %q is reserved", cfg.Name)
	case !cfg.Transport.IsValid():
		return fmt.Errorf("mcp host: server %q: unknown transport %q", cfg.Name, cfg.Transport)
	}
	transport, err := newTransport(cfg)
	if err != nil {
		return fmt.Errorf("mcp host: server %q: %w", cfg.Name, err)
	}
	return h.attach(ctx, cfg.Name, transport)
}

// newTransport builds the SDK transport for cfg. A stdio command is split
// on whitespace; cfg.Env extends the inherited environment.
func newTransport(cfg mcp.ServerConfig) (mcpsdk.Transport, error) {
	if cfg.Transport == mcp.TransportStreamableHTTP {
		if cfg.URL == "" {
			return nil, errors.New("streamable-http transport requires a URL")
		}
		return &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}, nil
	}

	exe, args := splitCommand(cfg.Command)
	if exe == "" {
		return nil, errors.New("stdio transport requires a command")
	}
	// The process outlives the registering request, so it is not bound to
	// its context.
	cmd := exec.Command(exe, args...)
	if len(cfg.Env) > 0 {
		cmd.Env = os.Environ()
		for _, k := range slices.Sorted(maps.Keys(cfg.Env)) {
			cmd.Env = append(cmd.Env, k+"="+cfg.Env[k])
		}
	}
	return &mcpsdk.CommandTransport{Command: cmd}, nil
}

// attach opens a session over transport and swaps the server's tools in.
func (h *Host) attach(ctx context.Context, server string, transport mcpsdk.Transport) error {
	session, err := h.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("mcp host: connect %q: %w", server, err)
	}
	var listed []*mcpsdk.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("mcp host: list tools of %q: %w", server, err)
		}
		listed = append(listed, tool)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.sessions[server]; ok {
		_ = old.Close()
		maps.DeleteFunc(h.tools, func(_ string, e toolEntry) bool { return e.server == server })
	}
	h.sessions[server] = session

	log := observe.Logger(ctx)
	for _, t := range listed {
		if prev, ok := h.tools[t.Name]; ok {
			log.Warn("mcp tool name clash, replacing", "tool", t.Name, "old_server", prev.server, "new_server", server)
		}
		h.tools[t.Name] = toolEntry{
			def:    llm.ToolDefinition{Name: t.Name, Description: t.Description, Parameters: schemaToMap(t.InputSchema)},
			server: server,
			window: newRollingWindow(windowSize),
			call:   sessionCall(session, t.Name),
		}
	}
	log.Info("mcp server registered", "server", server, "tools", len(listed))
	return nil
}

// sessionCall returns a callFunc that invokes tool on session.
func sessionCall(session *mcpsdk.ClientSession, tool string) callFunc {
	return func(ctx context.Context, args string) (*mcp.ToolResult, error) {
		params := map[string]any{}
		if args != "" {
			if err := json.Unmarshal([]byte(args), &params); err != nil {
				// Malformed arguments go back to the model as an error result.
				return &mcp.ToolResult{Content: "invalid arguments: " + err.Error(), IsError: true}, nil
			}
		}
		res, err := session.CallTool(ctx, &mcpsdk.CallToolParams{Name: tool, Arguments: params})
		if err != nil {
			return nil, fmt.Errorf("mcp host: call %q: %w", tool, err)
		}
		var text strings.Builder
		for _, c := range res.Content {
			if tc, ok := c.(*mcpsdk.TextContent); ok {
				text.WriteString(tc.Text)
			}
		}
		return &mcp.ToolResult{Content: text.String(), IsError: res.IsError}, nil
	}
}

// schemaToMap turns an SDK input schema into the plain map the LLM providers
// forward. Anything unusable becomes an empty object schema.
func schemaToMap(schema any) map[string]any {
	if m, ok := schema.(map[string]any); ok && m != nil {
		return m
	}
	var m map[string]any
	if data, err := json.Marshal(schema); err == nil {
		_ = json.Unmarshal(data, &m)
	}
	if m == nil {
		return map[string]any{"type": "object"}
	}
	return m
}

// Ping checks that every connected server still answers, all at once. It
// backs the readiness probe.
func (h *Host) Ping(ctx context.Context) error {
	h.mu.RLock()
	sessions := maps.Clone(h.sessions)
	h.mu.RUnlock()

	g, ctx := errgroup.WithContext(ctx)
	for name, s := range sessions {
		g.Go(func() error {
			if err := s.Ping(ctx, nil); err != nil {
				return fmt.Errorf("mcp host: server %q: %w", name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// ─── Tools ───────────────────────────────────────────────────────────────────

// Tools returns every registered tool definition sorted by name.
func (h *Host) Tools() []llm.ToolDefinition {
	h.mu.RLock()
	defs := make([]llm.ToolDefinition, 0, len(h.tools))
	for _, e := range h.tools {
		defs = append(defs, e.def)
	}
	h.mu.RUnlock()

	slices.SortFunc(defs, func(a, b llm.ToolDefinition) int { return cmp.Compare(a.Name, b.Name) })
	return defs
}

// ExecuteTool runs the named tool with JSON-encoded args under the tool's
// timeout and records its latency and outcome.
func (h *Host) ExecuteTool(ctx context.Context, name, args string) (*mcp.ToolResult, error) {
	h.mu.RLock()
	entry, ok := h.tools[name]
	h.mu.RUnlock()
	if !ok {
		h.metrics.RecordToolCall(ctx, name, "not_found")
		return nil, fmt.Errorf("mcp host: %q: %w", name, mcp.ErrToolNotFound)
	}

	callCtx, cancel := context.WithTimeout(ctx, cmp.Or(entry.timeout, h.defaultTimeout))
	defer cancel()

	start := time.Now()
	res, err := entry.call(callCtx, args)
	elapsed := time.Since(start)

	failed := err != nil || res.IsError
	entry.window.Record(elapsed.Milliseconds(), failed)
	h.metrics.ToolExecutionDuration.Record(ctx, elapsed.Seconds())
	status := "ok"
	if failed {
		status = "error"
	}
	h.metrics.RecordToolCall(ctx, name, status)
	if err != nil {
		return nil, err
	}
	res.DurationMs = elapsed.Milliseconds()
	return res, nil
}

// Health reports per-tool statistics sorted by tool name.
func (h *Host) Health() []mcp.ToolHealth {
	h.mu.RLock()
	out := make([]mcp.ToolHealth, 0, len(h.tools))
	for name, e := range h.tools {
		out = append(out, mcp.ToolHealth{
			Name:      name,
			Server:    e.server,
			P50Ms:     e.window.P50(),
			P99Ms:     e.window.P99(),
			CallCount: e.window.Count(),
			ErrorRate: e.window.ErrorRate(),
		})
	}
	h.mu.RUnlock()

	slices.SortFunc(out, func(a, b mcp.ToolHealth) int { return cmp.Compare(a.Name, b.Name) })
	return out
}

// Close ends every server session and forgets all tools.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var errs []error
	for name, s := range h.sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("mcp host: close %q: %w", name, err))
		}
	}
	clear(h.sessions)
	clear(h.tools)
	return errors.Join(errs...)
}

// splitCommand splits "/bin/foo --bar baz" into "/bin/foo" and its args.
func splitCommand(command string) (string, []string) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], fields[1:]
}
