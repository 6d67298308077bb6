// Package mcpclient connects to MCP servers and registers their tools.
package mcpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/comigor/labs-agent/internal/config"
	"github.com/comigor/labs-agent/internal/logger"
	"github.com/comigor/labs-agent/pkg/tools"
)

// Client defines the methods we expect from an MCP client.
type Client interface {
	Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	ListPrompts(ctx context.Context, req mcp.ListPromptsRequest) (*mcp.ListPromptsResult, error)
	GetPrompt(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error)
	Close() error
}

// Discovery owns the connected clients and what they contributed.
type Discovery struct {
	registry *tools.Registry
	policy   config.ConfirmationConfig
	inproc   map[string]*server.MCPServer

	clients []Client
	// Prompts holds the first argument-less prompt found on each server.
	Prompts []string
}

type Option func(*Discovery)

// WithInProcess makes servers of type "inprocess" named name resolve to srv.
func WithInProcess(name string, srv *server.MCPServer) Option {
	return func(d *Discovery) { d.inproc[name] = srv }
}

func New(registry *tools.Registry, policy config.ConfirmationConfig, opts ...Option) *Discovery {
	d := &Discovery{
		registry: registry,
		policy:   policy,
		inproc:   make(map[string]*server.MCPServer),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Connect dials every configured server. A server that fails is logged
// and skipped; tools are registered first-come first-served.
func (d *Discovery) Connect(ctx context.Context, servers []config.MCPServerConfig) {
	for _, serverCfg := range servers {
		c, err := d.dial(ctx, serverCfg)
		if err != nil {
			logger.L.Error("Failed to connect MCP server", "name", serverCfg.Name, "error", err)
			continue
		}
		if err := d.Add(ctx, serverCfg.Name, c); err != nil {
			logger.L.Error("Failed to initialize MCP server", "name", serverCfg.Name, "error", err)
			if cerr := c.Close(); cerr != nil {
				logger.L.Warn("MCP client close error after init failure", "error", cerr)
			}
		}
	}
	if len(d.clients) == 0 && len(servers) > 0 {
		logger.L.Warn("No MCP clients were successfully initialized despite servers configured.", "length", len(servers))
	}
}

func (d *Discovery) dial(ctx context.Context, serverCfg config.MCPServerConfig) (*client.Client, error) {
	var (
		mcpC *client.Client
		err  error
	)
	switch serverCfg.Type {
	case config.ClientTypeSSE:
		var sseOpts []transport.ClientOption
		if len(serverCfg.Headers) > 0 {
			sseOpts = append(sseOpts, transport.WithHeaders(serverCfg.Headers))
		}
		mcpC, err = client.NewSSEMCPClient(serverCfg.URL, sseOpts...)
	case config.ClientTypeStreamableHTTP:
		var httpOpts []transport.StreamableHTTPCOption
		if len(serverCfg.Headers) > 0 {
			httpOpts = append(httpOpts, transport.WithHTTPHeaders(serverCfg.Headers))
		}
		mcpC, err = client.NewStreamableHttpClient(serverCfg.URL, httpOpts...)
	case config.ClientTypeStdio:
		var env []string
		for k, v := range serverCfg.Env {
			env = append(env, fmt.Sprintf("%s=%s", strings.ToUpper(k), v))
		}
		mcpC, err = client.NewStdioMCPClient(serverCfg.Command, env, serverCfg.Args...)
	case config.ClientTypeInProcess:
		srv, ok := d.inproc[serverCfg.Name]
		if !ok {
			return nil, goerr.New("no in-process server with this name", goerr.V("name", serverCfg.Name))
		}
		mcpC, err = client.NewInProcessClient(srv)
	default:
		return nil, goerr.New("unsupported MCP server type; use sse, streamable_http, stdio or inprocess",
			goerr.V("type", serverCfg.Type), goerr.V("name", serverCfg.Name))
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create MCP client", goerr.V("name", serverCfg.Name))
	}

	// stdio clients start their transport on creation
	if serverCfg.Type != config.ClientTypeStdio {
		if err := mcpC.Start(ctx); err != nil {
			_ = mcpC.Close()
			return nil, goerr.Wrap(err, "failed to start MCP client transport", goerr.V("name", serverCfg.Name))
		}
	}
	return mcpC, nil
}

// Add initializes c, collects its system prompt and registers its tools.
func (d *Discovery) Add(ctx context.Context, name string, c Client) error {
	initResult, err := c.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo:      mcp.Implementation{Name: "labs-agent", Version: "1.0.0"},
		},
	})
	if err != nil {
		return goerr.Wrap(err, "initialize failed", goerr.V("name", name))
	}
	logger.L.Info("Server initialized", "name", name)
	d.clients = append(d.clients, c)

	if initResult != nil && initResult.Capabilities.Prompts != nil {
		if prompt := firstPrompt(ctx, name, c); prompt != "" {
			d.Prompts = append(d.Prompts, prompt)
			logger.L.Info("Discovered system prompt from MCP server", "name", name)
		}
	}

	serverTools, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		logger.L.Warn("Failed to list tools for MCP client", "name", name, "error", err)
		return nil
	}
	for _, mcpTool := range serverTools.Tools {
		rt := &remoteTool{server: name, client: c, tool: mcpTool}
		if d.registry.Register(rt, tools.WithSource(name), tools.WithConfirmation(d.policy.Requires(mcpTool.Name))) {
			logger.L.Info("Registered tool from MCP server", "tool", mcpTool.Name, "name", name)
		}
	}
	return nil
}

func firstPrompt(ctx context.Context, name string, c Client) string {
	prompts, err := c.ListPrompts(ctx, mcp.ListPromptsRequest{})
	if err != nil {
		logger.L.Warn("Failed to list prompts", "name", name, "error", err)
		return ""
	}
	idx := slices.IndexFunc(prompts.Prompts, func(p mcp.Prompt) bool {
		return len(p.Arguments) == 0
	})
	if idx == -1 {
		return ""
	}
	got, err := c.GetPrompt(ctx, mcp.GetPromptRequest{
		Params: mcp.GetPromptParams{Name: prompts.Prompts[idx].Name},
	})
	if err != nil {
		logger.L.Warn("Failed to get prompt", "name", name, "error", err)
		return ""
	}
	for _, m := range got.Messages {
		if m.Role != mcp.RoleAssistant {
			continue
		}
		if content, ok := m.Content.(mcp.TextContent); ok {
			return content.Text
		}
	}
	return ""
}

// Close closes every connected client.
func (d *Discovery) Close() error {
	var errs []error
	for _, c := range d.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	d.clients = nil
	if len(errs) > 0 {
		return goerr.New("failed to close MCP clients", goerr.V("errors", errs))
	}
	return nil
}

// remoteTool exposes one MCP tool through the tools.Tool interface.
type remoteTool struct {
	server string
	client Client
	tool   mcp.Tool
}

func (t *remoteTool) Name() string { return t.tool.Name }

func (t *remoteTool) Description() string { return t.tool.Description }

func (t *remoteTool) Schema() json.RawMessage {
	if len(t.tool.RawInputSchema) > 0 && string(t.tool.RawInputSchema) != "null" {
		return t.tool.RawInputSchema
	}
	b, err := json.Marshal(t.tool.InputSchema)
	if err != nil || string(b) == "{}" || string(b) == "null" {
		logger.L.Warn("Tool from MCP server has an empty schema. Using default empty object schema.", "tool", t.tool.Name, "name", t.server)
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return b
}

func (t *remoteTool) Run(ctx context.Context, args map[string]any) (any, error) {
	res, err := t.client.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{Name: t.tool.Name, Arguments: args},
	})
	if err != nil {
		return nil, goerr.Wrap(err, "MCP tool call failed", goerr.V("tool", t.tool.Name), goerr.V("server", t.server))
	}

	var sb strings.Builder
	for _, content := range res.Content {
		if tc, ok := content.(mcp.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	text := sb.String()
	if res.IsError {
		return nil, goerr.New(text, goerr.V("tool", t.tool.Name), goerr.V("server", t.server))
	}
	if json.Valid([]byte(text)) {
		return json.RawMessage(text), nil
	}
	return text, nil
}
