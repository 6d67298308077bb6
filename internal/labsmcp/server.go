// Package labsmcp serves the labs toolset (Notion, Google Docs and Slack
// parsing) as an MCP server.
package labsmcp

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/m-mizutani/goerr/v2"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/comigor/labs-agent/internal/config"
	"github.com/comigor/labs-agent/internal/extract"
	"github.com/comigor/labs-agent/internal/llm"
	"github.com/comigor/labs-agent/internal/logger"
	"github.com/comigor/labs-agent/pkg/tools"
)

const (
	Name    = "Notion Labs Tool"
	Version = "1.0.0"
)

// NewServer exposes each tool over MCP using the tool's own JSON schema.
func NewServer(ts ...tools.Tool) *server.MCPServer {
	s := server.NewMCPServer(Name, Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)
	for _, t := range ts {
		s.AddTool(mcp.NewToolWithRawSchema(t.Name(), t.Description(), t.Schema()), handler(t))
	}
	return s
}

func handler(t tools.Tool) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := req.Params.Arguments.(map[string]any)
		if args == nil {
			args = map[string]any{}
		}
		out, err := t.Run(ctx, args)
		if err != nil {
			logger.L.Warn("labs tool failed", "tool", t.Name(), "error", err)
			return mcp.NewToolResultError(err.Error()), nil
		}
		switch v := out.(type) {
		case string:
			return mcp.NewToolResultText(v), nil
		default:
			b, err := json.MarshalIndent(v, "", "  ")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			return mcp.NewToolResultText(string(b)), nil
		}
	}
}

// Toolset builds the labs tools from configuration. parseGoogleDoc is
// still offered without credentials and fails when called.
func Toolset(ctx context.Context, cfg *config.Config, client llm.Client) ([]tools.Tool, error) {
	var normalizer extract.Normalizer = extract.Passthrough{}
	if client != nil {
		normalizer = extract.NewLLMNormalizer(client, cfg.LLM.NormalizerModel)
	}
	extractor, err := extract.New(normalizer, cfg.Labs.Timezone)
	if err != nil {
		return nil, err
	}

	var fetcher tools.DocumentFetcher
	if cfg.Google.CredentialsJSON != "" {
		docs, err := tools.NewGoogleDocs(ctx, cfg.Google.CredentialsJSON)
		if err != nil {
			logger.L.Warn("Google Docs disabled", "error", err)
		} else {
			fetcher = docs
		}
	}

	notion := tools.NewNotionClient(cfg.Notion)
	return []tools.Tool{
		tools.NewAddScheduleItemTool(notion, cfg.Notion.ScheduleDB, cfg.Labs.Timezone),
		tools.NewAddLabItemTool(notion, cfg.Notion.PageID),
		tools.NewParseSlackMessageTool(extractor),
		tools.NewParseGoogleDocTool(fetcher),
	}, nil
}

// Serve runs srv on stdio, or on addr as streamable HTTP with a /health probe.
func Serve(ctx context.Context, srv *server.MCPServer, transport, addr string) error {
	switch transport {
	case "stdio":
		return server.ServeStdio(srv)
	case "http":
		mux := http.NewServeMux()
		mux.Handle("/mcp", server.NewStreamableHTTPServer(srv))
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("MCP server running!"))
		})
		httpSrv := &http.Server{Addr: addr, Handler: mux}
		go func() {
			<-ctx.Done()
			_ = httpSrv.Shutdown(context.WithoutCancel(ctx))
		}()
		logger.L.Info("labs MCP server listening", "addr", addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return goerr.Wrap(err, "labs MCP server failed", goerr.V("addr", addr))
		}
		return nil
	default:
		return goerr.New("unknown MCP transport", goerr.V("transport", transport))
	}
}
