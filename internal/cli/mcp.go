package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/comigor/labs-agent/internal/config"
	"github.com/comigor/labs-agent/internal/labsmcp"
	"github.com/comigor/labs-agent/internal/logger"
)

func mcpCommand() *cli.Command {
	var configPath, transport, addr string
	return &cli.Command{
		Name:  "mcp",
		Usage: "Serve the labs toolset (Notion, Google Docs, Slack parsing) over MCP",
		Flags: []cli.Flag{
			configFlag(&configPath),
			&cli.StringFlag{
				Name:        "transport",
				Aliases:     []string{"t"},
				Usage:       "MCP transport: stdio or http",
				Value:       "stdio",
				Sources:     cli.EnvVars("LABS_MCP_TRANSPORT"),
				Destination: &transport,
			},
			&cli.StringFlag{
				Name:        "addr",
				Aliases:     []string{"a"},
				Usage:       "Listen address for the http transport",
				Value:       ":3000",
				Sources:     cli.EnvVars("LABS_MCP_ADDR"),
				Destination: &addr,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := config.LoadFile(configPath)
			if err != nil {
				return err
			}
			// stdout belongs to the protocol on stdio
			logger.Configure(cfg.Log.Level, cfg.Log.Format, os.Stderr)

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			ts, err := labsmcp.Toolset(ctx, cfg, modelClient(cfg))
			if err != nil {
				return err
			}
			return labsmcp.Serve(ctx, labsmcp.NewServer(ts...), transport, addr)
		},
	}
}
