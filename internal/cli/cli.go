// Package cli wires configuration, storage, tools and transports into the
// labs-agent commands.
package cli

import (
	"context"

	"github.com/urfave/cli/v3"

	"github.com/comigor/labs-agent/internal/config"
	"github.com/comigor/labs-agent/internal/llm"
	"github.com/comigor/labs-agent/internal/logger"
)

type Error struct {
	Code    int
	Message string
}

func Run(ctx context.Context, argv []string) *Error {
	if err := newApp().Run(ctx, argv); err != nil {
		logger.L.Error("command failed", "error", err)
		return &Error{
			Code:    1,
			Message: err.Error(),
		}
	}
	return nil
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "labs-agent",
		Usage: "Conversational agent that files lab deadlines into Notion",
		Commands: []*cli.Command{
			serveCommand(),
			mcpCommand(),
			extractCommand(),
		},
	}
}

func configFlag(path *string) cli.Flag {
	return &cli.StringFlag{
		Name:        "config",
		Aliases:     []string{"c"},
		Usage:       "Path to the YAML config file",
		Sources:     cli.EnvVars("CONFIG_PATH"),
		Destination: path,
	}
}

// modelClient returns nil when no API key is configured, so callers can
// fall back to model-free behavior.
func modelClient(cfg *config.Config) llm.Client {
	if cfg.LLM.APIKey == "" {
		return nil
	}
	return llm.NewClient(cfg.LLM)
}
