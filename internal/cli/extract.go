package cli

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"

	"github.com/comigor/labs-agent/internal/config"
	"github.com/comigor/labs-agent/internal/extract"
	"github.com/comigor/labs-agent/internal/logger"
)

func extractCommand() *cli.Command {
	var (
		configPath string
		timezone   string
		raw        bool
	)
	return &cli.Command{
		Name:      "extract",
		Usage:     "Print the lab entries found in a message as JSON",
		ArgsUsage: "[file]",
		Flags: []cli.Flag{
			configFlag(&configPath),
			&cli.StringFlag{
				Name:        "timezone",
				Usage:       "IANA timezone for due dates, overrides labs.timezone",
				Destination: &timezone,
			},
			&cli.BoolFlag{
				Name:        "raw",
				Usage:       "Skip model normalization; the input must already be canonical lines",
				Destination: &raw,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := config.LoadFile(configPath)
			if err != nil {
				return err
			}
			logger.Configure(cfg.Log.Level, cfg.Log.Format, c.Root().ErrWriter)
			if timezone == "" {
				timezone = cfg.Labs.Timezone
			}

			text, err := readInput(c)
			if err != nil {
				return err
			}

			var normalizer extract.Normalizer = extract.Passthrough{}
			if client := modelClient(cfg); client != nil && !raw {
				normalizer = extract.NewLLMNormalizer(client, cfg.LLM.NormalizerModel)
			}
			extractor, err := extract.New(normalizer, timezone)
			if err != nil {
				return err
			}

			entries := extractor.Extract(ctx, text)
			if entries == nil {
				entries = []extract.LabEntry{}
			}
			enc := json.NewEncoder(c.Root().Writer)
			enc.SetIndent("", "  ")
			if err := enc.Encode(entries); err != nil {
				return goerr.Wrap(err, "failed to write entries")
			}
			return nil
		},
	}
}

func readInput(c *cli.Command) (string, error) {
	var r io.Reader = c.Root().Reader
	if path := c.Args().First(); path != "" && path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return "", goerr.Wrap(err, "failed to open input", goerr.V("path", path))
		}
		defer f.Close()
		r = f
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return "", goerr.Wrap(err, "failed to read input")
	}
	return strings.TrimSpace(string(b)), nil
}
