package cli

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"

	"github.com/comigor/labs-agent/internal/agent"
	"github.com/comigor/labs-agent/internal/config"
	"github.com/comigor/labs-agent/internal/history"
	"github.com/comigor/labs-agent/internal/labsmcp"
	"github.com/comigor/labs-agent/internal/llm"
	"github.com/comigor/labs-agent/internal/logger"
	"github.com/comigor/labs-agent/internal/mcpclient"
	"github.com/comigor/labs-agent/internal/orchestrator"
	"github.com/comigor/labs-agent/internal/scheduler"
	"github.com/comigor/labs-agent/internal/server"
	"github.com/comigor/labs-agent/internal/sqlite"
	"github.com/comigor/labs-agent/pkg/tools"
)

// labsServerName is the MCP server name the embedded labs toolset registers under.
const labsServerName = "labs"

const shutdownTimeout = 10 * time.Second

func serveCommand() *cli.Command {
	var configPath, addr string
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the chat, websocket and Slack HTTP endpoints",
		Flags: []cli.Flag{
			configFlag(&configPath),
			&cli.StringFlag{
				Name:        "addr",
				Aliases:     []string{"a"},
				Usage:       "Listen address, overrides server.host and server.port",
				Sources:     cli.EnvVars("LABS_ADDR"),
				Destination: &addr,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := config.LoadFile(configPath)
			if err != nil {
				return err
			}
			logger.Configure(cfg.Log.Level, cfg.Log.Format, os.Stdout)
			if addr == "" {
				addr = net.JoinHostPort(cfg.Server.Host, cfg.Server.Port)
			}

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, addr)
		},
	}
}

func openDB(path string) *sql.DB {
	db, err := sqlite.Open(path)
	if err == nil {
		return db
	}
	logger.L.Warn("sqlite unavailable; history and tasks will not survive a restart", "path", path, "error", err)
	db, err = sqlite.Open(":memory:")
	if err != nil {
		logger.L.Error("in-memory sqlite unavailable", "error", err)
		return nil
	}
	return db
}

func serve(ctx context.Context, cfg *config.Config, addr string) error {
	db := openDB(cfg.History.DBPath)
	if db != nil {
		defer db.Close()
	}
	store := history.NewStore(ctx, db)
	llmClient := llm.NewClient(cfg.LLM)

	loc, err := time.LoadLocation(cfg.Labs.Timezone)
	if err != nil {
		return goerr.Wrap(err, "invalid labs timezone", goerr.V("timezone", cfg.Labs.Timezone))
	}

	registry := tools.NewRegistry()
	confirm := func(name string) tools.Option {
		return tools.WithConfirmation(cfg.Confirmation.Requires(name))
	}

	var hub *agent.Hub
	var sched *scheduler.Scheduler
	if db != nil {
		taskStore, err := scheduler.NewStore(ctx, db)
		if err != nil {
			return err
		}
		sched = scheduler.New(taskStore, func(ctx context.Context, task *scheduler.Task) error {
			return hub.Trigger(ctx, task)
		})
		for _, t := range []tools.Tool{
			tools.NewScheduleTaskTool(sched),
			tools.NewGetScheduledTasksTool(sched),
			tools.NewCancelScheduledTaskTool(sched),
		} {
			registry.Register(t, confirm(t.Name()))
		}
	}
	lt := tools.NewLocalTimeTool(loc)
	registry.Register(lt, confirm(lt.Name()))

	var opts []mcpclient.Option
	servers := cfg.MCPServers
	if cfg.Labs.Embedded {
		labsTools, err := labsmcp.Toolset(ctx, cfg, llmClient)
		if err != nil {
			return err
		}
		opts = append(opts, mcpclient.WithInProcess(labsServerName, labsmcp.NewServer(labsTools...)))
		servers = append([]config.MCPServerConfig{{Name: labsServerName, Type: config.ClientTypeInProcess}}, servers...)
	}
	discovery := mcpclient.New(registry, cfg.Confirmation, opts...)
	discovery.Connect(ctx, servers)
	defer func() {
		if err := discovery.Close(); err != nil {
			logger.L.Warn("failed to close MCP clients", "error", err)
		}
	}()

	hub = agent.NewHub(agent.Deps{
		LLM:          llmClient,
		Config:       cfg.LLM,
		Registry:     registry,
		Orchestrator: orchestrator.New(registry, orchestrator.WithTTL(cfg.Confirmation.TTL)),
		Store:        store,
		Prompts:      discovery.Prompts,
	})
	defer hub.Close()

	if sched != nil {
		if err := sched.Start(ctx); err != nil {
			return err
		}
		defer sched.Stop()
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           server.New(hub, cfg, llmClient),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.L.Info("starting server", "address", addr, "tools", len(registry.List()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- goerr.Wrap(err, "failed to start server", goerr.V("address", addr))
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.L.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return goerr.Wrap(err, "graceful shutdown failed")
	}
	return nil
}
