package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/webshot/internal/config"
	"github.com/JakeFAU/webshot/internal/logging"
	"github.com/JakeFAU/webshot/internal/server"
)

// cliState carries what PersistentPreRunE prepared for the subcommands.
type cliState struct {
	cfgFile string
	cfg     config.Config
	logger  *zap.Logger
	stdout  io.Writer
	// buildApp is swapped in tests to avoid launching Chrome.
	buildApp func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*server.App, error)
}

func newCLIState() *cliState {
	return &cliState{
		stdout: os.Stdout,
		buildApp: func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*server.App, error) {
			return server.Build(ctx, cfg, logger)
		},
	}
}

func newRootCmd() *cobra.Command {
	return newRootCmdWith(newCLIState())
}

func newRootCmdWith(rt *cliState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webshot",
		Short: "Renders web pages to images and caches them by fingerprint.",
		Long: `webshot renders a URL in headless Chrome, post-processes the capture into
webp, jpg or png, and stores it in a blob store under a content fingerprint.
Repeated identical requests are served from the store without a render.`,
		SilenceUsage: true,

		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load(rt.cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.Build(cfg.Logging)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)
			rt.cfg = cfg
			rt.logger = logger
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&rt.cfgFile, "config", "", "config file (YAML, JSON or TOML); WEBSHOT_* env vars override it")

	cmd.AddCommand(newServeCmd(rt))
	cmd.AddCommand(newWorkerCmd(rt))
	cmd.AddCommand(newCaptureCmd(rt))
	return cmd
}

func newServeCmd(rt *cliState) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run queue workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if port > 0 {
				rt.cfg.Server.Port = port
			}
			app, err := rt.buildApp(cmd.Context(), rt.cfg, rt.logger)
			if err != nil {
				return err
			}
			if err := app.Serve(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("serve: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides server.port)")
	return cmd
}

func newWorkerCmd(rt *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume the deferred queue without serving HTTP",
		Long: `worker runs queue.workers consumers against the configured queue. It is
only useful with queue.backend=pubsub, where jobs are published by a separate
serve process.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if rt.cfg.Queue.Backend != config.QueuePubSub {
				rt.logger.Warn("worker started with the in-memory queue; it will only see jobs enqueued by this process")
			}
			if rt.cfg.Queue.Workers <= 0 {
				return errors.New("queue.workers must be > 0 to run workers")
			}
			app, err := rt.buildApp(cmd.Context(), rt.cfg, rt.logger)
			if err != nil {
				return err
			}
			return app.RunWorkers(cmd.Context())
		},
	}
}
