package main

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/hybridsearch/internal/config"
	"github.com/dshills/hybridsearch/internal/engine"
	"github.com/dshills/hybridsearch/internal/mcp"
	"github.com/dshills/hybridsearch/internal/storage"
)

func NewServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP server on stdio",
		Long: `Serve the search engine as MCP tools over stdin/stdout. Logs go to stderr.
When metrics are enabled, Prometheus metrics are served on the configured
address. Changes to the config file are applied without a restart.`,
		Args: cobra.NoArgs,
		RunE: a.withEngine(runServe),
	}
	cmd.Flags().Bool("no-watch", false, "Do not reload the config file on change")
	return cmd
}

func runServe(cmd *cobra.Command, e *engine.Engine, _ []string) error {
	logger := e.Logger
	logger.Info("hybridsearch starting",
		zap.String("version", version),
		zap.String("build_mode", storage.BuildMode),
		zap.String("driver", storage.DriverName))

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	if e.Metrics != nil {
		g.Go(func() error {
			logger.Info("metrics listening", zap.String("address", e.Config().Metrics.Address))
			return e.Metrics.ListenAndServe()
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			return e.Metrics.Shutdown(shutdownCtx)
		})
	}

	noWatch, _ := cmd.Flags().GetBool("no-watch")
	if path := configPath(cmd); path != "" && !noWatch {
		g.Go(func() error {
			return config.Watch(ctx, path, config.DefaultDebounce, logger, func(cfg *config.Config) {
				if err := e.Reload(cfg); err != nil {
					logger.Warn("config reload rejected", zap.Error(err))
				}
			})
		})
	}

	g.Go(func() error {
		// stdin closing ends the session
		defer cancel()
		return mcp.NewServer(e).Serve(ctx)
	})

	err := g.Wait()
	logger.Info("server stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func configPath(cmd *cobra.Command) string {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		return path
	}
	return os.Getenv(config.EnvConfig)
}
