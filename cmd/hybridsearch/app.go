package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dshills/hybridsearch/internal/config"
	"github.com/dshills/hybridsearch/internal/engine"
)

// app opens an engine per command from the persistent flags.
type app struct {
	// logger replaces the configured logger when set
	logger *zap.Logger
}

func newApp() *app {
	return &app{}
}

func (a *app) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if db, _ := cmd.Flags().GetString("db"); db != "" {
		cfg.Storage.Driver = config.DriverSQLite
		cfg.Storage.Path = db
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	return cfg, cfg.Validate()
}

func (a *app) open(cmd *cobra.Command) (*engine.Engine, error) {
	cfg, err := a.loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	var opts []engine.Option
	if a.logger != nil {
		opts = append(opts, engine.WithLogger(a.logger))
	}
	return engine.Open(cmd.Context(), cfg, opts...)
}

// withEngine runs fn against a freshly opened engine and closes it after.
func (a *app) withEngine(fn func(cmd *cobra.Command, e *engine.Engine, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		e, err := a.open(cmd)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := e.Close(); err == nil {
				err = cerr
			}
		}()
		return fn(cmd, e, args)
	}
}

func outputJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func wantJSON(cmd *cobra.Command) bool {
	asJSON, _ := cmd.Flags().GetBool("json")
	return asJSON
}
