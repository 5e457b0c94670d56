package main

import (
	"io"
	"log/slog"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/foreman/internal/config"
	"github.com/livinlefevreloca/foreman/internal/db"
	"github.com/livinlefevreloca/foreman/internal/job"
	"github.com/livinlefevreloca/foreman/internal/jobs"
)

// app holds what every subcommand needs once flags are parsed.
type app struct {
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:           "foreman",
		Short:         "Persistent background job runner",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd.ErrOrStderr())
		},
	}
	cmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "Path to configuration file (TOML)")

	cmd.AddCommand(
		newRunCmd(a),
		newEnqueueCmd(a),
		newListCmd(a),
		newCancelCmd(a),
		newPurgeCmd(a),
		newMigrateCmd(a),
	)
	return cmd
}

// load reads and validates the configuration and installs the logger.
func (a *app) load(logOutput io.Writer) error {
	cfg, err := config.LoadConfig(a.configPath)
	if err != nil {
		return errors.Wrap(err, "load configuration")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}
	a.cfg = cfg
	a.logger = newLogger(cfg.Logging, logOutput)
	slog.SetDefault(a.logger)
	return nil
}

func (a *app) openDB() (*db.DB, error) {
	a.logger.Debug("connecting to database", "driver", a.cfg.Database.Driver)
	database, err := db.OpenWithConfig(a.cfg.Database)
	if err != nil {
		return nil, errors.Wrap(err, "connect to database")
	}
	return database, nil
}

func newLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// newRegistry returns a registry with the built-in job types.
func newRegistry() (*job.Registry, error) {
	reg := job.NewRegistry()
	if err := jobs.Register(reg); err != nil {
		return nil, err
	}
	return reg, nil
}
