// Package main is the entry point for the user accounts server.
//
// The main package only reads configuration, builds the logger and hands
// off to internal/server. Two subcommands are available:
//
//	server serve     run the HTTP API (the default when no subcommand is given)
//	server migrate   apply pending database migrations and exit
//
// Configuration comes from the environment, optionally seeded from a .env
// file in the working directory (see internal/config).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/sakif/user-accounts/internal/config"
	sqliteRepo "github.com/sakif/user-accounts/internal/repository/sqlite"
	"github.com/sakif/user-accounts/internal/server"
	"github.com/sakif/user-accounts/internal/telemetry"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	serve := newServeCommand()

	cmd := &cobra.Command{
		Use:           "server",
		Short:         "User accounts API: registration, login and token rotation",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve.RunE,
	}

	cmd.AddCommand(serve)
	cmd.AddCommand(newMigrateCommand())
	return cmd
}

// setup loads config and builds the process logger.
func setup(ctx context.Context) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Level(),
	}))
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API until SIGINT or SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			cfg, logger, err := setup(ctx)
			if err != nil {
				return err
			}

			// Tracing is a no-op unless OTEL_EXPORTER_OTLP_ENDPOINT is set.
			shutdownTracing, err := telemetry.Init(ctx, server.ServiceName, cfg.OTLPEndpoint)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTracing(shutdownCtx); err != nil {
					logger.Error("shutdown tracing", slog.String("error", err.Error()))
				}
			}()

			srv, err := server.New(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("creating server: %w", err)
			}

			// Start blocks until the server is shut down.
			return srv.Start(ctx)
		},
	}
}

func newMigrateCommand() *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			cfg, logger, err := setup(ctx)
			if err != nil {
				return err
			}
			if dbPath == "" {
				dbPath = cfg.DBPath
			}
			if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
				return fmt.Errorf("creating database directory: %w", err)
			}

			db, err := sqliteRepo.Open(dbPath)
			if err != nil {
				return err
			}
			defer db.Close()

			applied, err := db.Migrate(ctx)
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				logger.Info("database is up to date", slog.String("database", dbPath))
				return nil
			}
			for _, name := range applied {
				logger.Info("migration applied", slog.String("migration", name))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "Database path (defaults to DB_PATH)")
	return cmd
}
