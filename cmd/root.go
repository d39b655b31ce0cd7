package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/example/matrixsim/internal/config"
	"github.com/example/matrixsim/internal/db"
	"github.com/example/matrixsim/internal/logging"
	"github.com/example/matrixsim/internal/migrate"
)

var (
	Version   = "dev"
	CommitSHA = "none"
	BuildDate = "unknown"
)

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "matrixsim",
		Short: "Drives warehouse robotics simulations against storage manager and traffic controller servers",
	}

	root.AddCommand(newVersionCmd())
	root.AddCommand(newKeysCmd())
	root.AddCommand(newServerCmd())
	root.AddCommand(newRunCmd())
	root.AddCommand(newOperatorCmd())
	root.AddCommand(newPingCmd())
	root.AddCommand(newMigrateCmd())

	return root
}

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// bootstrap loads the environment configuration and sets up logging.
func bootstrap() (config.Config, zerolog.Logger, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	logger := logging.Setup(logging.Options{
		Environment: cfg.Environment,
		Level:       cfg.LogLevel,
		File:        cfg.LogFile,
	})
	return cfg, logger, nil
}

// openDB connects and, when migrateUp is set, applies pending migrations.
func openDB(ctx context.Context, cfg config.Config, migrateUp bool) (*db.DB, error) {
	d, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := d.Ping(ctx); err != nil {
		d.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	if migrateUp {
		if _, err := migrate.Up(ctx, d.Pool()); err != nil {
			d.Close()
			return nil, err
		}
	}
	return d, nil
}
