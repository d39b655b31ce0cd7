package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/matrixsim/internal/migrate"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or inspect database migrations",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}
			ctx := context.Background()
			d, err := openDB(ctx, cfg, false)
			if err != nil {
				return err
			}
			defer d.Close()

			applied, err := migrate.Up(ctx, d.Pool())
			for _, v := range applied {
				logger.Info().Str("version", v).Msg("migration applied")
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d migrations applied\n", len(applied))
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "List migrations and when they were applied",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := bootstrap()
			if err != nil {
				return err
			}
			ctx := context.Background()
			d, err := openDB(ctx, cfg, false)
			if err != nil {
				return err
			}
			defer d.Close()

			ms, err := migrate.Status(ctx, d.Pool())
			if err != nil {
				return err
			}
			for _, m := range ms {
				applied := "pending"
				if m.AppliedAt != nil {
					applied = m.AppliedAt.Format(time.RFC3339)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", m.Version, applied)
			}
			return nil
		},
	})
	return cmd
}
