package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/matrixsim/internal/auth"
)

func newOperatorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "operator",
		Short: "Manage operators allowed to start and stop runs",
	}
	cmd.AddCommand(newOperatorAddCmd())
	return cmd
}

func newOperatorAddCmd() *cobra.Command {
	var username, password string

	c := &cobra.Command{
		Use:   "add",
		Short: "Add an operator (username/password)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := bootstrap()
			if err != nil {
				return err
			}

			ctx := context.Background()
			d, err := openDB(ctx, cfg, true)
			if err != nil {
				return err
			}
			defer d.Close()

			// sessions are not issued here, so the cookie keys may be unset
			store := auth.NewStore(d.Pool(), cfg.CookieHashKey, cfg.CookieBlockKey)
			id, err := store.CreateOperator(ctx, username, password)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created operator %q id=%d\n", username, id)
			return nil
		},
	}

	c.Flags().StringVar(&username, "username", "", "username")
	c.Flags().StringVar(&password, "password", "", "password")
	_ = c.MarkFlagRequired("username")
	_ = c.MarkFlagRequired("password")
	return c
}
