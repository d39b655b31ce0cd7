package cmd

import (
	"context"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/example/matrixsim/internal/health"
)

func newPingCmd() *cobra.Command {
	var server int

	c := &cobra.Command{
		Use:   "ping",
		Short: "Check the storage manager and traffic controller of configured servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}
			mon := &health.Monitor{
				Servers: cfg.Servers,
				Timeout: cfg.RequestTimeout,
				Client:  &http.Client{},
				Logger:  logger,
			}

			targets := mon.ServerNumbers()
			if server > 0 {
				targets = []int{server}
			}
			if len(targets) == 0 {
				return fmt.Errorf("no servers configured (set SM_BASE_n and TC_BASE_n)")
			}

			unhealthy := 0
			for _, n := range targets {
				r, ok := mon.Check(context.Background(), n)
				if !ok {
					return fmt.Errorf("server %d is not configured", n)
				}
				if err := printJSON(cmd.OutOrStdout(), r); err != nil {
					return err
				}
				if !r.OK() {
					unhealthy++
				}
			}
			if unhealthy > 0 {
				return fmt.Errorf("%d of %d servers unhealthy", unhealthy, len(targets))
			}
			return nil
		},
	}
	c.Flags().IntVar(&server, "server", 0, "check only this server number")
	return c
}
