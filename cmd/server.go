package cmd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/matrixsim/internal/auth"
	"github.com/example/matrixsim/internal/clock"
	"github.com/example/matrixsim/internal/health"
	"github.com/example/matrixsim/internal/jobs"
	"github.com/example/matrixsim/internal/runs"
	"github.com/example/matrixsim/internal/web"
)

func newServerCmd() *cobra.Command {
	var (
		migrateUp     bool
		probeInterval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Serve the run API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			d, err := openDB(ctx, cfg, migrateUp)
			if err != nil {
				return err
			}
			defer d.Close()

			repo := runs.NewRepo(d.Pool())
			svc := jobs.NewService(repo, clock.Real{}, logger, jobs.Options{
				Servers:        cfg.Servers,
				Pace:           cfg.LoopPace,
				CheckInterval:  cfg.CheckInterval,
				RequestTimeout: cfg.RequestTimeout,
				MaxAttempts:    cfg.AllocatorMaxAttempts,
				Seed:           cfg.Seed,
			})
			// a run in progress is cancelled and cleaned up before exit
			defer svc.Close()

			mon := &health.Monitor{
				Servers:  cfg.Servers,
				Interval: probeInterval,
				Timeout:  cfg.RequestTimeout,
				Client:   &http.Client{},
				Logger:   logger.With().Str("component", "health").Logger(),
			}
			if probeInterval > 0 && len(cfg.Servers) > 0 {
				go func() { _ = mon.Run(ctx) }()
			}

			ws := &web.Server{
				Jobs:      svc,
				Runs:      repo,
				Upstreams: mon,
				Logger:    logger,
			}
			if cfg.AuthEnabled {
				ws.Auth = auth.NewStore(d.Pool(), cfg.CookieHashKey, cfg.CookieBlockKey)
			}
			return web.Start(ctx, cfg.ListenAddr, ws.Routes(), logger)
		},
	}

	cmd.Flags().BoolVar(&migrateUp, "migrate", true, "run database migrations on startup")
	cmd.Flags().DurationVar(&probeInterval, "probe-interval", time.Minute, "upstream health probe interval (0 disables)")

	cmd.Flags().Lookup("migrate").NoOptDefVal = "true"
	return cmd
}
