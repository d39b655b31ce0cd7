package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/example/matrixsim/internal/clock"
	"github.com/example/matrixsim/internal/jobs"
	"github.com/example/matrixsim/internal/runs"
	"github.com/example/matrixsim/internal/status"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start simulation runs and inspect past ones",
	}
	cmd.AddCommand(newRunStartCmd())
	cmd.AddCommand(newRunListCmd())
	cmd.AddCommand(newRunLogsCmd())
	return cmd
}

// readRequest loads a run request from a JSON or YAML file.
func readRequest(path string) (jobs.Request, error) {
	f, err := os.Open(path)
	if err != nil {
		return jobs.Request{}, err
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var doc map[string]any
		if err := yaml.NewDecoder(f).Decode(&doc); err != nil {
			return jobs.Request{}, fmt.Errorf("parse %s: %w", path, err)
		}
		r, err := jobs.Normalize(doc)
		if err != nil {
			return jobs.Request{}, err
		}
		return jobs.DecodeRequest(r)
	default:
		return jobs.DecodeRequest(f)
	}
}

func newRunStartCmd() *cobra.Command {
	var (
		file      string
		migrateUp bool
	)

	c := &cobra.Command{
		Use:   "start",
		Short: "Run a simulation in the foreground until it ends or is interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}
			req, err := readRequest(file)
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

			svc := jobs.NewService(runs.NewRepo(d.Pool()), clock.Real{}, logger, jobs.Options{
				Servers:        cfg.Servers,
				Pace:           cfg.LoopPace,
				CheckInterval:  cfg.CheckInterval,
				RequestTimeout: cfg.RequestTimeout,
				MaxAttempts:    cfg.AllocatorMaxAttempts,
				Seed:           cfg.Seed,
			})
			if err := svc.CreateRun(ctx, req); err != nil {
				return err
			}

			done := make(chan struct{})
			go func() {
				svc.Wait()
				close(done)
			}()
			select {
			case <-done:
			case <-ctx.Done():
				logger.Info().Msg("interrupt received, stopping simulation")
				svc.RequestStop()
				<-done
			}

			st := svc.QueryStatus()
			if err := printJSON(cmd.OutOrStdout(), st); err != nil {
				return err
			}
			if st.Phase == status.Failed {
				return fmt.Errorf("simulation failed: %s", st.Error)
			}
			return nil
		},
	}

	c.Flags().StringVarP(&file, "file", "f", "", "run request (.json, .yaml or .yml)")
	c.Flags().BoolVar(&migrateUp, "migrate", true, "run database migrations first")
	_ = c.MarkFlagRequired("file")
	return c
}

func newRunListCmd() *cobra.Command {
	var limit int
	c := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
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

			rs, err := runs.NewRepo(d.Pool()).ListRuns(ctx, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, r := range rs {
				ended := "-"
				if r.EndedAt != nil {
					ended = r.EndedAt.Format(time.RFC3339)
				}
				fmt.Fprintf(out, "id=%d name=%q server=%d outcome=%s started=%s ended=%s\n",
					r.ID, r.Name, r.ServerNumber, r.Outcome, r.StartedAt.Format(time.RFC3339), ended)
			}
			return nil
		},
	}
	c.Flags().IntVar(&limit, "limit", 20, "maximum runs to list")
	return c
}

func newRunLogsCmd() *cobra.Command {
	var (
		runID int64
		limit int
	)
	c := &cobra.Command{
		Use:   "logs",
		Short: "Print the log of a run",
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

			entries, err := runs.NewRepo(d.Pool()).ListLogs(ctx, runID, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, e := range entries {
				line := fmt.Sprintf("%s %-5s %s", e.Timestamp.Format(time.DateTime), e.Severity, e.Message)
				if e.StationCode != nil {
					line += fmt.Sprintf(" station=%d", *e.StationCode)
				}
				if e.BinCode != nil {
					line += fmt.Sprintf(" bin=%d", *e.BinCode)
				}
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}
	c.Flags().Int64Var(&runID, "id", 0, "run id")
	c.Flags().IntVar(&limit, "limit", 1000, "maximum entries")
	_ = c.MarkFlagRequired("id")
	return c
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
