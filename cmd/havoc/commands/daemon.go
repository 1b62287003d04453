package commands

import (
	"fmt"
	"os"
	"strconv"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/havoc-sh/havoc/pkg/config"
	"github.com/havoc-sh/havoc/pkg/engine"
)

func newDaemonCommand() *cobra.Command {
	var (
		pidFile string
		watch   bool
	)

	cmd := &cobra.Command{
		Use:   "daemon <schedule.yaml>",
		Short: "Run experiments on a cron schedule",
		Long: `Run as a long-lived daemon, firing the experiments in the schedule file on
their cron recurrence. Concurrent runs are capped by the configured ceiling;
a firing that would exceed it is skipped, never queued. Interrupted rollback
logs are replayed on startup.`,
		Example: `  # Run the daemon
  havoc daemon schedule.yaml

  # Reload the schedule automatically when the file changes
  havoc daemon schedule.yaml --watch`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			path := args[0]

			dc, err := config.LoadDaemonFile(path)
			if err != nil {
				return err
			}

			if policyDir == "" {
				policyDir = dc.Settings.PolicyDir
			}
			st, err := buildStack(ctx, log.Logger)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.recoverInterrupted(ctx, log.Logger); err != nil {
				return fmt.Errorf("failed to recover interrupted runs: %w", err)
			}

			if pidFile != "" {
				if err := os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
					return fmt.Errorf("failed to write pid file: %w", err)
				}
				defer os.Remove(pidFile)
			}

			if dc.Settings.MetricsBind != "" {
				st.metrics.Serve(ctx, dc.Settings.MetricsBind, log.Logger)
			}

			sched := engine.NewScheduler(st.orch, engine.SchedulerConfig{
				MaxConcurrent: dc.Settings.MaxConcurrent,
			}, st.metrics, log.Logger)

			entries, err := dc.ScheduleEntries()
			if err != nil {
				return err
			}
			if err := sched.SetEntries(entries); err != nil {
				return err
			}

			if watch {
				err := config.WatchDaemonFile(ctx, path, log.Logger, func(next *config.DaemonConfig) error {
					nextEntries, err := next.ScheduleEntries()
					if err != nil {
						return err
					}
					return sched.SetEntries(nextEntries)
				})
				if err != nil {
					return err
				}
			}

			log.Info().
				Int("experiments", len(entries)).
				Int("max_concurrent", dc.Settings.MaxConcurrent).
				Msg("Daemon starting")

			if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&pidFile, "pid-file", "", "write the daemon PID to this file")
	cmd.Flags().BoolVar(&watch, "watch", false, "reload the schedule when the file changes")

	return cmd
}
