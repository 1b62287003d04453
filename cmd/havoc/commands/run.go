package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/havoc-sh/havoc/pkg/config"
	"github.com/havoc-sh/havoc/pkg/engine"
)

func newRunCommand() *cobra.Command {
	var (
		name     string
		follow   bool
		failFast bool
	)

	cmd := &cobra.Command{
		Use:   "run <experiments.yaml>",
		Short: "Run the experiments in a YAML file",
		Long: `Run every experiment defined in the given file, one after another, and
print a report for each. Interrupted rollback logs from previous processes
are replayed first.`,
		Example: `  # Run all experiments in a file
  havoc run experiments.yaml

  # Run a single experiment by name
  havoc run experiments.yaml --experiment lock-orders-table

  # Stream progress events while the experiment runs
  havoc run experiments.yaml --follow`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			f, err := config.LoadFile(args[0])
			if err != nil {
				return err
			}

			st, err := buildStack(ctx, log.Logger)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.recoverInterrupted(ctx, log.Logger); err != nil {
				return fmt.Errorf("failed to recover interrupted runs: %w", err)
			}

			if follow {
				st.orch.SetRunObserver(func(runID, experiment string, bus *engine.Bus) {
					go printEvents(experiment, bus)
				})
			}

			ran := 0
			for i := range f.Experiments {
				ec := &f.Experiments[i]
				if name != "" && ec.Name != name {
					continue
				}
				ran++

				exp, err := ec.ToExperiment()
				if err != nil {
					return err
				}

				report, runErr := st.orch.Run(ctx, exp)
				if report != nil {
					fmt.Println(report)
				}
				if runErr != nil {
					if failFast {
						return runErr
					}
					log.Error().Err(runErr).Str("experiment", ec.Name).Msg("Experiment failed")
				}
			}

			if name != "" && ran == 0 {
				return fmt.Errorf("no experiment named %q in %s", name, args[0])
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "experiment", "", "run only the experiment with this name")
	cmd.Flags().BoolVar(&follow, "follow", false, "stream progress events to the log")
	cmd.Flags().BoolVar(&failFast, "fail-fast", false, "stop at the first failed experiment")

	return cmd
}

// printEvents logs a run's progress events until its bus closes.
func printEvents(experiment string, bus *engine.Bus) {
	for ev := range bus.Subscribe() {
		evt := log.Info().
			Str("experiment", experiment).
			Str("type", string(ev.Type))
		if ev.Status != "" {
			evt = evt.Str("status", string(ev.Status))
		}
		if ev.Action != "" {
			evt = evt.Str("action", ev.Action)
		}
		if ev.Error != "" {
			evt = evt.Str("error", ev.Error)
		}
		evt.Msg("Run event")
	}
}
