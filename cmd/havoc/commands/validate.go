package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/havoc-sh/havoc/pkg/config"
	"github.com/havoc-sh/havoc/pkg/policy"
)

func newValidateCommand() *cobra.Command {
	var daemonFile bool

	cmd := &cobra.Command{
		Use:   "validate <file.yaml>",
		Short: "Validate an experiment or schedule file without running it",
		Long: `Parse and validate a configuration file: YAML structure, required fields,
target kinds, durations, cron expressions (for schedule files), and the
policy gate's static checks. Nothing is executed.`,
		Example: `  # Validate an experiment file
  havoc validate experiments.yaml

  # Validate a daemon schedule file
  havoc validate schedule.yaml --daemon`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			path := args[0]

			var experiments []config.ExperimentConfig
			if daemonFile {
				dc, err := config.LoadDaemonFile(path)
				if err != nil {
					return err
				}
				for _, se := range dc.Experiments {
					experiments = append(experiments, se.Experiment)
				}
			} else {
				f, err := config.LoadFile(path)
				if err != nil {
					return err
				}
				experiments = f.Experiments
			}

			gate, err := policy.NewGate(log.Logger)
			if err != nil {
				return err
			}
			if policyDir != "" {
				if err := gate.LoadDir(ctx, policyDir); err != nil {
					return err
				}
			}

			// Static policy check: discovery has not happened, so only the
			// experiment-shaped rules can fire here.
			for i := range experiments {
				exp, err := experiments[i].ToExperiment()
				if err != nil {
					return err
				}
				if err := gate.Check(ctx, exp, nil); err != nil {
					return fmt.Errorf("experiment %q: %w", exp.Name, err)
				}
			}

			fmt.Printf("%s: %d experiment(s) valid\n", path, len(experiments))
			return nil
		},
	}

	cmd.Flags().BoolVar(&daemonFile, "daemon", false, "treat the file as a daemon schedule file")

	return cmd
}
