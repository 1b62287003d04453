package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newRecoverCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Replay rollback logs left open by a crashed process",
		Long: `Scan the database for runs with pending or failed rollback steps, rebuild
an agent for each from its stored target configuration, and replay the open
steps in reverse order. Runs whose target cannot be reached are left
untouched for a later attempt.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			st, err := buildStack(ctx, log.Logger)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.recoverInterrupted(ctx, log.Logger); err != nil {
				return fmt.Errorf("recovery failed: %w", err)
			}

			fmt.Println("Recovery complete")
			return nil
		},
	}

	return cmd
}
