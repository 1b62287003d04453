package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	dbPath    string
	policyDir string
)

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "havoc",
		Short: "Havoc - Chaos experiment orchestration with durable rollback",
		Long: `Havoc runs chaos experiments against live infrastructure and guarantees
that every mutation it makes is undone afterward.

Every mutating action is recorded in a durable rollback log before it is
treated as committed; when the experiment ends (or the process crashes and
restarts) the log is replayed in reverse order until the target is back in
its original state. Steps that cannot be undone automatically are reported
for manual remediation, never silently dropped.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "havoc.db", "path to the rollback log database")
	rootCmd.PersistentFlags().StringVar(&policyDir, "policy-dir", "", "directory of additional .rego policy files")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newDaemonCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newRecoverCommand())

	return rootCmd
}
