package cmd

import (
	"github.com/spf13/cobra"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the switch daemon is running",
	Long: `Show whether the switch daemon is running.

The daemon is located through daemon.pid_file.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus(newDaemon(), cmd.OutOrStdout())
	},
}
